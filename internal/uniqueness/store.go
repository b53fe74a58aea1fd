package uniqueness

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Store persists the fingerprint set across runs. Implementations must be
// safe for concurrent use.
type Store interface {
	Load(ctx context.Context) ([]string, error)
	Add(ctx context.Context, fingerprints []string) error
	Remove(ctx context.Context, fingerprints []string) error
	Close() error
}

// FileStore keeps fingerprints in an append-only text file, one per line.
// Withdrawn fingerprints are appended with a leading "-" and dropped on load.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a store at path; the file is created on first write
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load replays the file
func (s *FileStore) Load(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open fingerprint file: %w", err)
	}
	defer f.Close()

	set := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case strings.HasPrefix(line, "-"):
			delete(set, line[1:])
		default:
			set[line] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read fingerprint file: %w", err)
	}
	return keys(set), nil
}

// Add appends fingerprints and syncs the file
func (s *FileStore) Add(_ context.Context, fingerprints []string) error {
	return s.append(fingerprints, "")
}

// Remove appends tombstones for fingerprints
func (s *FileStore) Remove(_ context.Context, fingerprints []string) error {
	return s.append(fingerprints, "-")
}

func (s *FileStore) append(fingerprints []string, prefix string) error {
	if len(fingerprints) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create fingerprint directory: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open fingerprint file: %w", err)
	}

	w := bufio.NewWriter(f)
	for _, fp := range fingerprints {
		w.WriteString(prefix)
		w.WriteString(fp)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write fingerprints: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync fingerprint file: %w", err)
	}
	return f.Close()
}

// Close is a no-op; the file is opened per write
func (s *FileStore) Close() error { return nil }

// redisBatch bounds the members sent per SADD/SREM
const redisBatch = 500

// RedisStore keeps fingerprints in one Redis set, shared by concurrent runs
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore connects to redisURL and verifies the connection
func NewRedisStore(ctx context.Context, redisURL, key string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisStore{client: client, key: key}, nil
}

// Load scans the whole set
func (s *RedisStore) Load(ctx context.Context) ([]string, error) {
	var out []string
	var cursor uint64
	for {
		members, next, err := s.client.SScan(ctx, s.key, cursor, "", 1000).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan fingerprints: %w", err)
		}
		out = append(out, members...)
		if next == 0 {
			break
		}
		cursor = next
	}
	// SSCAN may return a member more than once
	set := make(map[string]struct{}, len(out))
	for _, m := range out {
		set[m] = struct{}{}
	}
	return keys(set), nil
}

// Add adds fingerprints to the set
func (s *RedisStore) Add(ctx context.Context, fingerprints []string) error {
	return s.batch(fingerprints, func(members []any) error {
		return s.client.SAdd(ctx, s.key, members...).Err()
	})
}

// Remove removes fingerprints from the set
func (s *RedisStore) Remove(ctx context.Context, fingerprints []string) error {
	return s.batch(fingerprints, func(members []any) error {
		return s.client.SRem(ctx, s.key, members...).Err()
	})
}

func (s *RedisStore) batch(fingerprints []string, fn func([]any) error) error {
	for start := 0; start < len(fingerprints); start += redisBatch {
		end := min(start+redisBatch, len(fingerprints))
		members := make([]any, 0, end-start)
		for _, fp := range fingerprints[start:end] {
			members = append(members, fp)
		}
		if err := fn(members); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// MemoryStore keeps fingerprints in memory only
type MemoryStore struct {
	mu  sync.Mutex
	set map[string]struct{}
}

// NewMemoryStore creates a store whose Load returns seed
func NewMemoryStore(seed ...string) *MemoryStore {
	set := make(map[string]struct{}, len(seed))
	for _, fp := range seed {
		set[fp] = struct{}{}
	}
	return &MemoryStore{set: set}
}

func (s *MemoryStore) Load(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return keys(s.set), nil
}

func (s *MemoryStore) Add(_ context.Context, fingerprints []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fp := range fingerprints {
		s.set[fp] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, fingerprints []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fp := range fingerprints {
		delete(s.set, fp)
	}
	return nil
}

// Len returns the number of stored fingerprints
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.set)
}

func (s *MemoryStore) Close() error { return nil }

// ReadOnlyStore loads from another store and drops every write. Dry runs use
// it so duplicates are still caught against history while nothing they accept
// leaks into later runs.
type ReadOnlyStore struct {
	Store
}

func (ReadOnlyStore) Add(context.Context, []string) error    { return nil }
func (ReadOnlyStore) Remove(context.Context, []string) error { return nil }
