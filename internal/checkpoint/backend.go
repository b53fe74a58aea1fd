package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lamim/copyforge/internal/config"
	"github.com/lamim/copyforge/pkg/models"
)

// Snapshot is a consistent copy of the checkpoint taken for one flush. Dirty
// lists the ids changed since the previous successful flush.
type Snapshot struct {
	File  models.CheckpointFile
	Dirty []string
}

// Backend persists checkpoint snapshots
type Backend interface {
	// Load returns the stored checkpoint, or an empty one if none exists
	Load(ctx context.Context) (*models.CheckpointFile, error)
	Save(ctx context.Context, snap Snapshot) error
	Close() error
}

// OpenBackend builds the backend selected by cfg. For postgres the path
// names the checkpoint inside the shared tables.
func OpenBackend(ctx context.Context, cfg config.CheckpointConfig) (Backend, error) {
	switch cfg.Backend {
	case "file":
		return NewFileBackend(cfg.Path), nil
	case "postgres":
		return OpenPostgresBackend(ctx, cfg.DatabaseURL, cfg.MaxConns, cfg.Path)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend: %s", cfg.Backend)
	}
}

// FileBackend stores the checkpoint as one indented JSON document. Every save
// rewrites the whole file through a temp file and rename, so a crash mid-write
// leaves the previous version intact.
type FileBackend struct {
	path string
}

// NewFileBackend creates a backend writing to path
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// Path returns the checkpoint file path
func (b *FileBackend) Path() string {
	return b.path
}

func (b *FileBackend) Load(_ context.Context) (*models.CheckpointFile, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return emptyFile(), nil
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var file models.CheckpointFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint %s: %w", b.path, err)
	}
	if file.Version > FormatVersion {
		return nil, fmt.Errorf("checkpoint %s has unsupported version %d", b.path, file.Version)
	}
	if file.Entries == nil {
		file.Entries = make(map[string]models.CheckpointEntry)
	}
	return &file, nil
}

func (b *FileBackend) Save(_ context.Context, snap Snapshot) error {
	data, err := json.MarshalIndent(snap.File, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	if dir := filepath.Dir(b.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create checkpoint directory: %w", err)
		}
	}

	tmpPath := b.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp checkpoint: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp checkpoint: %w", err)
	}

	// Atomic rename
	if err := os.Rename(tmpPath, b.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename checkpoint: %w", err)
	}
	return nil
}

func (b *FileBackend) Close() error { return nil }

func emptyFile() *models.CheckpointFile {
	return &models.CheckpointFile{
		Version: FormatVersion,
		Entries: make(map[string]models.CheckpointEntry),
	}
}
