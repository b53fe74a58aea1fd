package checkpoint

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lamim/copyforge/pkg/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultName identifies the checkpoint when none is configured
const DefaultName = "default"

// Connect opens a connection pool and verifies it with a ping
func Connect(ctx context.Context, url string, maxConns int) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// RunMigrations applies the embedded checkpoint schema to the database at url
func RunMigrations(url string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(url))
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// migrateURL points the URL at the pgx/v5 migrate driver
func migrateURL(url string) string {
	for _, prefix := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(url, prefix) {
			return "pgx5://" + strings.TrimPrefix(url, prefix)
		}
	}
	return url
}

// PostgresBackend stores checkpoints in PostgreSQL. Several named checkpoints
// can share one database; each save upserts only the changed rows.
type PostgresBackend struct {
	pool *pgxpool.Pool
	name string
	own  bool
}

// NewPostgresBackend wraps an existing pool. The caller keeps ownership of it.
func NewPostgresBackend(pool *pgxpool.Pool, name string) *PostgresBackend {
	if name == "" {
		name = DefaultName
	}
	return &PostgresBackend{pool: pool, name: name}
}

// OpenPostgresBackend migrates the schema, connects and returns a backend
// that closes its pool on Close
func OpenPostgresBackend(ctx context.Context, url string, maxConns int, name string) (*PostgresBackend, error) {
	if err := RunMigrations(url); err != nil {
		return nil, err
	}
	pool, err := Connect(ctx, url, maxConns)
	if err != nil {
		return nil, err
	}
	b := NewPostgresBackend(pool, name)
	b.own = true
	return b, nil
}

func (b *PostgresBackend) Load(ctx context.Context) (*models.CheckpointFile, error) {
	file := emptyFile()

	err := b.pool.QueryRow(ctx,
		`SELECT version, run_id, config_hash, updated_at FROM checkpoint_header WHERE name = $1`, b.name,
	).Scan(&file.Version, &file.RunID, &file.ConfigHash, &file.UpdatedAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get checkpoint header: %w", err)
	}

	rows, err := b.pool.Query(ctx,
		`SELECT record_id, status, updated_at, error, meta FROM checkpoint_entries WHERE name = $1`, b.name)
	if err != nil {
		return nil, fmt.Errorf("list checkpoint entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id     string
			status string
			e      models.CheckpointEntry
			meta   []byte
		)
		if err := rows.Scan(&id, &status, &e.UpdatedAt, &e.Error, &meta); err != nil {
			return nil, fmt.Errorf("scan checkpoint entry: %w", err)
		}
		e.Status = models.CheckpointStatus(status)
		if len(meta) > 0 {
			e.Meta = &models.OutputMeta{}
			if err := json.Unmarshal(meta, e.Meta); err != nil {
				return nil, fmt.Errorf("decode meta for %s: %w", id, err)
			}
		}
		file.Entries[id] = e
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list checkpoint entries: %w", err)
	}
	return file, nil
}

func (b *PostgresBackend) Save(ctx context.Context, snap Snapshot) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin checkpoint save: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, id := range snap.Dirty {
		e, ok := snap.File.Entries[id]
		if !ok {
			continue
		}
		var meta []byte
		if e.Meta != nil {
			if meta, err = json.Marshal(e.Meta); err != nil {
				return fmt.Errorf("encode meta for %s: %w", id, err)
			}
		}
		batch.Queue(
			`INSERT INTO checkpoint_entries (name, record_id, status, updated_at, error, meta)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (name, record_id) DO UPDATE
			 SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at,
			     error = EXCLUDED.error, meta = EXCLUDED.meta`,
			b.name, id, string(e.Status), e.UpdatedAt, e.Error, meta)
	}
	batch.Queue(
		`INSERT INTO checkpoint_header (name, version, run_id, config_hash, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (name) DO UPDATE
		 SET version = EXCLUDED.version, run_id = EXCLUDED.run_id,
		     config_hash = EXCLUDED.config_hash, updated_at = EXCLUDED.updated_at`,
		b.name, snap.File.Version, snap.File.RunID, snap.File.ConfigHash, snap.File.UpdatedAt)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert checkpoint entries: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit checkpoint save: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Close() error {
	if b.own {
		b.pool.Close()
	}
	return nil
}
