package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lamim/copyforge/pkg/models"
)

// SQLiteStore serves records from one SQLite table. Facts and sub-facts
// columns hold JSON text.
type SQLiteStore struct {
	db      *sql.DB
	table   string
	mapping Mapping
	logger  *slog.Logger
}

// OpenSQLite opens the database at path and checks that table exists
func OpenSQLite(path, table string, m Mapping, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	// SQLite allows one writer at a time
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	var name string
	err = db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
	if err != nil {
		_ = db.Close()
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: table %s not found in %s", ErrSourceUnavailable, table, path)
		}
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	logger.Info("Opened SQLite source", "path", path, "table", table)
	return &SQLiteStore{
		db:      db,
		table:   table,
		mapping: m,
		logger:  logger.With("component", "sqlite_source"),
	}, nil
}

func (s *SQLiteStore) FetchPage(ctx context.Context, offset, limit int) (Page, error) {
	query := fmt.Sprintf(`SELECT * FROM %s ORDER BY %s LIMIT ? OFFSET ?`, quoteIdent(s.table), quoteIdent(s.mapping.ID))
	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return Page{}, fmt.Errorf("%w: query page: %v", ErrSourceUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	docs, err := s.scanDocs(rows)
	if err != nil {
		return Page{}, err
	}

	out := make([]models.Record, 0, len(docs))
	for _, doc := range docs {
		r, err := s.mapping.Decode(doc)
		if err != nil {
			s.logger.Warn("Skipping undecodable row", "offset", offset, "error", err)
			continue
		}
		out = append(out, r)
	}
	return Page{Records: out, Rows: len(docs)}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Record, error) {
	query := fmt.Sprintf(`SELECT * FROM %s WHERE %s = ? LIMIT 1`, quoteIdent(s.table), quoteIdent(s.mapping.ID))
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", id, err)
	}
	defer func() { _ = rows.Close() }()

	docs, err := s.scanDocs(rows)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r, err := s.mapping.Decode(docs[0])
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLiteStore) WriteOutput(ctx context.Context, id, text string) error {
	query := fmt.Sprintf(`UPDATE %s SET %s = ? WHERE %s = ?`,
		quoteIdent(s.table), quoteIdent(s.mapping.Output), quoteIdent(s.mapping.ID))
	res, err := s.db.ExecContext(ctx, query, text, id)
	if err != nil {
		return fmt.Errorf("write output %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("write output %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanDocs reads rows into generic documents, decoding JSON columns
func (s *SQLiteStore) scanDocs(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	var docs []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		doc := make(map[string]any, len(cols))
		for i, col := range cols {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			if col == s.mapping.Facts || col == s.mapping.SubFacts {
				v = decodeJSONColumn(v)
			}
			doc[col] = v
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	return docs, nil
}

func decodeJSONColumn(v any) any {
	text, ok := v.(string)
	if !ok || text == "" {
		return v
	}
	var out any
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return v
	}
	return out
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
