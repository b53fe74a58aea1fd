package writer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// JSONLWriter appends one JSON document per line. It is safe for concurrent
// use; every line is written with a single Write call.
type JSONLWriter struct {
	path   string
	file   *os.File
	mu     sync.Mutex
	lines  int
	logger *slog.Logger
}

// NewJSONLWriter opens path for appending, creating it and its directory if needed.
// With truncate set an existing file is emptied first.
func NewJSONLWriter(path string, truncate bool, logger *slog.Logger) (*JSONLWriter, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if truncate {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	logger.Debug("Opened JSONL file", "path", path)

	return &JSONLWriter{
		path:   path,
		file:   file,
		logger: logger,
	}, nil
}

// Write marshals v and appends it as one line
func (w *JSONLWriter) Write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	w.lines++
	return nil
}

// Lines returns the number of lines written through this writer
func (w *JSONLWriter) Lines() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lines
}

// Sync flushes the file to stable storage
func (w *JSONLWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Sync()
}

// Close syncs and closes the file
func (w *JSONLWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Sync(); err != nil {
		w.logger.Warn("Failed to sync JSONL file", "path", w.path, "error", err)
	}

	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", w.path, err)
	}

	w.logger.Debug("Closed JSONL file", "path", w.path, "lines", w.lines)
	return nil
}
