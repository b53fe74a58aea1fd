package writer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
)

// multiHandler fans a record out to several handlers
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, handler := range h.handlers {
		if !handler.Enabled(ctx, r.Level) {
			continue
		}
		if err := handler.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// SetupLogger creates a logger writing human-readable text to the console and
// JSON lines to the session log file. The caller closes the returned file.
func SetupLogger(sessionMgr *SessionManager, logLevel slog.Level) (*slog.Logger, *os.File, error) {
	logFile, err := os.OpenFile(sessionMgr.GetLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, err
	}

	logger := NewTeeLogger(os.Stderr, logFile, logLevel)
	sessionMgr.SetLogger(logger)
	return logger, logFile, nil
}

// NewTeeLogger writes text to console and JSON to file
func NewTeeLogger(console, file io.Writer, logLevel slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: logLevel}
	return slog.New(&multiHandler{
		handlers: []slog.Handler{
			slog.NewTextHandler(console, opts),
			slog.NewJSONHandler(file, opts),
		},
	})
}

// NewConsoleLogger is used by commands that do not open a session
func NewConsoleLogger(logLevel slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
