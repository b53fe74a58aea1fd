// Package writer manages the per-run session directory, the session logger
// and line-oriented JSON output files.
package writer

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// SessionManager manages session directories and files
type SessionManager struct {
	outputDir  string
	sessionDir string
	logger     *slog.Logger
}

// NewSessionManager creates a timestamped session directory under outputDir,
// or reopens an existing one when session is set. The logger may be nil
// because the session logger is usually built after the directory exists.
func NewSessionManager(outputDir, session string, logger *slog.Logger) (*SessionManager, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	var sessionDir string
	if session != "" {
		if err := ValidateSessionPath(outputDir, session); err != nil {
			return nil, err
		}
		sessionDir = filepath.Join(outputDir, session)
		if _, err := os.Stat(sessionDir); os.IsNotExist(err) {
			return nil, fmt.Errorf("session directory not found: %s", sessionDir)
		}
		started, _ := SessionStart(session)
		logger.Info("Reusing existing session", "path", sessionDir, "started", started)
	} else {
		sessionDir = filepath.Join(outputDir, SessionName(time.Now()))

		if err := os.MkdirAll(sessionDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create session directory: %w", err)
		}
		logger.Info("Created new session directory", "path", sessionDir)
	}

	return &SessionManager{
		outputDir:  outputDir,
		sessionDir: sessionDir,
		logger:     logger,
	}, nil
}

// SetLogger replaces the logger once the session logger exists
func (sm *SessionManager) SetLogger(logger *slog.Logger) {
	sm.logger = logger
}

// GetSessionDir returns the session directory path
func (sm *SessionManager) GetSessionDir() string {
	return sm.sessionDir
}

// GetLogPath returns the full path to the session log file
func (sm *SessionManager) GetLogPath() string {
	return filepath.Join(sm.sessionDir, "session.log")
}

// GetConfigBackupPath returns the full path to the config backup
func (sm *SessionManager) GetConfigBackupPath() string {
	return filepath.Join(sm.sessionDir, "config.toml.bak")
}

// GetReportPath returns the path of the end-of-run report
func (sm *SessionManager) GetReportPath() string {
	return filepath.Join(sm.sessionDir, "run_report.json")
}

// GetPreviewPath returns the path dry runs write their outputs to
func (sm *SessionManager) GetPreviewPath() string {
	return filepath.Join(sm.sessionDir, "preview.jsonl")
}

// BackupConfig copies the config file to the session directory
func (sm *SessionManager) BackupConfig(configPath string) error {
	source, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	backupPath := sm.GetConfigBackupPath()
	if err := os.WriteFile(backupPath, source, 0644); err != nil {
		return fmt.Errorf("failed to write config backup: %w", err)
	}

	sm.logger.Info("Backed up config file", "path", backupPath)
	return nil
}
