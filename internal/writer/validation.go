package writer

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Session directories are named after the moment the run started, for
// example session_2025-10-30T14-30-00. The layout has no colons so the name
// is a valid directory on every filesystem.
const (
	sessionPrefix     = "session_"
	sessionTimeLayout = "2006-01-02T15-04-05"
)

// ErrInvalidSession is returned for a session name that cannot be reopened
var ErrInvalidSession = errors.New("invalid session name")

// SessionName returns the directory name of a session started at t
func SessionName(t time.Time) string {
	return sessionPrefix + t.Format(sessionTimeLayout)
}

// SessionStart parses the start time back out of a session directory name
func SessionStart(name string) (time.Time, error) {
	ts, ok := strings.CutPrefix(name, sessionPrefix)
	if ok {
		if t, err := time.ParseInLocation(sessionTimeLayout, ts, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w format: expected 'session_YYYY-MM-DDTHH-MM-SS', got %q", ErrInvalidSession, name)
}

// ValidateSessionPath checks a user-supplied session name before it is
// joined onto outputDir. The name must be a bare directory name in the
// SessionName format, and the joined path must stay inside outputDir, so a
// --session value never reaches files outside the output tree (CWE-22).
func ValidateSessionPath(outputDir, name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: cannot be empty", ErrInvalidSession)
	case strings.Contains(name, ".."):
		return fmt.Errorf("%w: contains '..' (path traversal attempt)", ErrInvalidSession)
	case filepath.IsAbs(name):
		return fmt.Errorf("%w: must be relative path", ErrInvalidSession)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%w: must be directory name without path separators", ErrInvalidSession)
	}
	if _, err := SessionStart(name); err != nil {
		return err
	}

	base, err := filepath.Abs(outputDir)
	if err != nil {
		return fmt.Errorf("failed to resolve output directory: %w", err)
	}
	if rel, err := filepath.Rel(base, filepath.Join(base, name)); err != nil || rel != name {
		return fmt.Errorf("%w: session path escapes output directory", ErrInvalidSession)
	}
	return nil
}
