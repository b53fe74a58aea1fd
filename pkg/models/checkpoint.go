package models

import "time"

// CheckpointStatus is the outcome recorded for a record
type CheckpointStatus string

const (
	StatusGenerated         CheckpointStatus = "generated"
	StatusSkippedExisting   CheckpointStatus = "skipped_existing"
	StatusSkippedIneligible CheckpointStatus = "skipped_ineligible"
	StatusError             CheckpointStatus = "error"
)

// Valid reports whether s is a known status
func (s CheckpointStatus) Valid() bool {
	switch s {
	case StatusGenerated, StatusSkippedExisting, StatusSkippedIneligible, StatusError:
		return true
	}
	return false
}

// Done reports whether a record with this status is excluded from resumed runs
func (s CheckpointStatus) Done() bool {
	return s == StatusGenerated || s == StatusSkippedExisting
}

// CheckpointEntry is the durable outcome of one record
type CheckpointEntry struct {
	Status    CheckpointStatus `json:"status"`
	UpdatedAt time.Time        `json:"updated_at"`
	Error     string           `json:"error,omitempty"`
	Meta      *OutputMeta      `json:"meta,omitempty"`
}

// OutputMeta records how a generated output was produced
type OutputMeta struct {
	Provider         string `json:"provider,omitempty"`
	Attempts         int    `json:"attempts,omitempty"`
	Generations      int    `json:"generations,omitempty"`
	WordCount        int    `json:"word_count,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
	DurationMS       int64  `json:"duration_ms,omitempty"`
}

// CheckpointFile is the on-disk layout of a file checkpoint
type CheckpointFile struct {
	Version    int                        `json:"version"`
	RunID      string                     `json:"run_id"`
	ConfigHash string                     `json:"config_hash"` // SHA256 prefix of generation settings
	UpdatedAt  time.Time                  `json:"updated_at"`
	Entries    map[string]CheckpointEntry `json:"entries"`
}
