package models

import (
	"strings"
	"time"
)

// Fact is one supporting sub-fact attached to a record, e.g. a nearby point of interest.
type Fact struct {
	Category string `json:"category" bson:"category"`
	Name     string `json:"name" bson:"name"`
	Distance string `json:"distance,omitempty" bson:"distance,omitempty"`
	Detail   string `json:"detail,omitempty" bson:"detail,omitempty"`
}

// Record is a source record as seen by the scheduler
type Record struct {
	ID       string
	Name     string
	Location string
	Output   string         // Existing generated text, empty when not yet written
	Facts    map[string]any // Opaque input facts handed to the prompt builder
	SubFacts []Fact
}

// HasOutput reports whether the record already carries generated text
func (r Record) HasOutput() bool {
	return strings.TrimSpace(r.Output) != ""
}

// GenerationTask is one unit of work dispatched to a worker
type GenerationTask struct {
	RecordID string
	Name     string
	Location string
	Facts    map[string]any
	SubFacts []Fact
	Seq      int // Dispatch order, used for logging only
}

// NewTask builds a task from an eligible record, keeping only qualifying sub-facts
func NewTask(r Record, subFacts []Fact, seq int) GenerationTask {
	return GenerationTask{
		RecordID: r.ID,
		Name:     r.Name,
		Location: r.Location,
		Facts:    r.Facts,
		SubFacts: subFacts,
		Seq:      seq,
	}
}

// GenerationAttempt describes the provider call that produced a response
type GenerationAttempt struct {
	Provider         string
	Attempts         int // Calls made against this provider, including retries
	Text             string
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// ValidatedOutput is text that passed every validation rule, with its measured properties
type ValidatedOutput struct {
	Text      string   `json:"text"`
	WordCount int      `json:"word_count"`
	Headings  int      `json:"headings"`
	ListItems int      `json:"list_items"`
	Keywords  []string `json:"keywords,omitempty"`
}

// ProviderState is the circuit breaker view of one provider
type ProviderState struct {
	Name                string    `json:"name"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CooldownUntil       time.Time `json:"cooldown_until,omitempty"`
	Healthy             bool      `json:"healthy"`
	Trips               int       `json:"trips"`
}

// RunStats tracks statistics for a run
type RunStats struct {
	RunID             string        `json:"run_id"`
	StartTime         time.Time     `json:"start_time"`
	EndTime           time.Time     `json:"end_time,omitempty"`
	Scanned           int64         `json:"scanned"`
	Generated         int64         `json:"generated"`
	SkippedExisting   int64         `json:"skipped_existing"`
	SkippedIneligible int64         `json:"skipped_ineligible"`
	Failed            int64         `json:"failed"`
	AlreadyDone       int64         `json:"already_done"`
	Interrupted       int64         `json:"interrupted"`
	Duration          time.Duration `json:"duration"`
	PerMinute         float64       `json:"throughput_per_minute"`
}
