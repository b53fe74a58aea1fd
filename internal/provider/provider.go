// Package provider defines the contract between the generation engine and the
// services that turn a prompt into text.
package provider

import (
	"context"
	"time"
)

// Prompt is the message pair sent to a provider
type Prompt struct {
	System string
	User   string
}

// Response is the raw result of one successful provider call
type Response struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Client is a single configured provider. Generate makes exactly one call and
// reports failures as *Error so callers can decide whether to retry.
type Client interface {
	Name() string
	Generate(ctx context.Context, p Prompt) (*Response, error)
}
