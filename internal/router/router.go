// Package router sends each prompt to the first healthy provider in priority
// order, retrying within a provider and failing over between providers.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lamim/copyforge/internal/backoff"
	"github.com/lamim/copyforge/internal/breaker"
	"github.com/lamim/copyforge/internal/provider"
	"github.com/lamim/copyforge/pkg/models"
)

// ErrProviderExhausted is matched by errors.Is when no provider could serve a prompt
var ErrProviderExhausted = errors.New("all providers exhausted")

// ExhaustedError describes a prompt that no provider could serve
type ExhaustedError struct {
	Tried   []string // Providers that were called
	Skipped []string // Providers with an open circuit
	Last    error
}

func (e *ExhaustedError) Error() string {
	msg := fmt.Sprintf("%s (tried: [%s], skipped: [%s])", ErrProviderExhausted,
		strings.Join(e.Tried, ", "), strings.Join(e.Skipped, ", "))
	if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	return msg
}

func (e *ExhaustedError) Is(target error) bool { return target == ErrProviderExhausted }

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Recorder receives per-call measurements. *metrics.Collector satisfies it.
type Recorder interface {
	RecordProviderCall(provider string, duration time.Duration, status string)
	IncrementRetry(provider, kind string)
}

// Router routes prompts across providers
type Router struct {
	clients  []provider.Client
	breakers *breaker.Registry
	exec     *backoff.Executor
	logger   *slog.Logger
	recorder Recorder
}

// New creates a router over clients, given in priority order
func New(clients []provider.Client, breakers *breaker.Registry, exec *backoff.Executor, logger *slog.Logger, recorder Recorder) *Router {
	return &Router{
		clients:  clients,
		breakers: breakers,
		exec:     exec,
		logger:   logger,
		recorder: recorder,
	}
}

// Providers returns provider names in priority order
func (r *Router) Providers() []string {
	names := make([]string, len(r.clients))
	for i, c := range r.clients {
		names[i] = c.Name()
	}
	return names
}

// Generate returns text from the first provider that succeeds. Transient
// failures count against the provider's circuit; client errors move on to
// the next provider without penalty.
func (r *Router) Generate(ctx context.Context, p provider.Prompt) (*models.GenerationAttempt, error) {
	exhausted := &ExhaustedError{}

	for _, client := range r.clients {
		name := client.Name()
		if !r.breakers.IsAvailable(name) {
			exhausted.Skipped = append(exhausted.Skipped, name)
			continue
		}
		exhausted.Tried = append(exhausted.Tried, name)

		var resp *provider.Response
		attempts, err := r.exec.Execute(ctx, func(ctx context.Context) error {
			start := time.Now()
			out, err := client.Generate(ctx, p)
			r.record(name, time.Since(start), err)
			if err != nil {
				return err
			}
			resp = out
			return nil
		}, backoff.Hooks{
			OnFailure: func(attempt int, err error) {
				if provider.IsTransient(err) {
					r.breakers.RecordFailure(name)
				}
				r.logger.Warn("Provider call failed",
					"provider", name,
					"attempt", attempt+1,
					"kind", provider.KindOf(err).String(),
					"error", err)
			},
			OnRetry: func(attempt int, delay time.Duration, err error) {
				if r.recorder != nil {
					r.recorder.IncrementRetry(name, provider.KindOf(err).String())
				}
				r.logger.Debug("Retrying provider call",
					"provider", name,
					"attempt", attempt+2,
					"delay", delay)
			},
			Continue: func() bool { return r.breakers.IsAvailable(name) },
		})

		if err == nil {
			r.breakers.RecordSuccess(name)
			return &models.GenerationAttempt{
				Provider:         name,
				Attempts:         attempts,
				Text:             resp.Text,
				PromptTokens:     resp.PromptTokens,
				CompletionTokens: resp.CompletionTokens,
				Latency:          resp.Latency,
			}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		exhausted.Last = err
		r.logger.Info("Failing over to next provider",
			"provider", name,
			"attempts", attempts,
			"kind", provider.KindOf(err).String())
	}

	return nil, exhausted
}

func (r *Router) record(name string, d time.Duration, err error) {
	if r.recorder == nil {
		return
	}
	status := "success"
	if err != nil {
		status = provider.KindOf(err).String()
	}
	r.recorder.RecordProviderCall(name, d, status)
}
