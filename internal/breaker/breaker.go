// Package breaker tracks per-provider health and takes failing providers out
// of rotation for a cooldown window.
package breaker

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lamim/copyforge/pkg/models"
)

// Observer is notified when a provider's circuit opens or closes
type Observer interface {
	CircuitOpened(provider string)
	CircuitClosed(provider string)
}

// Registry holds circuit state for every provider it has seen.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	states    map[string]*state
	now       func() time.Time
	logger    *slog.Logger
	observer  Observer
}

type state struct {
	failures      int
	open          bool
	cooldownUntil time.Time
	trips         int
}

// Option configures a Registry
type Option func(*Registry)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the logger used for open/close transitions
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithObserver registers a transition observer
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// New creates a registry that opens a circuit after threshold consecutive
// failures and keeps it open for cooldown.
func New(threshold int, cooldown time.Duration, opts ...Option) *Registry {
	if threshold < 1 {
		threshold = 1
	}
	r := &Registry{
		threshold: threshold,
		cooldown:  cooldown,
		states:    make(map[string]*state),
		now:       time.Now,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) get(provider string) *state {
	s, ok := r.states[provider]
	if !ok {
		s = &state{}
		r.states[provider] = s
	}
	return s
}

// RecordFailure counts a rate-limit, server or timeout failure against provider.
// It returns true when this failure opened (or re-opened) the circuit.
func (r *Registry) RecordFailure(provider string) bool {
	r.mu.Lock()
	s := r.get(provider)
	now := r.now()
	s.failures++

	opened := false
	switch {
	case s.open && !now.Before(s.cooldownUntil):
		// Failed probe after cooldown
		s.cooldownUntil = now.Add(r.cooldown)
		s.trips++
		opened = true
	case !s.open && s.failures >= r.threshold:
		s.open = true
		s.cooldownUntil = now.Add(r.cooldown)
		s.trips++
		opened = true
	}
	failures, until := s.failures, s.cooldownUntil
	r.mu.Unlock()

	if opened {
		r.logger.Warn("Circuit opened",
			"provider", provider,
			"consecutive_failures", failures,
			"cooldown_until", until.Format(time.RFC3339))
		if r.observer != nil {
			r.observer.CircuitOpened(provider)
		}
	}
	return opened
}

// RecordSuccess closes the provider's circuit and resets its failure counter
func (r *Registry) RecordSuccess(provider string) {
	r.mu.Lock()
	s := r.get(provider)
	wasOpen := s.open
	s.failures = 0
	s.open = false
	s.cooldownUntil = time.Time{}
	r.mu.Unlock()

	if wasOpen {
		r.logger.Info("Circuit closed", "provider", provider)
		if r.observer != nil {
			r.observer.CircuitClosed(provider)
		}
	}
}

// IsAvailable reports whether provider may receive the next call. An open
// circuit becomes available again once its cooldown has elapsed; that call
// is the probe.
func (r *Registry) IsAvailable(provider string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[provider]
	if !ok || !s.open {
		return true
	}
	return !r.now().Before(s.cooldownUntil)
}

// NextAvailable returns the first available provider in priority order
func (r *Registry) NextAvailable(priority []string) (string, bool) {
	for _, name := range priority {
		if r.IsAvailable(name) {
			return name, true
		}
	}
	return "", false
}

// State returns the current view of one provider
func (r *Registry) State(provider string) models.ProviderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot(provider, r.get(provider))
}

// Snapshot returns the state of every known provider, sorted by name
func (r *Registry) Snapshot() []models.ProviderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ProviderState, 0, len(r.states))
	for name, s := range r.states {
		out = append(out, r.snapshot(name, s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) snapshot(name string, s *state) models.ProviderState {
	return models.ProviderState{
		Name:                name,
		ConsecutiveFailures: s.failures,
		CooldownUntil:       s.cooldownUntil,
		Healthy:             !s.open,
		Trips:               s.trips,
	}
}
