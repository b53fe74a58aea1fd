package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lamim/copyforge/internal/provider"
)

// RateLimiterPool holds one token bucket per provider, shared by all workers
type RateLimiterPool struct {
	limiters map[string]*rate.Limiter
	rates    map[string]int // Original rpm, to warn on conflicting settings
	mu       sync.Mutex
	logger   *slog.Logger
}

// NewRateLimiterPool creates an empty pool
func NewRateLimiterPool(logger *slog.Logger) *RateLimiterPool {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RateLimiterPool{
		limiters: make(map[string]*rate.Limiter),
		rates:    make(map[string]int),
		logger:   logger,
	}
}

// GetOrCreate returns the limiter for key, creating it on first use. A later
// call with a different rate keeps the existing limiter.
func (p *RateLimiterPool) GetOrCreate(key string, requestsPerMinute, burstPercent int) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if limiter, exists := p.limiters[key]; exists {
		if existing := p.rates[key]; existing != requestsPerMinute {
			p.logger.Warn("Rate limiter already exists with different rate, using existing rate",
				"key", key,
				"existing_rpm", existing,
				"requested_rpm", requestsPerMinute)
		}
		return limiter
	}

	if requestsPerMinute <= 0 {
		limiter := rate.NewLimiter(rate.Inf, 1)
		p.limiters[key] = limiter
		p.rates[key] = requestsPerMinute
		return limiter
	}

	rps := float64(requestsPerMinute) / 60.0
	burst := max(1, requestsPerMinute*burstPercent/100)
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	p.limiters[key] = limiter
	p.rates[key] = requestsPerMinute

	p.logger.Debug("Created rate limiter",
		"key", key,
		"rpm", requestsPerMinute,
		"burst", burst)

	return limiter
}

// Wait blocks until the limiter for key admits one request and returns how
// long it waited. A wait that would outlast the context deadline fails early
// as a timeout so the router can retry or fail over.
func (p *RateLimiterPool) Wait(ctx context.Context, key string, requestsPerMinute, burstPercent int) (time.Duration, error) {
	limiter := p.GetOrCreate(key, requestsPerMinute, burstPercent)
	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return time.Since(start), ctxErr
		}
		return time.Since(start), &provider.Error{
			Provider: key,
			Kind:     provider.KindTimeout,
			Message:  "rate limiter wait exceeds deadline",
			Err:      err,
		}
	}
	return time.Since(start), nil
}
