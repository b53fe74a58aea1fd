package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind classifies a provider failure
type Kind int

const (
	KindUnknown Kind = iota
	KindRateLimited
	KindServerError
	KindTimeout
	KindClientError
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindServerError:
		return "server_error"
	case KindTimeout:
		return "timeout"
	case KindClientError:
		return "client_error"
	}
	return "unknown"
}

// Sentinel errors matched with errors.Is against an *Error
var (
	ErrRateLimited = errors.New("rate limited")
	ErrServerError = errors.New("server error")
	ErrTimeout     = errors.New("timeout")
	ErrClientError = errors.New("client error")
)

// Error is a classified provider failure
type Error struct {
	Provider   string
	Kind       Kind
	StatusCode int
	RetryAfter time.Duration // Server-specified wait, zero when absent
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match the sentinel for the error's kind
func (e *Error) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrServerError:
		return e.Kind == KindServerError
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrClientError:
		return e.Kind == KindClientError
	}
	return false
}

// KindOf returns the classification of err. Deadline errors that are not
// already classified count as timeouts; anything else unclassified is unknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// IsTransient reports whether err is worth retrying against the same provider
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindServerError, KindTimeout:
		return true
	}
	return false
}

// RetryAfterOf returns the server wait hint carried by err, if any
func RetryAfterOf(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// KindForStatus maps an HTTP status code to a failure kind
func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout, status >= 500:
		return KindServerError
	case status >= 400:
		return KindClientError
	}
	return KindUnknown
}

// ParseRetryAfter parses a Retry-After header value, either delta seconds or
// an HTTP date. It returns zero for empty or unparseable values.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
