// Package api implements provider clients for OpenAI-style chat completion
// endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lamim/copyforge/internal/config"
	"github.com/lamim/copyforge/internal/provider"
)

const (
	// DefaultHTTPTimeout bounds a single request when the caller sets no deadline
	DefaultHTTPTimeout = 120 * time.Second

	// maxErrorBody caps how much of an error response is kept in the message
	maxErrorBody = 512
)

// WaitRecorder receives rate limiter wait times. *metrics.Collector satisfies it.
type WaitRecorder interface {
	RecordRateLimiterWait(provider string, duration time.Duration)
}

// Client makes single chat completion calls against an OpenAI-compatible
// endpoint. It never retries; failures come back as *provider.Error so the
// caller can decide.
type Client struct {
	cfg        config.ProviderConfig
	apiKey     string
	httpClient *http.Client
	limiters   *RateLimiterPool
	logger     *slog.Logger
	recorder   WaitRecorder
	now        func() time.Time
}

// NewClient creates a client for one configured provider
func NewClient(cfg config.ProviderConfig, apiKey string, limiters *RateLimiterPool, logger *slog.Logger, recorder WaitRecorder) *Client {
	return &Client{
		cfg:    cfg,
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: DefaultHTTPTimeout,
		},
		limiters: limiters,
		logger:   logger,
		recorder: recorder,
		now:      time.Now,
	}
}

// Name returns the provider name
func (c *Client) Name() string {
	return c.cfg.Name
}

// Generate sends one chat completion request
func (c *Client) Generate(ctx context.Context, p provider.Prompt) (*provider.Response, error) {
	waited, err := c.limiters.Wait(ctx, c.cfg.Name, c.cfg.RateLimitPerMinute, c.cfg.BurstPercent)
	if err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}
	if c.recorder != nil {
		c.recorder.RecordRateLimiterWait(c.cfg.Name, waited)
	}

	req := ChatCompletionRequest{
		Model:       c.cfg.ModelName,
		Messages:    buildMessages(p),
		Temperature: c.cfg.Temperature,
		TopP:        c.cfg.TopP,
		MaxTokens:   c.cfg.MaxOutputTokens,
		N:           1,
	}
	if c.cfg.UseJSONMode {
		req.ResponseFormat = &ResponseFormat{Type: "json_object"}
	}

	start := c.now()
	resp, err := c.doRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	return &provider.Response{
		Text:             resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		Latency:          c.now().Sub(start),
	}, nil
}

func (c *Client) doRequest(ctx context.Context, req ChatCompletionRequest) (*ChatCompletionResponse, error) {
	buf, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}
	defer releaseBuffer(buf)

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.transportError(ctx, err)
	}
	defer func() {
		if err := httpResp.Body.Close(); err != nil {
			c.logger.Warn("Failed to close response body", "error", err)
		}
	}()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, c.transportError(ctx, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, c.statusError(httpResp, body)
	}

	var resp ChatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &provider.Error{
			Provider:   c.cfg.Name,
			Kind:       provider.KindClientError,
			StatusCode: httpResp.StatusCode,
			Message:    "malformed response body",
			Err:        err,
		}
	}
	if len(resp.Choices) == 0 {
		return nil, &provider.Error{
			Provider:   c.cfg.Name,
			Kind:       provider.KindClientError,
			StatusCode: httpResp.StatusCode,
			Message:    "no choices returned in response",
		}
	}

	return &resp, nil
}

// statusError classifies a non-200 response. The Retry-After header wins over
// a retry_after field in the body.
func (c *Client) statusError(resp *http.Response, body []byte) error {
	e := &provider.Error{
		Provider:   c.cfg.Name,
		Kind:       provider.KindForStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		RetryAfter: provider.ParseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
	}
	if e.Kind == provider.KindUnknown {
		e.Kind = provider.KindServerError
	}

	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		e.Message = errResp.Error.Message
		if e.RetryAfter == 0 && errResp.Error.RetryAfter > 0 {
			e.RetryAfter = time.Duration(errResp.Error.RetryAfter * float64(time.Second))
		}
	} else {
		msg := string(body)
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		e.Message = strings.TrimSpace(msg)
	}
	return e
}

// transportError classifies a failure before a status code arrived. A
// deadline is a timeout; cancellation by the caller passes through unchanged.
func (c *Client) transportError(ctx context.Context, err error) error {
	if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ctx.Err()
	}
	kind := provider.KindServerError
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		kind = provider.KindTimeout
	}
	return &provider.Error{
		Provider: c.cfg.Name,
		Kind:     kind,
		Message:  "request failed",
		Err:      err,
	}
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

func buildMessages(p provider.Prompt) []Message {
	messages := make([]Message, 0, 2)
	if p.System != "" {
		messages = append(messages, Message{Role: "system", Content: p.System})
	}
	return append(messages, Message{Role: "user", Content: p.User})
}
