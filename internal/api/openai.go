package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lamim/copyforge/internal/config"
	"github.com/lamim/copyforge/internal/provider"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient calls the official OpenAI API through go-openai
type OpenAIClient struct {
	cfg      config.ProviderConfig
	client   *openai.Client
	limiters *RateLimiterPool
	logger   *slog.Logger
	recorder WaitRecorder
}

// NewOpenAIClient creates a go-openai backed client. BaseURL overrides the
// default API endpoint when set.
func NewOpenAIClient(cfg config.ProviderConfig, apiKey string, limiters *RateLimiterPool, logger *slog.Logger, recorder WaitRecorder) *OpenAIClient {
	oc := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return &OpenAIClient{
		cfg:      cfg,
		client:   openai.NewClientWithConfig(oc),
		limiters: limiters,
		logger:   logger,
		recorder: recorder,
	}
}

// Name returns the provider name
func (c *OpenAIClient) Name() string {
	return c.cfg.Name
}

// Generate sends one chat completion request
func (c *OpenAIClient) Generate(ctx context.Context, p provider.Prompt) (*provider.Response, error) {
	waited, err := c.limiters.Wait(ctx, c.cfg.Name, c.cfg.RateLimitPerMinute, c.cfg.BurstPercent)
	if err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}
	if c.recorder != nil {
		c.recorder.RecordRateLimiterWait(c.cfg.Name, waited)
	}

	var messages []openai.ChatCompletionMessage
	if p.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: p.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: p.User})

	req := openai.ChatCompletionRequest{
		Model:       c.cfg.ModelName,
		Messages:    messages,
		Temperature: float32(c.cfg.Temperature),
		TopP:        float32(c.cfg.TopP),
		MaxTokens:   c.cfg.MaxOutputTokens,
	}
	if c.cfg.UseJSONMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, c.classify(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return nil, &provider.Error{
			Provider: c.cfg.Name,
			Kind:     provider.KindClientError,
			Message:  "no choices returned in response",
		}
	}

	return &provider.Response{
		Text:             resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		Latency:          time.Since(start),
	}, nil
}

// classify maps go-openai errors onto provider error kinds
func (c *OpenAIClient) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ctx.Err()
	}

	status := 0
	message := err.Error()
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
		message = apiErr.Message
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	kind := provider.KindForStatus(status)
	if kind == provider.KindUnknown {
		kind = provider.KindServerError
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			kind = provider.KindTimeout
		}
	}

	return &provider.Error{
		Provider:   c.cfg.Name,
		Kind:       kind,
		StatusCode: status,
		Message:    message,
		Err:        err,
	}
}
