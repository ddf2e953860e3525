// Package llm provides a provider-agnostic LLM client with retry and circuit
// breaking. Endpoints are resolved by model.Registry before the call; the
// client never falls back to a different model.
package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/c360studio/casegen/model"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// maxResponseSize limits the LLM response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Completer abstracts the client for callers and tests.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Client is a provider-agnostic LLM client.
type Client struct {
	registry    *model.Registry
	httpClient  *http.Client
	retryConfig RetryConfig
	logger      *slog.Logger

	// recorder optionally publishes call records. Nil disables recording.
	recorder CallRecorder

	// sem bounds concurrent in-flight calls across all features. Nil is unbounded.
	sem *semaphore.Weighted
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // Message content
}

// Request defines an LLM completion request.
type Request struct {
	// Endpoint is the resolved endpoint to call.
	Endpoint model.Endpoint

	// Purpose labels the call in logs and call records (titles, expand, ...).
	Purpose string

	// Messages is the chat history to send to the LLM.
	Messages []Message

	// Temperature controls randomness. nil uses endpoint default, 0 is deterministic.
	Temperature *float64

	// MaxTokens limits response length. 0 uses endpoint default.
	MaxTokens int
}

// TokenUsage represents token consumption details for an LLM call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response contains the LLM completion result.
type Response struct {
	// RequestID uniquely identifies this LLM call for correlation with call records.
	RequestID string

	// Content is the generated text.
	Content string

	// Model is the actual model that was used.
	Model string

	// Usage contains token consumption metrics.
	Usage TokenUsage

	// FinishReason indicates why generation stopped.
	FinishReason string
}

// Truncated reports whether the model stopped because it hit the output token limit.
func (r *Response) Truncated() bool {
	switch r.FinishReason {
	case "length", "max_tokens", "MAX_TOKENS":
		return true
	default:
		return false
	}
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) {
		client.retryConfig = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// WithRecorder sets the call recorder.
func WithRecorder(r CallRecorder) ClientOption {
	return func(client *Client) {
		client.recorder = r
	}
}

// WithMaxConcurrent bounds the number of in-flight calls. n <= 0 leaves calls unbounded.
func WithMaxConcurrent(n int) ClientOption {
	return func(client *Client) {
		if n > 0 {
			client.sem = semaphore.NewWeighted(int64(n))
		} else {
			client.sem = nil
		}
	}
}

// NewClient creates a new LLM client backed by the registry's health tracking.
func NewClient(registry *model.Registry, opts ...ClientOption) *Client {
	if registry == nil {
		registry = model.NewDefaultRegistry()
	}
	c := &Client{
		registry:    registry,
		retryConfig: DefaultRetryConfig(),
		httpClient: &http.Client{
			Timeout: 180 * time.Second, // Allow time for LLM responses
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Complete sends a completion request to the request's endpoint.
//
// Transient failures are retried with backoff. When retries are exhausted or
// the endpoint's circuit is open the error matches ErrProviderUnavailable.
// Fatal errors (bad request, auth) are returned attributed to the endpoint.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	ep := req.Endpoint
	if ep.Name == "" || ep.Model == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	if c.sem != nil {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer c.sem.Release(1)
	}

	requestID := uuid.New().String()
	startedAt := time.Now()

	record := &CallRecord{
		RequestID:     requestID,
		Purpose:       req.Purpose,
		Endpoint:      ep.Name,
		Model:         ep.Model,
		Provider:      string(ep.Provider),
		MessagesCount: len(req.Messages),
		MaxTokens:     req.MaxTokens,
		ContextBudget: ep.ContextWindow,
		StartedAt:     startedAt,
	}
	record.applyContext(ctx)

	if !c.registry.IsEndpointAvailable(ep.Name) {
		err := unavailable(ep.Name, errors.New("circuit open"))
		c.finishRecord(ctx, record, nil, err)
		return nil, err
	}

	resp, attempts, err := c.tryEndpointWithRetry(ctx, ep, req)
	record.Retries = attempts - 1 // First attempt isn't a retry

	if err != nil {
		switch {
		case ctx.Err() != nil:
			err = ctx.Err()
		case IsFatal(err):
			err = fmt.Errorf("endpoint %s: %w", ep.Name, err)
		default:
			err = unavailable(ep.Name, err)
		}
		c.logger.Warn("LLM call failed",
			"endpoint", ep.Name,
			"provider", ep.Provider,
			"purpose", req.Purpose,
			"attempts", attempts,
			"error", err)
		c.finishRecord(ctx, record, nil, err)
		return nil, err
	}

	resp.RequestID = requestID
	c.finishRecord(ctx, record, resp, nil)
	return resp, nil
}

// finishRecord completes and publishes a call record if a recorder is configured.
// Failures are logged but don't affect the LLM call itself.
func (c *Client) finishRecord(ctx context.Context, record *CallRecord, resp *Response, callErr error) {
	if c.recorder == nil {
		return
	}

	record.CompletedAt = time.Now()
	record.DurationMs = record.CompletedAt.Sub(record.StartedAt).Milliseconds()
	if resp != nil {
		if resp.Model != "" {
			record.Model = resp.Model
		}
		record.PromptTokens = resp.Usage.PromptTokens
		record.CompletionTokens = resp.Usage.CompletionTokens
		record.TotalTokens = resp.Usage.TotalTokens
		record.FinishReason = resp.FinishReason
		record.ResponsePreview = preview(resp.Content, 500)
	}
	if callErr != nil {
		record.Error = callErr.Error()
	}

	if err := c.recorder.Record(ctx, record); err != nil {
		c.logger.Warn("Failed to record LLM call",
			"request_id", record.RequestID,
			"endpoint", record.Endpoint,
			"error", err)
	}
}

// tryEndpointWithRetry attempts a request with retry logic and returns the attempt count.
func (c *Client) tryEndpointWithRetry(ctx context.Context, ep model.Endpoint, req Request) (*Response, int, error) {
	var lastErr error
	maxAttempts := max(c.retryConfig.MaxAttempts, 1)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := c.doRequest(ctx, ep, req)
		if err == nil {
			c.registry.MarkEndpointSuccess(ep.Name)
			return resp, attempt, nil
		}

		lastErr = err

		// Fatal errors indicate config issues, not endpoint health.
		if IsFatal(err) {
			return nil, attempt, err
		}

		if attempt < maxAttempts {
			backoff := c.calculateBackoff(attempt)
			c.logger.Debug("Request failed, retrying",
				"endpoint", ep.Name,
				"attempt", attempt,
				"max_attempts", maxAttempts,
				"backoff", backoff,
				"error", err)

			select {
			case <-ctx.Done():
				return nil, attempt, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	c.registry.MarkEndpointFailure(ep.Name)

	return nil, maxAttempts, lastErr
}

// calculateBackoff computes exponential backoff duration with +/- 25% jitter.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= c.retryConfig.BackoffMultiplier
	}

	backoff := time.Duration(float64(c.retryConfig.BackoffBase) * multiplier)
	if backoff > c.retryConfig.MaxBackoff {
		backoff = c.retryConfig.MaxBackoff
	}

	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}

// doRequest executes a single call to the endpoint.
func (c *Client) doRequest(ctx context.Context, ep model.Endpoint, req Request) (*Response, error) {
	switch p := GetProvider(ep.Provider).(type) {
	case nil:
		return nil, NewFatalError(fmt.Errorf("unknown provider: %s", ep.Provider))
	case SDKProvider:
		// SDKs may not honor the HTTP client's timeout, so bound the attempt here too.
		if t := c.httpClient.Timeout; t > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, t)
			defer cancel()
		}
		resp, err := p.Complete(ctx, c.httpClient, ep, req)
		if err != nil && !IsFatal(err) && !IsTransient(err) {
			err = NewTransientError(err)
		}
		return resp, err
	case HTTPProvider:
		return c.doHTTPRequest(ctx, p, ep, req)
	default:
		return nil, NewFatalError(fmt.Errorf("provider %s cannot complete requests", ep.Provider))
	}
}

// doHTTPRequest executes a single HTTP request to the LLM endpoint.
func (c *Client) doHTTPRequest(ctx context.Context, provider HTTPProvider, ep model.Endpoint, req Request) (*Response, error) {
	url := provider.BuildURL(ep.BaseURL())

	body, err := provider.BuildRequestBody(ep.Model, req.Messages, req.Temperature, req.MaxTokens)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	c.logger.Debug("Sending LLM request",
		"provider", ep.Provider,
		"model", ep.Model,
		"url", url,
		"purpose", req.Purpose,
		"max_tokens", req.MaxTokens,
		"messages", len(req.Messages))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(httpReq, ep.APIKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Network errors and timeouts are transient
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, ClassifyHTTPStatus(httpResp.StatusCode, respBody)
	}

	resp, err := provider.ParseResponse(respBody, ep.Model)
	if err != nil {
		// A 200 with an unreadable envelope is a provider fault, not model output.
		return nil, NewTransientError(err)
	}
	return resp, nil
}

// ClassifyHTTPStatus determines if an HTTP error is transient or fatal.
func ClassifyHTTPStatus(statusCode int, body []byte) error {
	bodyStr := preview(string(body), 200)
	err := fmt.Errorf("LLM API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests,
		statusCode == http.StatusRequestTimeout:
		return NewTransientError(err)
	case statusCode >= 500:
		return NewTransientError(err)
	default:
		// 400, 401, 403, 404 and unknown codes are not fixed by retrying.
		return NewFatalError(err)
	}
}

func preview(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
