// Package provider talks to the hosted LLM completion APIs.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"inkwell/api/internal/metrics"
)

const (
	Gemini     = "gemini"
	Perplexity = "perplexity"

	DefaultGeminiURL     = "https://generativelanguage.googleapis.com/v1beta/openai/chat/completions"
	DefaultPerplexityURL = "https://api.perplexity.ai/chat/completions"

	DefaultGeminiModel     = "gemini-2.5-flash"
	DefaultPerplexityModel = "sonar"

	DefaultBackoff = 2 * time.Second
	maxTokens      = 2048
	maxBodyBytes   = 4 << 20

	rateLimitMessage = "Rate limit exceeded. Please wait a moment and try again."
	requiredMessage  = "provider, apiKey, and non-empty messages are required"
	contextPreamble  = "You are helping the user edit a document. Current document content:\n\n"
)

// GeminiModels lists the models a bubble may pick for the gemini provider.
var GeminiModels = []string{"gemini-2.5-flash", "gemini-2.5-pro", "gemini-2.0-flash"}

// Known reports whether name is a supported provider.
func Known(name string) bool {
	return name == Gemini || name == Perplexity
}

// DefaultModel returns the model used when a request names none.
func DefaultModel(name string) string {
	if name == Perplexity {
		return DefaultPerplexityModel
	}
	return DefaultGeminiModel
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	Provider        string
	APIKey          string
	Model           string
	Messages        []Message
	DocumentContext string
}

type Kind string

const (
	KindValidation  Kind = "validation"
	KindRateLimited Kind = "rate_limited"
	KindUpstream    Kind = "upstream"
	KindTransport   Kind = "transport"
)

// Error is returned for every failed completion. Status is the HTTP status
// the failure should surface as.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string { return e.Message }
func (e *Error) Unwrap() error { return e.Err }

func validationError(msg string) *Error {
	return &Error{Kind: KindValidation, Status: http.StatusBadRequest, Message: msg}
}

type Options struct {
	GeminiURL     string
	PerplexityURL string
	Backoff       time.Duration
	Timeout       time.Duration
	HTTPClient    *http.Client
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

type Client struct {
	endpoints map[string]string
	http      *http.Client
	backoff   time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
	metrics   *metrics.Metrics
	log       *slog.Logger
}

func NewClient(opts Options) *Client {
	if opts.GeminiURL == "" {
		opts.GeminiURL = DefaultGeminiURL
	}
	if opts.PerplexityURL == "" {
		opts.PerplexityURL = DefaultPerplexityURL
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		endpoints: map[string]string{Gemini: opts.GeminiURL, Perplexity: opts.PerplexityURL},
		http:      opts.HTTPClient,
		backoff:   opts.Backoff,
		sleep:     sleepContext,
		metrics:   opts.Metrics,
		log:       opts.Logger,
	}
}

// SetTestTransport points every provider at baseURL.
func (c *Client) SetTestTransport(baseURL string) {
	for name := range c.endpoints {
		c.endpoints[name] = baseURL
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type chatRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text *string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

type errorResponse struct {
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
}

// Complete returns the assistant text for req. A 429 is retried exactly
// once after the configured backoff.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	content, err := c.complete(ctx, req)
	c.observe(req.Provider, err)
	return content, err
}

func (c *Client) complete(ctx context.Context, req Request) (string, error) {
	payload, endpoint, err := c.prepare(req)
	if err != nil {
		return "", err
	}
	apiKey := strings.TrimSpace(req.APIKey)

	status, body, err := c.post(ctx, endpoint, apiKey, payload)
	if err != nil {
		return "", err
	}
	if status == http.StatusTooManyRequests {
		c.log.Warn("provider rate limited, retrying once", "provider", req.Provider, "backoff", c.backoff)
		if c.metrics != nil {
			c.metrics.ProviderRetries.WithLabelValues(req.Provider).Inc()
		}
		if err := c.sleep(ctx, c.backoff); err != nil {
			return "", &Error{Kind: KindTransport, Status: http.StatusInternalServerError, Message: err.Error(), Err: err}
		}
		status, body, err = c.post(ctx, endpoint, apiKey, payload)
		if err != nil {
			return "", err
		}
	}

	if status < 200 || status > 299 {
		return "", upstreamError(req.Provider, status, body)
	}
	return extractContent(req.Provider, body)
}

func (c *Client) prepare(req Request) ([]byte, string, error) {
	if req.Provider == "" || strings.TrimSpace(req.APIKey) == "" || len(req.Messages) == 0 {
		return nil, "", validationError(requiredMessage)
	}
	endpoint, ok := c.endpoints[req.Provider]
	if !ok {
		return nil, "", validationError("Unknown provider")
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system", "user", "assistant":
		default:
			return nil, "", validationError(fmt.Sprintf("invalid message role %q", m.Role))
		}
	}

	messages := make([]Message, 0, len(req.Messages)+1)
	if ctxText := strings.TrimSpace(req.DocumentContext); ctxText != "" {
		messages = append(messages, Message{Role: "system", Content: contextPreamble + ctxText})
	}
	messages = append(messages, req.Messages...)

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = DefaultModel(req.Provider)
	}

	payload, err := json.Marshal(chatRequest{Model: model, Messages: messages, MaxTokens: maxTokens})
	if err != nil {
		return nil, "", fmt.Errorf("marshal request: %w", err)
	}
	return payload, endpoint, nil
}

func (c *Client) post(ctx context.Context, endpoint, apiKey string, payload []byte) (int, []byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, &Error{Kind: KindTransport, Status: http.StatusInternalServerError, Message: err.Error(), Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, nil, &Error{Kind: KindTransport, Status: http.StatusInternalServerError, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, &Error{Kind: KindTransport, Status: http.StatusInternalServerError, Message: err.Error(), Err: err}
	}
	return resp.StatusCode, body, nil
}

func upstreamError(providerName string, status int, body []byte) *Error {
	if status == http.StatusTooManyRequests {
		return &Error{Kind: KindRateLimited, Status: status, Message: rateLimitMessage}
	}
	code := status
	if code < 400 {
		code = http.StatusBadGateway
	}

	msg := ""
	var parsed errorResponse
	if json.Unmarshal(body, &parsed) == nil {
		var nested struct {
			Message string `json:"message"`
		}
		if len(parsed.Error) > 0 && json.Unmarshal(parsed.Error, &nested) == nil {
			msg = nested.Message
		}
		if msg == "" {
			msg = parsed.Message
		}
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	if msg == "" {
		msg = fallbackMessage(providerName)
	}
	return &Error{Kind: KindUpstream, Status: code, Message: msg}
}

func fallbackMessage(providerName string) string {
	if providerName == Perplexity {
		return "Perplexity request failed"
	}
	return "Gemini request failed"
}

func extractContent(providerName string, body []byte) (string, error) {
	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", &Error{
			Kind:    KindUpstream,
			Status:  http.StatusBadGateway,
			Message: "invalid response from " + providerName,
			Err:     err,
		}
	}
	if len(parsed.Choices) > 0 {
		if text, ok := rawText(parsed.Choices[0].Message.Content); ok {
			return text, nil
		}
	}
	if providerName == Gemini && len(parsed.Candidates) > 0 {
		parts := parsed.Candidates[0].Content.Parts
		if len(parts) > 0 && parts[0].Text != nil {
			return *parts[0].Text, nil
		}
	}
	return "", nil
}

// rawText renders a content field: strings as-is, other JSON verbatim.
func rawText(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s, true
	}
	return string(raw), true
}

func (c *Client) observe(providerName string, err error) {
	if c.metrics == nil {
		return
	}
	outcome := "ok"
	var perr *Error
	if errors.As(err, &perr) {
		outcome = string(perr.Kind)
	} else if err != nil {
		outcome = "error"
	}
	if !Known(providerName) {
		providerName = "unknown"
	}
	c.metrics.ProviderRequests.WithLabelValues(providerName, outcome).Inc()
}
