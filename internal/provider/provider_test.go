package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"inkwell/api/internal/metrics"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *[]time.Duration) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c := NewClient(Options{})
	c.SetTestTransport(server.URL)
	var waits []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	return c, &waits
}

func userRequest(provider string) Request {
	return Request{
		Provider: provider,
		APIKey:   " key-1 ",
		Messages: []Message{{Role: "user", Content: "hello"}},
	}
}

func TestComplete_Success(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer key-1" {
			t.Errorf("Authorization = %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Model != DefaultGeminiModel || req.MaxTokens != 2048 {
			t.Errorf("unexpected request %+v", req)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("expected leading system message, got %+v", req.Messages)
		}
		if req.Messages[0].Content != contextPreamble+"The doc." {
			t.Errorf("system content = %q", req.Messages[0].Content)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"world"}}]}`))
	})

	req := userRequest(Gemini)
	req.DocumentContext = "  The doc.\n"
	got, err := c.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "world" {
		t.Fatalf("got %q", got)
	}
}

func TestComplete_ModelSelection(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		model    string
		want     string
	}{
		{"gemini default", Gemini, "", "gemini-2.5-flash"},
		{"gemini chosen", Gemini, " gemini-2.5-pro ", "gemini-2.5-pro"},
		{"perplexity default", Perplexity, "", "sonar"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var model string
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				var req chatRequest
				_ = json.NewDecoder(r.Body).Decode(&req)
				model = req.Model
				_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
			})
			req := userRequest(tt.provider)
			req.Model = tt.model
			if _, err := c.Complete(context.Background(), req); err != nil {
				t.Fatal(err)
			}
			if model != tt.want {
				t.Fatalf("model = %q, want %q", model, tt.want)
			}
		})
	}
}

func TestComplete_RetriesOnceAfterRateLimit(t *testing.T) {
	var calls atomic.Int32
	c, waits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"second"}}]}`))
	})

	got, err := c.Complete(context.Background(), userRequest(Gemini))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "second" {
		t.Fatalf("got %q", got)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
	if len(*waits) != 1 || (*waits)[0] != 2*time.Second {
		t.Fatalf("waits = %v, want one 2s wait", *waits)
	}
}

func TestComplete_RateLimitedTwice(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"quota"}}`))
	})

	_, err := c.Complete(context.Background(), userRequest(Perplexity))
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if perr.Kind != KindRateLimited || perr.Status != http.StatusTooManyRequests || perr.Message != rateLimitMessage {
		t.Fatalf("unexpected error %+v", perr)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want exactly 2", calls.Load())
	}
}

func TestComplete_CancelledDuringBackoff(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := NewClient(Options{Backoff: time.Hour})
	c.SetTestTransport(server.URL)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for calls.Load() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	_, err := c.Complete(ctx, userRequest(Gemini))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestComplete_UpstreamErrors(t *testing.T) {
	tests := []struct {
		name       string
		provider   string
		status     int
		body       string
		wantStatus int
		wantMsg    string
	}{
		{"nested error message", Gemini, 400, `{"error":{"message":"API key not valid"}}`, 400, "API key not valid"},
		{"top level message", Perplexity, 401, `{"message":"unauthorized key"}`, 401, "unauthorized key"},
		{"status text", Gemini, 503, `not json`, 503, "Service Unavailable"},
		{"unknown status falls back", Perplexity, 599, ``, 599, "Perplexity request failed"},
		{"redirect maps to 502", Gemini, 304, ``, 502, "Not Modified"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := c.Complete(context.Background(), userRequest(tt.provider))
			var perr *Error
			if !errors.As(err, &perr) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if perr.Kind != KindUpstream || perr.Status != tt.wantStatus || perr.Message != tt.wantMsg {
				t.Fatalf("got %+v", perr)
			}
		})
	}
}

func TestComplete_ContentFallbacks(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		body     string
		want     string
	}{
		{"gemini candidates", Gemini, `{"candidates":[{"content":{"parts":[{"text":"from parts"}]}}]}`, "from parts"},
		{"missing text", Gemini, `{"choices":[{"message":{}}]}`, ""},
		{"empty object", Perplexity, `{}`, ""},
		{"perplexity ignores candidates", Perplexity, `{"candidates":[{"content":{"parts":[{"text":"x"}]}}]}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			})
			got, err := c.Complete(context.Background(), userRequest(tt.provider))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestComplete_MalformedSuccessBody(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":`))
	})
	_, err := c.Complete(context.Background(), userRequest(Gemini))
	var perr *Error
	if !errors.As(err, &perr) || perr.Kind != KindUpstream || perr.Status != http.StatusBadGateway {
		t.Fatalf("expected upstream 502, got %v", err)
	}
}

func TestComplete_ValidationMakesNoCall(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantMsg string
	}{
		{"missing key", Request{Provider: Gemini, APIKey: "  ", Messages: []Message{{Role: "user", Content: "x"}}}, requiredMessage},
		{"no messages", Request{Provider: Gemini, APIKey: "k"}, requiredMessage},
		{"no provider", Request{APIKey: "k", Messages: []Message{{Role: "user", Content: "x"}}}, requiredMessage},
		{"unknown provider", Request{Provider: "openai", APIKey: "k", Messages: []Message{{Role: "user", Content: "x"}}}, "Unknown provider"},
		{"bad role", Request{Provider: Gemini, APIKey: "k", Messages: []Message{{Role: "tool", Content: "x"}}}, `invalid message role "tool"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
			})
			_, err := c.Complete(context.Background(), tt.req)
			var perr *Error
			if !errors.As(err, &perr) || perr.Kind != KindValidation || perr.Status != http.StatusBadRequest {
				t.Fatalf("expected validation error, got %v", err)
			}
			if perr.Message != tt.wantMsg {
				t.Fatalf("message = %q", perr.Message)
			}
			if calls.Load() != 0 {
				t.Fatalf("upstream was called %d times", calls.Load())
			}
		})
	}
}

func TestComplete_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	c := NewClient(Options{})
	c.SetTestTransport(url)
	_, err := c.Complete(context.Background(), userRequest(Gemini))
	var perr *Error
	if !errors.As(err, &perr) || perr.Kind != KindTransport || perr.Status != http.StatusInternalServerError {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestComplete_RecordsMetrics(t *testing.T) {
	m := metrics.New()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer server.Close()

	c := NewClient(Options{Metrics: m})
	c.SetTestTransport(server.URL)
	_, _ = c.Complete(context.Background(), userRequest(Gemini))
	_, _ = c.Complete(context.Background(), Request{Provider: "nope", APIKey: "k", Messages: []Message{{Role: "user"}}})

	if got := testutil.ToFloat64(m.ProviderRequests.WithLabelValues("gemini", "ok")); got != 1 {
		t.Fatalf("ok counter = %v", got)
	}
	if got := testutil.ToFloat64(m.ProviderRequests.WithLabelValues("unknown", "validation")); got != 1 {
		t.Fatalf("validation counter = %v", got)
	}
}
