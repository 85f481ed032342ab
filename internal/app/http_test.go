package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"inkwell/api/internal/assistant"
	"inkwell/api/internal/bubble"
	"inkwell/api/internal/config"
	"inkwell/api/internal/document"
	"inkwell/api/internal/identity"
	"inkwell/api/internal/metrics"
	"inkwell/api/internal/provider"
	"inkwell/api/internal/room"
	"inkwell/api/internal/search"
	"inkwell/api/internal/session"
	"inkwell/api/internal/store"
)

type fakePinger struct {
	pingFn func(context.Context) error
}

func (f fakePinger) Ping(ctx context.Context) error { return f.pingFn(ctx) }

type fakeCompleter struct {
	completeFn func(context.Context, provider.Request) (string, error)
}

func (f fakeCompleter) Complete(ctx context.Context, req provider.Request) (string, error) {
	return f.completeFn(ctx, req)
}

type testEnv struct {
	server *HTTPServer
	docs   *store.MemoryStore
}

func newTestEnv(t *testing.T, llm assistant.Completer, checks map[string]Pinger) *testEnv {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	docs := store.NewMemoryStore()
	kv := session.NewMemoryStore()
	reg := room.NewRegistry(room.Options{Docs: docs, Metrics: m, Logger: log, SnapshotDelay: time.Hour})
	bubbles := bubble.NewManager(kv, time.Hour, log)
	creds, err := session.NewCredentials(kv, "test-secret", time.Hour)
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}
	tokens, err := identity.NewTokens("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	if llm == nil {
		llm = fakeCompleter{completeFn: func(context.Context, provider.Request) (string, error) { return "ok", nil }}
	}
	svc := New(config.Config{}, Deps{
		Docs:      docs,
		Rooms:     reg,
		Gateway:   room.NewGateway(reg, nil, room.GatewayOptions{Tokens: tokens, Logger: log}),
		Bubbles:   bubbles,
		Assistant: assistant.New(reg, bubbles, creds, llm, log),
		Creds:     creds,
		LLM:       llm,
		Tokens:    tokens,
		Search:    search.NewService(nil, search.NewFallback(docs), log),
		Metrics:   m,
		Checks:    checks,
		Logger:    log,
	})
	return &testEnv{server: NewHTTPServer(svc, "*"), docs: docs}
}

func (e *testEnv) do(t *testing.T, method, path, clientID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if clientID != "" {
		req.Header.Set(clientIDHeader, clientID)
	}
	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	rr := env.do(t, http.MethodGet, "/api/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := decode[map[string]any](t, rr); got["ok"] != true {
		t.Fatalf("expected ok=true, got %v", got)
	}
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "healthy", status: http.StatusOK},
		{name: "redis down", err: errors.New("connection refused"), status: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil, map[string]Pinger{
				"redis": fakePinger{pingFn: func(context.Context) error { return tt.err }},
			})
			rr := env.do(t, http.MethodGet, "/api/ready", "", nil)
			if rr.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rr.Code)
			}
			body := decode[map[string]any](t, rr)
			checks := body["checks"].(map[string]any)
			if _, ok := checks["redis"]; !ok {
				t.Fatalf("missing redis check in %v", body)
			}
		})
	}
}

func TestChatEndpoint(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		switch req.Model {
		case "broken":
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":{"message":"model exploded"}}`))
		default:
			_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"Hello there"}}]}`))
		}
	}))
	defer upstream.Close()

	client := provider.NewClient(provider.Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	client.SetTestTransport(upstream.URL)
	env := newTestEnv(t, client, nil)

	messages := []map[string]string{{"role": "user", "content": "hi"}}
	tests := []struct {
		name    string
		body    any
		status  int
		field   string
		message string
	}{
		{name: "success", body: map[string]any{"provider": "gemini", "apiKey": "k", "messages": messages}, status: 200, field: "content", message: "Hello there"},
		{name: "unknown provider", body: map[string]any{"provider": "openai", "apiKey": "k", "messages": messages}, status: 400, field: "error"},
		{name: "missing key", body: map[string]any{"provider": "gemini", "apiKey": " ", "messages": messages}, status: 400, field: "error", message: "provider, apiKey, and non-empty messages are required"},
		{name: "empty messages", body: map[string]any{"provider": "gemini", "apiKey": "k", "messages": []any{}}, status: 400, field: "error", message: "provider, apiKey, and non-empty messages are required"},
		{name: "upstream error", body: map[string]any{"provider": "gemini", "apiKey": "k", "model": "broken", "messages": messages}, status: 500, field: "error", message: "model exploded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/api/ai/chat", "", tt.body)
			if rr.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rr.Code, rr.Body.String())
			}
			got := decode[map[string]any](t, rr)
			value, ok := got[tt.field].(string)
			if !ok {
				t.Fatalf("missing %s in %v", tt.field, got)
			}
			if tt.message != "" && value != tt.message {
				t.Fatalf("expected %q, got %q", tt.message, value)
			}
		})
	}
}

func TestChatEndpointInvalidJSON(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/ai/chat", strings.NewReader("{nope"))
	rr := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if got := decode[map[string]any](t, rr); got["error"] != "Invalid JSON" {
		t.Fatalf("unexpected body %v", got)
	}
}

func TestDocumentLifecycle(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	rr := env.do(t, http.MethodGet, "/api/documents/doc-1", "c1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("open: %d %s", rr.Code, rr.Body.String())
	}
	snap := decode[room.Snapshot](t, rr)
	if snap.Revision != 0 || snap.Title != store.DefaultTitle {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if !snap.Annotations.HighlightRange.IsSentinel() || snap.Annotations.Suggestions == nil {
		t.Fatalf("unexpected initial annotations %+v", snap.Annotations)
	}

	rr = env.do(t, http.MethodPost, "/api/documents/doc-1/steps", "c1", map[string]any{
		"baseRevision": 0,
		"steps":        []document.Step{{From: 0, To: 0, Cells: document.TextCells("hi")}},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("steps: %d %s", rr.Code, rr.Body.String())
	}
	if got := decode[map[string]any](t, rr); got["revision"] != float64(1) {
		t.Fatalf("unexpected steps response %v", got)
	}

	rr = env.do(t, http.MethodPut, "/api/documents/doc-1/title", "c1", map[string]string{"title": "Quarterly plan"})
	if rr.Code != http.StatusOK {
		t.Fatalf("rename: %d", rr.Code)
	}

	rr = env.do(t, http.MethodGet, "/api/documents", "c1", nil)
	recent := decode[struct {
		Documents []store.Summary `json:"documents"`
	}](t, rr)
	if len(recent.Documents) != 1 || recent.Documents[0].Title != "Quarterly plan" {
		t.Fatalf("unexpected recent list %+v", recent)
	}

	rr = env.do(t, http.MethodGet, "/api/documents/search?q=quarterly", "", nil)
	results := decode[search.Response](t, rr)
	if len(results.Results) != 1 || results.Results[0].ID != "doc-1" {
		t.Fatalf("unexpected search results %+v", results)
	}

	for i := 0; i < 2; i++ {
		rr = env.do(t, http.MethodDelete, "/api/documents/doc-1", "", nil)
		if rr.Code != http.StatusNoContent {
			t.Fatalf("delete %d: expected 204, got %d", i, rr.Code)
		}
	}
	if _, err := env.docs.LoadSnapshot(context.Background(), "doc-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected document gone, got %v", err)
	}
}

func TestDeleteUnknownDocument(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	if rr := env.do(t, http.MethodDelete, "/api/documents/never-opened", "", nil); rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
}

func TestBubbleRoutesRequireClientID(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	rr := env.do(t, http.MethodPost, "/api/documents/doc-1/bubbles", "", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if got := decode[map[string]any](t, rr); got["code"] != "MISSING_CLIENT_ID" {
		t.Fatalf("unexpected body %v", got)
	}
}

func TestAssistantFlow(t *testing.T) {
	env := newTestEnv(t, fakeCompleter{completeFn: func(_ context.Context, req provider.Request) (string, error) {
		if req.APIKey != "secret-key" {
			return "", errors.New("wrong key")
		}
		return "**Hi**", nil
	}}, nil)
	base := "/api/documents/doc-1"

	rr := env.do(t, http.MethodPost, base+"/bubbles", "c1", nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create bubble: %d", rr.Code)
	}
	b := decode[bubble.Session](t, rr)

	rr = env.do(t, http.MethodPost, base+"/bubbles/"+b.ID+"/send", "c1", map[string]any{"input": "hello"})
	if rr.Code != http.StatusBadRequest || decode[map[string]any](t, rr)["code"] != "MISSING_CREDENTIAL" {
		t.Fatalf("expected missing credential, got %d %s", rr.Code, rr.Body.String())
	}

	if rr = env.do(t, http.MethodPut, "/api/credentials/gemini", "c1", map[string]string{"apiKey": "secret-key"}); rr.Code != http.StatusNoContent {
		t.Fatalf("put credential: %d", rr.Code)
	}
	env.do(t, http.MethodPost, base+"/steps", "c1", map[string]any{
		"baseRevision": 0,
		"steps":        []document.Step{{From: 0, To: 0, Cells: document.TextCells("abcd")}},
	})

	rr = env.do(t, http.MethodPost, base+"/bubbles/"+b.ID+"/capture", "c1", map[string]any{"from": 1, "to": 3, "revision": 1})
	if rr.Code != http.StatusConflict {
		t.Fatalf("capture without inline mode: expected 409, got %d", rr.Code)
	}
	env.do(t, http.MethodPut, base+"/inline-selection", "c1", map[string]bool{"enabled": true})
	rr = env.do(t, http.MethodPost, base+"/bubbles/"+b.ID+"/capture", "c1", map[string]any{"from": 1, "to": 3, "revision": 1})
	if got := decode[map[string]any](t, rr); got["captured"] != true || got["text"] != "bc" {
		t.Fatalf("unexpected capture %v", got)
	}

	rr = env.do(t, http.MethodPost, base+"/bubbles/"+b.ID+"/send", "c1", map[string]any{"input": "greet"})
	if rr.Code != http.StatusOK {
		t.Fatalf("send: %d %s", rr.Code, rr.Body.String())
	}
	res := decode[assistant.Result](t, rr)
	if res.Assistant.Anchor == nil || res.Assistant.Content != "**Hi**" {
		t.Fatalf("unexpected result %+v", res)
	}

	rr = env.do(t, http.MethodPost, base+"/bubbles/"+b.ID+"/messages/"+res.Assistant.ID+"/replace", "c1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("replace: %d %s", rr.Code, rr.Body.String())
	}
	rev := decode[map[string]any](t, rr)["revision"]
	rr = env.do(t, http.MethodGet, base, "c1", nil)
	if snap := decode[room.Snapshot](t, rr); !strings.HasPrefix(snap.Text, "aHid") {
		t.Fatalf("unexpected text %q", snap.Text)
	}

	// Deleting the replaced text leaves the reply nothing to apply to.
	env.do(t, http.MethodPost, base+"/steps", "c2", map[string]any{
		"baseRevision": rev,
		"steps":        []document.Step{{From: 0, To: 4}},
	})
	rr = env.do(t, http.MethodPost, base+"/bubbles/"+b.ID+"/messages/"+res.Assistant.ID+"/replace", "c1", nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	if got := decode[map[string]any](t, rr); got["error"] != "Could not replace (document may have changed)" {
		t.Fatalf("unexpected stale message %v", got)
	}
}

func TestSuggestionResolutionIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	rr := env.do(t, http.MethodPost, "/api/documents/doc-1/suggestions/sugg_missing/accept", "c1", nil)
	if rr.Code != http.StatusOK || decode[map[string]any](t, rr)["applied"] != false {
		t.Fatalf("unexpected accept response %d %s", rr.Code, rr.Body.String())
	}
	rr = env.do(t, http.MethodPost, "/api/documents/doc-1/suggestions/sugg_missing/reject", "c1", nil)
	if rr.Code != http.StatusOK || decode[map[string]any](t, rr)["removed"] != false {
		t.Fatalf("unexpected reject response %d %s", rr.Code, rr.Body.String())
	}
}

func TestInvalidDocumentID(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	rr := env.do(t, http.MethodGet, "/api/documents/bad%20id", "", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestIdentityAndMetrics(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	rr := env.do(t, http.MethodPost, "/api/identity", "", nil)
	who := decode[map[string]any](t, rr)
	if id, _ := who["id"].(string); !strings.HasPrefix(id, "user-") {
		t.Fatalf("unexpected identity %v", who)
	}
	if token, _ := who["token"].(string); token == "" {
		t.Fatalf("expected an identity token in %v", who)
	}

	env.do(t, http.MethodGet, "/api/documents/doc-1", "", nil)
	rr = env.do(t, http.MethodGet, "/metrics", "", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "inkwell_rooms_open 1") {
		t.Fatalf("unexpected metrics output %d", rr.Code)
	}
}
