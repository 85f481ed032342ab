package bubble

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"inkwell/api/internal/session"
)

type fakeKV struct {
	getFn func(ctx context.Context, key string) ([]byte, error)
	setFn func(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

func (f fakeKV) Get(ctx context.Context, key string) ([]byte, error) { return f.getFn(ctx, key) }
func (f fakeKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return f.setFn(ctx, key, value, ttl)
}
func (f fakeKV) Delete(context.Context, string) error { return nil }

func TestCreateDefaults(t *testing.T) {
	m := NewManager(session.NewMemoryStore(), time.Hour, nil)
	ctx := context.Background()

	first, err := m.Create(ctx, "c1", "doc")
	if err != nil {
		t.Fatal(err)
	}
	second, _ := m.Create(ctx, "c1", "doc")

	if first.Provider != "gemini" || first.Model != "gemini-2.5-flash" || !first.Open || !first.IncludeDocumentContext {
		t.Fatalf("unexpected defaults %+v", first)
	}
	if first.Position.Y != 100 || second.Position.Y != 124 {
		t.Fatalf("positions %v %v", first.Position, second.Position)
	}
	if first.ID == second.ID || !strings.HasPrefix(first.ID, "bubble_") {
		t.Fatalf("ids %q %q", first.ID, second.ID)
	}
}

func TestBubblesAreIsolated(t *testing.T) {
	m := NewManager(session.NewMemoryStore(), 0, nil)
	ctx := context.Background()
	a, _ := m.Create(ctx, "c1", "doc")
	b, _ := m.Create(ctx, "c1", "doc")

	draft := "rewrite this"
	if _, err := m.Update(ctx, "c1", "doc", a.ID, Patch{InputDraft: &draft}); err != nil {
		t.Fatal(err)
	}
	_ = m.SetLoading(ctx, "c1", "doc", a.ID, true)

	gotB, _ := m.Get(ctx, "c1", "doc", b.ID)
	if gotB.InputDraft != "" || gotB.Loading {
		t.Fatalf("bubble b changed: %+v", gotB)
	}
	ws, _ := m.List(ctx, "c2", "doc")
	if len(ws.Bubbles) != 0 {
		t.Fatalf("other client sees %d bubbles", len(ws.Bubbles))
	}
}

func TestUpdateValidatesProviderAndModel(t *testing.T) {
	m := NewManager(session.NewMemoryStore(), 0, nil)
	ctx := context.Background()
	b, _ := m.Create(ctx, "c", "d")

	pro := "gemini-2.5-pro"
	got, err := m.Update(ctx, "c", "d", b.ID, Patch{Model: &pro})
	if err != nil || got.Model != pro {
		t.Fatalf("model update: %+v %v", got, err)
	}

	bogus := "gpt-4"
	if _, err := m.Update(ctx, "c", "d", b.ID, Patch{Model: &bogus}); !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
	other := "openai"
	if _, err := m.Update(ctx, "c", "d", b.ID, Patch{Provider: &other}); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}

	pplx := "perplexity"
	got, _ = m.Update(ctx, "c", "d", b.ID, Patch{Provider: &pplx})
	if got.Model != "sonar" {
		t.Fatalf("model after provider switch = %q", got.Model)
	}
	if _, err := m.Update(ctx, "c", "d", "missing", Patch{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRemove(t *testing.T) {
	m := NewManager(session.NewMemoryStore(), 0, nil)
	ctx := context.Background()
	b, _ := m.Create(ctx, "c", "d")

	removed, err := m.Remove(ctx, "c", "d", b.ID)
	if err != nil || !removed {
		t.Fatalf("remove: %v %v", removed, err)
	}
	removed, _ = m.Remove(ctx, "c", "d", b.ID)
	if removed {
		t.Fatal("second remove reported true")
	}
	err = m.AppendExchange(ctx, "c", "d", b.ID, Message{}, Message{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("append to removed bubble: %v", err)
	}
}

func TestRestoreResetsLoadingAndKeepsAnchors(t *testing.T) {
	kv := session.NewMemoryStore()
	ctx := context.Background()

	m := NewManager(kv, 0, nil)
	b, _ := m.Create(ctx, "c", "d")
	_ = m.SetInlineSelectionMode(ctx, "c", "d", true)
	_ = m.SetLoading(ctx, "c", "d", b.ID, true)
	_ = m.AppendExchange(ctx, "c", "d", b.ID,
		Message{ID: "u1", Role: RoleUser, Content: "q"},
		Message{ID: "a1", Role: RoleAssistant, Content: "r", Anchor: &Anchor{From: 3, To: 8, Revision: 4, OriginalText: "hello"}},
	)
	_ = m.SetLoading(ctx, "c", "d", b.ID, true)

	raw, err := kv.Get(ctx, storageKey("c", "d"))
	if err != nil {
		t.Fatal(err)
	}
	var stored Workspace
	_ = json.Unmarshal(raw, &stored)
	if stored.Bubbles[0].Loading {
		t.Fatal("loading flag was persisted")
	}

	restored := NewManager(kv, 0, nil)
	ws, err := restored.List(ctx, "c", "d")
	if err != nil {
		t.Fatal(err)
	}
	if !ws.InlineSelectionMode || len(ws.Bubbles) != 1 {
		t.Fatalf("restored workspace %+v", ws)
	}
	msg, ok := ws.Bubbles[0].Message("a1")
	if !ok || msg.Anchor == nil || msg.Anchor.Revision != 4 || msg.Anchor.OriginalText != "hello" {
		t.Fatalf("anchor lost: %+v", msg)
	}
}

func TestPersistenceFailuresAreIgnored(t *testing.T) {
	kv := fakeKV{
		getFn: func(context.Context, string) ([]byte, error) { return nil, errors.New("redis down") },
		setFn: func(context.Context, string, []byte, time.Duration) error { return errors.New("redis down") },
	}
	m := NewManager(kv, 0, nil)
	ctx := context.Background()

	b, err := m.Create(ctx, "c", "d")
	if err != nil {
		t.Fatalf("create should not fail on storage errors: %v", err)
	}
	if _, err := m.Get(ctx, "c", "d", b.ID); err != nil {
		t.Fatalf("in-memory state lost: %v", err)
	}
}

func TestIdleWorkspacesAreEvicted(t *testing.T) {
	ctx := context.Background()
	m := NewManager(session.NewMemoryStore(), time.Hour, nil)
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }

	idle, err := m.Create(ctx, "c1", "d")
	if err != nil {
		t.Fatal(err)
	}
	busy, err := m.Create(ctx, "c2", "d")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SetLoading(ctx, "c2", "d", busy.ID, true); err != nil {
		t.Fatal(err)
	}

	now = now.Add(DefaultIdleEviction + time.Minute)
	if _, err := m.List(ctx, "c3", "d"); err != nil {
		t.Fatal(err)
	}
	if got := m.cached(); got != 2 {
		t.Fatalf("expected the idle workspace evicted, %d cached", got)
	}

	got, err := m.Get(ctx, "c1", "d", idle.ID)
	if err != nil {
		t.Fatalf("evicted workspace should restore from storage: %v", err)
	}
	if got.ID != idle.ID {
		t.Fatalf("restored the wrong bubble %+v", got)
	}
	b, err := m.Get(ctx, "c2", "d", busy.ID)
	if err != nil || !b.Loading {
		t.Fatalf("in-flight workspace must stay cached, got %+v err %v", b, err)
	}
}

func TestUnpersistedWorkspaceIsNotEvicted(t *testing.T) {
	ctx := context.Background()
	kv := fakeKV{
		getFn: func(context.Context, string) ([]byte, error) { return nil, session.ErrNotFound },
		setFn: func(context.Context, string, []byte, time.Duration) error { return errors.New("redis down") },
	}
	m := NewManager(kv, 0, nil)
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }

	b, err := m.Create(ctx, "c", "d")
	if err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * DefaultIdleEviction)
	if _, err := m.List(ctx, "other", "d"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(ctx, "c", "d", b.ID); err != nil {
		t.Fatalf("workspace that never reached storage was dropped: %v", err)
	}
}
