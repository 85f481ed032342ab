package bubble

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"time"

	"inkwell/api/internal/provider"
	"inkwell/api/internal/session"
	"inkwell/api/internal/util"
)

const (
	defaultX     = 24
	defaultY     = 100
	staggerY     = 24
	workspaceKey = "workspace:"

	// DefaultIdleEviction is how long an unused workspace stays cached.
	DefaultIdleEviction = 30 * time.Minute
)

type workspaceEntry struct {
	// used is guarded by Manager.mu.
	used time.Time

	mu     sync.Mutex
	loaded bool
	// dirty is set while the stored copy lags behind ws.
	dirty bool
	ws    Workspace
}

// Manager owns every client workspace. Bubbles never share state.
type Manager struct {
	kv  session.Store
	ttl time.Duration
	log *slog.Logger

	idle time.Duration
	now  func() time.Time

	mu         sync.Mutex
	workspaces map[string]*workspaceEntry
	lastSweep  time.Time
}

func NewManager(kv session.Store, ttl time.Duration, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		kv:         kv,
		ttl:        ttl,
		log:        log,
		idle:       DefaultIdleEviction,
		now:        time.Now,
		workspaces: map[string]*workspaceEntry{},
	}
}

func storageKey(clientID, documentID string) string {
	return workspaceKey + clientID + ":" + documentID
}

func (m *Manager) entry(clientID, documentID string) *workspaceEntry {
	key := storageKey(clientID, documentID)
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if now.Sub(m.lastSweep) >= m.idle {
		m.sweepLocked(now)
	}
	e, ok := m.workspaces[key]
	if !ok {
		e = &workspaceEntry{ws: Workspace{ClientID: clientID, DocumentID: documentID, Bubbles: []Session{}}}
		m.workspaces[key] = e
	}
	e.used = now
	return e
}

// sweepLocked drops cached workspaces unused for m.idle. Workspaces that
// are busy, have a request in flight or failed to persist stay. m.mu must
// be held.
func (m *Manager) sweepLocked(now time.Time) {
	m.lastSweep = now
	for key, e := range m.workspaces {
		if now.Sub(e.used) < m.idle || !e.mu.TryLock() {
			continue
		}
		if !e.dirty && !e.ws.loading() {
			delete(m.workspaces, key)
		}
		e.mu.Unlock()
	}
}

// cached reports how many workspaces are held in memory.
func (m *Manager) cached() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workspaces)
}

// with runs fn on the locked workspace, restoring it first if needed, and
// persists it afterwards when fn reports a change.
func (m *Manager) with(ctx context.Context, clientID, documentID string, fn func(*Workspace) (bool, error)) error {
	e := m.entry(clientID, documentID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.loaded {
		m.restore(ctx, e)
		e.loaded = true
	}
	changed, err := fn(&e.ws)
	if err != nil {
		return err
	}
	if changed || e.dirty {
		e.dirty = !m.persist(ctx, e.ws)
	}
	return nil
}

func (m *Manager) restore(ctx context.Context, e *workspaceEntry) {
	raw, err := m.kv.Get(ctx, storageKey(e.ws.ClientID, e.ws.DocumentID))
	if err != nil {
		return
	}
	var stored Workspace
	if err := json.Unmarshal(raw, &stored); err != nil {
		m.log.Warn("discarding unreadable workspace", "client", e.ws.ClientID, "document", e.ws.DocumentID, "error", err)
		return
	}
	for i := range stored.Bubbles {
		stored.Bubbles[i].Loading = false
		if stored.Bubbles[i].Messages == nil {
			stored.Bubbles[i].Messages = []Message{}
		}
	}
	if stored.Bubbles == nil {
		stored.Bubbles = []Session{}
	}
	stored.ClientID, stored.DocumentID = e.ws.ClientID, e.ws.DocumentID
	e.ws = stored
}

// persist is best-effort: failures are logged and the in-memory state stays
// authoritative. It reports whether the write landed.
func (m *Manager) persist(ctx context.Context, ws Workspace) bool {
	out := ws.clone()
	for i := range out.Bubbles {
		out.Bubbles[i].Loading = false
	}
	raw, err := json.Marshal(out)
	if err != nil {
		m.log.Warn("marshal workspace", "error", err)
		return false
	}
	if err := m.kv.Set(ctx, storageKey(ws.ClientID, ws.DocumentID), raw, m.ttl); err != nil {
		m.log.Warn("persist workspace failed", "client", ws.ClientID, "document", ws.DocumentID, "error", err)
		return false
	}
	return true
}

func (m *Manager) Create(ctx context.Context, clientID, documentID string) (Session, error) {
	var created Session
	err := m.with(ctx, clientID, documentID, func(ws *Workspace) (bool, error) {
		created = Session{
			ID:                     util.NewID("bubble"),
			Position:               Position{X: defaultX, Y: float64(defaultY + staggerY*len(ws.Bubbles))},
			Provider:               provider.Gemini,
			Model:                  provider.DefaultGeminiModel,
			Messages:               []Message{},
			Open:                   true,
			IncludeDocumentContext: true,
		}
		ws.Bubbles = append(ws.Bubbles, created)
		return true, nil
	})
	return created.clone(), err
}

func (m *Manager) Get(ctx context.Context, clientID, documentID, bubbleID string) (Session, error) {
	var found Session
	err := m.with(ctx, clientID, documentID, func(ws *Workspace) (bool, error) {
		i := ws.index(bubbleID)
		if i < 0 {
			return false, ErrNotFound
		}
		found = ws.Bubbles[i].clone()
		return false, nil
	})
	return found, err
}

func (m *Manager) List(ctx context.Context, clientID, documentID string) (Workspace, error) {
	var out Workspace
	err := m.with(ctx, clientID, documentID, func(ws *Workspace) (bool, error) {
		out = ws.clone()
		return false, nil
	})
	return out, err
}

func (m *Manager) Update(ctx context.Context, clientID, documentID, bubbleID string, patch Patch) (Session, error) {
	var updated Session
	err := m.with(ctx, clientID, documentID, func(ws *Workspace) (bool, error) {
		i := ws.index(bubbleID)
		if i < 0 {
			return false, ErrNotFound
		}
		b := ws.Bubbles[i]
		if patch.Provider != nil {
			if !provider.Known(*patch.Provider) {
				return false, ErrUnknownProvider
			}
			if *patch.Provider != b.Provider {
				b.Provider = *patch.Provider
				b.Model = provider.DefaultModel(b.Provider)
			}
		}
		if patch.Model != nil {
			if b.Provider == provider.Gemini && !slices.Contains(provider.GeminiModels, *patch.Model) {
				return false, ErrUnknownModel
			}
			if b.Provider == provider.Perplexity && *patch.Model != provider.DefaultPerplexityModel {
				return false, ErrUnknownModel
			}
			b.Model = *patch.Model
		}
		if patch.Position != nil {
			b.Position = *patch.Position
		}
		if patch.InputDraft != nil {
			b.InputDraft = *patch.InputDraft
		}
		if patch.Open != nil {
			b.Open = *patch.Open
		}
		if patch.IncludeDocumentContext != nil {
			b.IncludeDocumentContext = *patch.IncludeDocumentContext
		}
		ws.Bubbles[i] = b
		updated = b.clone()
		return true, nil
	})
	return updated, err
}

// Remove deletes a bubble. Removing an unknown id reports false.
func (m *Manager) Remove(ctx context.Context, clientID, documentID, bubbleID string) (bool, error) {
	removed := false
	err := m.with(ctx, clientID, documentID, func(ws *Workspace) (bool, error) {
		i := ws.index(bubbleID)
		if i < 0 {
			return false, nil
		}
		ws.Bubbles = slices.Delete(ws.Bubbles, i, i+1)
		removed = true
		return true, nil
	})
	return removed, err
}

func (m *Manager) SetInlineSelectionMode(ctx context.Context, clientID, documentID string, on bool) error {
	return m.with(ctx, clientID, documentID, func(ws *Workspace) (bool, error) {
		if ws.InlineSelectionMode == on {
			return false, nil
		}
		ws.InlineSelectionMode = on
		return true, nil
	})
}

func (m *Manager) InlineSelectionMode(ctx context.Context, clientID, documentID string) (bool, error) {
	var on bool
	err := m.with(ctx, clientID, documentID, func(ws *Workspace) (bool, error) {
		on = ws.InlineSelectionMode
		return false, nil
	})
	return on, err
}

// SetLoading flips the transient in-flight flag. It is never persisted.
func (m *Manager) SetLoading(ctx context.Context, clientID, documentID, bubbleID string, loading bool) error {
	return m.with(ctx, clientID, documentID, func(ws *Workspace) (bool, error) {
		i := ws.index(bubbleID)
		if i < 0 {
			return false, ErrNotFound
		}
		ws.Bubbles[i].Loading = loading
		return false, nil
	})
}

// AppendExchange records a completed request: the user message, then the
// assistant reply. The input draft is cleared and loading reset.
func (m *Manager) AppendExchange(ctx context.Context, clientID, documentID, bubbleID string, user, assistant Message) error {
	return m.with(ctx, clientID, documentID, func(ws *Workspace) (bool, error) {
		i := ws.index(bubbleID)
		if i < 0 {
			return false, ErrNotFound
		}
		b := &ws.Bubbles[i]
		b.Messages = append(b.Messages, user, assistant)
		b.InputDraft = ""
		b.Loading = false
		return true, nil
	})
}
