package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// Documents is the persistence port used by rooms and the HTTP layer.
type Documents interface {
	SaveSnapshot(ctx context.Context, doc Document) error
	LoadSnapshot(ctx context.Context, documentID string) (Document, error)
	Rename(ctx context.Context, documentID, title string) error
	DeleteDocument(ctx context.Context, documentID string) error
	TouchRecent(ctx context.Context, clientID, documentID string) error
	ListRecent(ctx context.Context, clientID string, limit int) ([]Summary, error)
	SearchText(ctx context.Context, query string, limit int) ([]Summary, error)
	Ping(ctx context.Context) error
}

// MemoryStore keeps documents in process when no database is configured.
type MemoryStore struct {
	mu     sync.Mutex
	docs   map[string]Document
	visits map[string]map[string]time.Time
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:   map[string]Document{},
		visits: map[string]map[string]time.Time{},
		now:    time.Now,
	}
}

func (m *MemoryStore) SaveSnapshot(_ context.Context, doc Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.docs[doc.ID]
	if doc.Title == "" {
		if ok {
			doc.Title = existing.Title
		} else {
			doc.Title = DefaultTitle
		}
	}
	doc.UpdatedAt = m.now()
	m.docs[doc.ID] = doc
	return nil
}

func (m *MemoryStore) LoadSnapshot(_ context.Context, documentID string) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[documentID]
	if !ok {
		return Document{}, ErrNotFound
	}
	return doc, nil
}

func (m *MemoryStore) Rename(_ context.Context, documentID, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[documentID]
	if !ok {
		doc = Document{ID: documentID}
	}
	doc.Title = titleOrDefault(title)
	doc.UpdatedAt = m.now()
	m.docs[documentID] = doc
	return nil
}

func (m *MemoryStore) DeleteDocument(_ context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, documentID)
	for _, visits := range m.visits {
		delete(visits, documentID)
	}
	return nil
}

func (m *MemoryStore) TouchRecent(_ context.Context, clientID, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[documentID]; !ok {
		m.docs[documentID] = Document{ID: documentID, Title: DefaultTitle, UpdatedAt: m.now()}
	}
	visits := m.visits[clientID]
	if visits == nil {
		visits = map[string]time.Time{}
		m.visits[clientID] = visits
	}
	visits[documentID] = m.now()
	return nil
}

func (m *MemoryStore) ListRecent(_ context.Context, clientID string, limit int) ([]Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > MaxRecent {
		limit = MaxRecent
	}
	type visit struct {
		summary Summary
		at      time.Time
	}
	var visits []visit
	for id, at := range m.visits[clientID] {
		doc := m.docs[id]
		visits = append(visits, visit{summary: Summary{ID: id, Title: titleOrDefault(doc.Title), UpdatedAt: doc.UpdatedAt}, at: at})
	}
	slices.SortFunc(visits, func(a, b visit) int { return b.at.Compare(a.at) })

	out := make([]Summary, 0, limit)
	for _, v := range visits {
		if len(out) == limit {
			break
		}
		out = append(out, v.summary)
	}
	return out, nil
}

func (m *MemoryStore) SearchText(_ context.Context, query string, limit int) ([]Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]Summary, 0)
	if q == "" {
		return out, nil
	}
	for _, doc := range m.docs {
		if strings.Contains(strings.ToLower(doc.Title), q) || strings.Contains(strings.ToLower(doc.Text), q) {
			out = append(out, Summary{ID: doc.ID, Title: titleOrDefault(doc.Title), UpdatedAt: doc.UpdatedAt})
		}
	}
	slices.SortFunc(out, func(a, b Summary) int { return b.UpdatedAt.Compare(a.UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
