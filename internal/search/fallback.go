package search

import (
	"context"
	"strings"

	"inkwell/api/internal/store"
)

const snippetRunes = 160

// Fallback searches through the document store when no engine is reachable.
type Fallback struct {
	docs store.Documents
}

func NewFallback(docs store.Documents) *Fallback {
	return &Fallback{docs: docs}
}

// Healthy always returns true; the store is the source of truth.
func (f *Fallback) Healthy() bool {
	return true
}

func (f *Fallback) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	summaries, err := f.docs.SearchText(ctx, q.Text, limit+max(q.Offset, 0))
	if err != nil {
		return nil, 0, err
	}
	total := len(summaries)
	if q.Offset > 0 {
		if q.Offset >= len(summaries) {
			return nil, total, nil
		}
		summaries = summaries[q.Offset:]
	}
	results := make([]Result, 0, len(summaries))
	for _, s := range summaries {
		results = append(results, Result{ID: s.ID, Title: s.Title})
	}
	return results, total, nil
}

// Snippet trims text to a short preview.
func Snippet(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= snippetRunes {
		return text
	}
	return string(runes[:snippetRunes]) + "…"
}
