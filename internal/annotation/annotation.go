// Package annotation holds the shared, position-tracked markers of a
// document room: the single active highlight and the pending suggestions.
package annotation

import (
	"errors"

	"inkwell/api/internal/position"
)

var (
	ErrEmptyRange          = errors.New("annotation range is empty")
	ErrDuplicateSuggestion = errors.New("suggestion id already present")
	ErrConflict            = errors.New("annotation storage kept changing underneath the update")

	// errUnchanged lets an update function signal that nothing needs writing.
	errUnchanged = errors.New("unchanged")
)

// SuggestionItem is a pending assistant edit awaiting accept or reject.
type SuggestionItem struct {
	ID               string `json:"id"`
	From             int    `json:"from"`
	To               int    `json:"to"`
	OriginalText     string `json:"originalText"`
	SuggestedContent string `json:"suggestedContent"`
}

func (s SuggestionItem) Range() position.Range {
	return position.Range{From: s.From, To: s.To}
}

// State is the replicated room storage shape.
type State struct {
	Suggestions    []SuggestionItem `json:"suggestions"`
	HighlightRange position.Range   `json:"highlightRange"`
}

// InitialState is what a room starts with: no suggestions, no highlight.
func InitialState() State {
	return State{Suggestions: []SuggestionItem{}, HighlightRange: position.NoRange}
}

// HasHighlight reports whether a non-empty highlight is active.
func (s State) HasHighlight() bool {
	return !s.HighlightRange.IsSentinel() && !s.HighlightRange.Empty()
}

// Suggestion looks an item up by id.
func (s State) Suggestion(id string) (SuggestionItem, bool) {
	for _, item := range s.Suggestions {
		if item.ID == id {
			return item, true
		}
	}
	return SuggestionItem{}, false
}

func (s State) clone() State {
	out := State{HighlightRange: s.HighlightRange, Suggestions: make([]SuggestionItem, len(s.Suggestions))}
	copy(out.Suggestions, s.Suggestions)
	return out
}

// remap carries every annotation through m and drops those that collapse.
// It returns how many were dropped.
func (s *State) remap(m position.Mapper) int {
	dropped := 0
	if !s.HighlightRange.IsSentinel() {
		if r, ok := position.Remap(s.HighlightRange, m); ok {
			s.HighlightRange = r
		} else {
			s.HighlightRange = position.NoRange
			dropped++
		}
	}

	kept := make([]SuggestionItem, 0, len(s.Suggestions))
	for _, item := range s.Suggestions {
		r, ok := position.Remap(item.Range(), m)
		if !ok {
			dropped++
			continue
		}
		item.From, item.To = r.From, r.To
		kept = append(kept, item)
	}
	s.Suggestions = kept
	return dropped
}
