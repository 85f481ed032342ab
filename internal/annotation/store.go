package annotation

import (
	"context"
	"log/slog"
	"sync"

	"inkwell/api/internal/position"
)

// Store is the room-level facade over Storage. Every committed change is
// pushed to subscribers in commit order.
type Store struct {
	storage Storage
	log     *slog.Logger

	mu     sync.Mutex
	subs   map[int]func(State)
	nextID int
}

func NewStore(storage Storage, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{storage: storage, log: log, subs: map[int]func(State){}}
}

func (s *Store) State(ctx context.Context) (State, error) {
	return s.storage.Load(ctx)
}

// Subscribe registers fn for every committed state. The returned func
// unregisters it.
func (s *Store) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Store) publish(state State) {
	s.mu.Lock()
	fns := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(state.clone())
	}
}

func (s *Store) update(ctx context.Context, fn func(*State) error) (State, error) {
	changed := false
	state, err := s.storage.Update(ctx, func(st *State) error {
		err := fn(st)
		changed = err == nil
		return err
	})
	if err != nil {
		return State{}, err
	}
	if changed {
		s.publish(state)
	}
	return state, nil
}

// SetHighlight replaces the shared highlight. An empty range clears it.
func (s *Store) SetHighlight(ctx context.Context, r position.Range) error {
	if r.Empty() || r.IsSentinel() {
		return s.ClearHighlight(ctx)
	}
	_, err := s.update(ctx, func(st *State) error {
		st.HighlightRange = r
		return nil
	})
	return err
}

func (s *Store) ClearHighlight(ctx context.Context) error {
	_, err := s.update(ctx, func(st *State) error {
		if st.HighlightRange.IsSentinel() {
			return errUnchanged
		}
		st.HighlightRange = position.NoRange
		return nil
	})
	return err
}

func (s *Store) AddSuggestion(ctx context.Context, item SuggestionItem) error {
	if item.Range().Empty() {
		return ErrEmptyRange
	}
	_, err := s.update(ctx, func(st *State) error {
		if _, ok := st.Suggestion(item.ID); ok {
			return ErrDuplicateSuggestion
		}
		st.Suggestions = append(st.Suggestions, item)
		return nil
	})
	return err
}

// RemoveSuggestion deletes the item with id. Removing an absent id is a
// no-op reported as false.
func (s *Store) RemoveSuggestion(ctx context.Context, id string) (bool, error) {
	removed := false
	_, err := s.update(ctx, func(st *State) error {
		removed = false
		kept := make([]SuggestionItem, 0, len(st.Suggestions))
		for _, item := range st.Suggestions {
			if item.ID == id {
				removed = true
				continue
			}
			kept = append(kept, item)
		}
		if !removed {
			return errUnchanged
		}
		st.Suggestions = kept
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

// Remap carries every annotation through one document step. Entries that
// collapse are removed. It returns the number dropped.
func (s *Store) Remap(ctx context.Context, m position.Mapper) (int, error) {
	dropped := 0
	_, err := s.update(ctx, func(st *State) error {
		if !st.HasHighlight() && len(st.Suggestions) == 0 {
			return errUnchanged
		}
		dropped = st.remap(m)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if dropped > 0 {
		s.log.Debug("annotations dropped by remap", "count", dropped)
	}
	return dropped, nil
}

// Delete wipes the room's state. Safe to call repeatedly.
func (s *Store) Delete(ctx context.Context) error {
	return s.storage.Delete(ctx)
}
