package annotation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"inkwell/api/internal/position"
)

func storages(t *testing.T) map[string]Storage {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	rs := NewRedisStorage(client, "document-1")
	if err := rs.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return map[string]Storage{
		"memory": NewMemoryStorage(),
		"redis":  rs,
	}
}

func TestInitialStateShape(t *testing.T) {
	raw, err := json.Marshal(InitialState())
	if err != nil {
		t.Fatal(err)
	}
	want := `{"suggestions":[],"highlightRange":{"from":-1,"to":-1}}`
	if string(raw) != want {
		t.Fatalf("got %s, want %s", raw, want)
	}
}

func TestStoreHighlightAndSuggestions(t *testing.T) {
	for name, st := range storages(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := NewStore(st, nil)

			if err := s.SetHighlight(ctx, position.Range{From: 2, To: 6}); err != nil {
				t.Fatal(err)
			}
			item := SuggestionItem{ID: "s1", From: 10, To: 20, OriginalText: "old", SuggestedContent: "new"}
			if err := s.AddSuggestion(ctx, item); err != nil {
				t.Fatal(err)
			}
			if err := s.AddSuggestion(ctx, item); !errors.Is(err, ErrDuplicateSuggestion) {
				t.Fatalf("duplicate: got %v", err)
			}

			state, err := s.State(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if state.HighlightRange != (position.Range{From: 2, To: 6}) || len(state.Suggestions) != 1 {
				t.Fatalf("unexpected state %+v", state)
			}

			if err := s.SetHighlight(ctx, position.Range{From: 3, To: 3}); err != nil {
				t.Fatal(err)
			}
			state, _ = s.State(ctx)
			if !state.HighlightRange.IsSentinel() {
				t.Fatalf("highlight not cleared: %v", state.HighlightRange)
			}
		})
	}
}

func TestRemoveSuggestionIsIdempotent(t *testing.T) {
	for name, st := range storages(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := NewStore(st, nil)
			_ = s.AddSuggestion(ctx, SuggestionItem{ID: "a", From: 1, To: 4})

			removed, err := s.RemoveSuggestion(ctx, "a")
			if err != nil || !removed {
				t.Fatalf("first remove: removed=%v err=%v", removed, err)
			}
			removed, err = s.RemoveSuggestion(ctx, "a")
			if err != nil || removed {
				t.Fatalf("second remove: removed=%v err=%v", removed, err)
			}
		})
	}
}

func TestRemapShiftsAndDrops(t *testing.T) {
	for name, st := range storages(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := NewStore(st, nil)
			_ = s.SetHighlight(ctx, position.Range{From: 10, To: 20})
			_ = s.AddSuggestion(ctx, SuggestionItem{ID: "keep", From: 30, To: 35})
			_ = s.AddSuggestion(ctx, SuggestionItem{ID: "gone", From: 40, To: 45})

			// Insert 5 characters at 5.
			if _, err := s.Remap(ctx, position.NewStepMap(5, 5, 5)); err != nil {
				t.Fatal(err)
			}
			state, _ := s.State(ctx)
			if state.HighlightRange != (position.Range{From: 15, To: 25}) {
				t.Fatalf("highlight = %v", state.HighlightRange)
			}

			// Delete [44,51) which swallows "gone" ([45,50) after the shift).
			dropped, err := s.Remap(ctx, position.NewStepMap(44, 51, 0))
			if err != nil {
				t.Fatal(err)
			}
			if dropped != 1 {
				t.Fatalf("dropped = %d, want 1", dropped)
			}
			state, _ = s.State(ctx)
			if len(state.Suggestions) != 1 || state.Suggestions[0].ID != "keep" {
				t.Fatalf("suggestions = %+v", state.Suggestions)
			}
			if got := state.Suggestions[0].Range(); got != (position.Range{From: 35, To: 40}) {
				t.Fatalf("keep range = %v", got)
			}
		})
	}
}

func TestSubscribersSeeCommits(t *testing.T) {
	s := NewStore(NewMemoryStorage(), nil)
	var seen []State
	unsubscribe := s.Subscribe(func(st State) { seen = append(seen, st) })

	ctx := context.Background()
	_ = s.SetHighlight(ctx, position.Range{From: 1, To: 2})
	_, _ = s.RemoveSuggestion(ctx, "missing")
	unsubscribe()
	_ = s.ClearHighlight(ctx)

	if len(seen) != 1 {
		t.Fatalf("got %d notifications, want 1", len(seen))
	}
	if seen[0].HighlightRange != (position.Range{From: 1, To: 2}) {
		t.Fatalf("first notification %+v", seen[0])
	}
}

func TestRedisStorageDeleteResets(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	st := NewRedisStorage(client, "document-9")
	s := NewStore(st, nil)
	_ = s.AddSuggestion(ctx, SuggestionItem{ID: "x", From: 1, To: 2})
	if !mr.Exists("room:document-9:annotations") {
		t.Fatal("expected key to be written")
	}
	if err := s.Delete(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	state, err := s.State(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(state.Suggestions) != 0 || !state.HighlightRange.IsSentinel() {
		t.Fatalf("state after delete %+v", state)
	}
}

func TestRedisStorageRetriesWhenKeyChanges(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	other := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	defer other.Close()
	ctx := context.Background()

	st := NewRedisStorage(client, "document-2")
	if err := st.Init(ctx); err != nil {
		t.Fatal(err)
	}
	interloper := func(id string) {
		payload, _ := json.Marshal(State{
			Suggestions:    []SuggestionItem{{ID: id, From: 1, To: 2}},
			HighlightRange: position.NoRange,
		})
		if err := other.Set(ctx, "room:document-2:annotations", payload, 0).Err(); err != nil {
			t.Errorf("interloper write: %v", err)
		}
	}

	calls := 0
	state, err := st.Update(ctx, func(s *State) error {
		calls++
		if calls == 1 {
			interloper("theirs")
		}
		s.HighlightRange = position.Range{From: 3, To: 4}
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected one retry, fn ran %d times", calls)
	}
	if _, ok := state.Suggestion("theirs"); !ok || state.HighlightRange.From != 3 {
		t.Fatalf("retry must build on the concurrent write, got %+v", state)
	}

	calls = 0
	_, err = st.Update(ctx, func(s *State) error {
		calls++
		interloper("again")
		return nil
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if calls != maxTxAttempts {
		t.Fatalf("expected %d attempts, got %d", maxTxAttempts, calls)
	}
}

func TestConcurrentRemoveResolvesOnce(t *testing.T) {
	for name, st := range storages(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := NewStore(st, nil)
			if err := s.AddSuggestion(ctx, SuggestionItem{ID: "race", From: 1, To: 5}); err != nil {
				t.Fatal(err)
			}

			const workers = 16
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				removed int
			)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := s.RemoveSuggestion(ctx, "race")
					if err != nil {
						t.Errorf("remove: %v", err)
						return
					}
					if ok {
						mu.Lock()
						removed++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			if removed != 1 {
				t.Fatalf("expected exactly one removal, got %d", removed)
			}
		})
	}
}
