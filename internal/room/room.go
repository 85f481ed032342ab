// Package room hosts live documents: one engine instance, its shared
// annotation state, and the collaborators connected to it.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"inkwell/api/internal/annotation"
	"inkwell/api/internal/document"
	"inkwell/api/internal/events"
	"inkwell/api/internal/identity"
	"inkwell/api/internal/position"
	"inkwell/api/internal/richtext"
	"inkwell/api/internal/search"
	"inkwell/api/internal/store"
	"inkwell/api/internal/util"
)

var (
	// ErrStaleRange means a range or position no longer exists in the
	// current document. Nothing was changed.
	ErrStaleRange = errors.New("range no longer valid in the document")
	ErrClosed     = errors.New("room closed")
	// ErrAnnotationsUnavailable means the shared annotations could not follow
	// an edit. The edit was taken back.
	ErrAnnotationsUnavailable = errors.New("annotations could not be updated")
)

// Selection is a range as a client saw it at Revision.
type Selection struct {
	From     int `json:"from"`
	To       int `json:"to"`
	Revision int `json:"revision"`
}

func (s Selection) Range() position.Range {
	return position.Range{From: s.From, To: s.To}
}

// Cursor is a caret position as a client saw it at Revision.
type Cursor struct {
	Pos      int `json:"pos"`
	Revision int `json:"revision"`
}

// Captured is a selection rebased to the current revision with its text.
type Captured struct {
	Range    position.Range
	Revision int
	Text     string
}

type Room struct {
	id  string
	reg *Registry
	log *slog.Logger

	mu          sync.Mutex
	doc         *document.Doc
	title       string
	annotations *annotation.Store
	unsubscribe func()
	stopLease   func()
	closed      bool
	// pending is the latest committed annotation state not yet broadcast.
	// The store observer sets it; every store write happens under mu.
	pending *annotation.State

	subsMu sync.Mutex
	subs   map[string]*Subscriber

	saver *saver
}

func (r *Room) ID() string { return r.id }

func (r *Room) Revision() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Revision()
}

// Annotations returns the shared annotation state.
func (r *Room) Annotations(ctx context.Context) (annotation.State, error) {
	return r.annotations.State(ctx)
}

// DocumentText returns the plain text and the revision it belongs to.
func (r *Room) DocumentText() (string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Text(), r.doc.Revision()
}

// Apply rebases steps computed against baseRevision onto the current
// document and applies them in order. After each step the annotation store
// is remapped through that step's map. Steps applied before a failure stay
// applied and are returned.
func (r *Room) Apply(ctx context.Context, origin string, baseRevision int, steps []document.Step) (int, []document.Step, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, nil, ErrClosed
	}
	if len(steps) == 0 {
		return r.doc.Revision(), nil, nil
	}

	applied, err := r.applyLocked(ctx, baseRevision, steps)
	if len(applied) > 0 {
		r.flushLocked(origin, applied)
		r.saver.schedule()
	}
	return r.doc.Revision(), applied, err
}

func (r *Room) applyLocked(ctx context.Context, base int, steps []document.Step) ([]document.Step, error) {
	others, err := r.doc.MappingSince(base)
	if err != nil {
		return nil, err
	}

	var own, ownRebased []position.StepMap
	applied := make([]document.Step, 0, len(steps))
	for _, step := range steps {
		rebased := step
		if others.Len() > 0 {
			rebased.From = rebasePos(step.From, own, others, ownRebased)
			rebased.To = rebasePos(step.To, own, others, ownRebased)
			if rebased.To < rebased.From {
				rebased.To = rebased.From
			}
		}
		stepMap, err := r.doc.Apply(rebased)
		if err != nil {
			return applied, fmt.Errorf("step %d: %w", len(applied), err)
		}
		if err := r.remapLocked(ctx, stepMap); err != nil {
			return applied, fmt.Errorf("step %d: %w", len(applied), err)
		}
		r.reg.metrics.StepsApplied.Inc()

		own = append(own, position.NewStepMap(step.From, step.To, len(step.Cells)))
		ownRebased = append(ownRebased, stepMap)
		applied = append(applied, rebased)
	}
	return applied, nil
}

// rebasePos moves a position from the client's coordinates (base revision
// plus its own earlier steps) to the server's: undo the client's own steps,
// apply everyone else's, then redo the client's steps as they were applied.
func rebasePos(pos int, own []position.StepMap, others *position.Mapping, ownRebased []position.StepMap) int {
	for i := len(own) - 1; i >= 0; i-- {
		pos = own[i].Invert().Map(pos, 1)
	}
	pos = others.Map(pos, 1)
	for _, m := range ownRebased {
		pos = m.Map(pos, 1)
	}
	return pos
}

// remapLocked carries the annotations through the step just applied. If
// they cannot be remapped the step is undone, so no annotation is ever left
// pointing at coordinates of an older revision.
func (r *Room) remapLocked(ctx context.Context, m position.StepMap) error {
	dropped, err := r.annotations.Remap(ctx, m)
	if err != nil {
		if undoErr := r.doc.Undo(); undoErr != nil {
			return fmt.Errorf("%w: %w (undo: %v)", ErrAnnotationsUnavailable, err, undoErr)
		}
		r.log.Error("remap annotations failed, step undone", "document", r.id, "revision", r.doc.Revision(), "error", err)
		return fmt.Errorf("%w: %w", ErrAnnotationsUnavailable, err)
	}
	if dropped > 0 {
		r.reg.metrics.AnnotationsDropped.Add(float64(dropped))
	}
	return nil
}

// flushLocked broadcasts what changed during one room operation. Steps
// always go out together with the annotation state they produced.
func (r *Room) flushLocked(origin string, steps []document.Step) {
	ann := r.pending
	r.pending = nil
	switch {
	case len(steps) > 0:
		r.broadcast(Frame{Type: FrameSteps, Revision: r.doc.Revision(), Origin: origin, Steps: steps, Annotations: ann})
	case ann != nil:
		r.broadcast(Frame{Type: FrameAnnotations, Revision: r.doc.Revision(), Annotations: ann})
	}
}

func (r *Room) broadcast(f Frame) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for id, sub := range r.subs {
		if !sub.enqueue(f) {
			r.log.Warn("dropping slow collaborator", "document", r.id, "subscriber", id)
			delete(r.subs, id)
			sub.Close()
			r.reg.metrics.Connections.Dec()
		}
	}
}

func (r *Room) rebaseLocked(sel Selection) (position.Range, error) {
	rng, err := r.doc.Rebase(sel.Range(), sel.Revision)
	if err != nil {
		return position.NoRange, fmt.Errorf("%w: %w", ErrStaleRange, err)
	}
	if rng.To > r.doc.Size() {
		return position.NoRange, fmt.Errorf("%w: %s beyond size %d", ErrStaleRange, rng, r.doc.Size())
	}
	return rng, nil
}

// SelectionText rebases sel and reads its text. ok is false for empty or
// collapsed selections.
func (r *Room) SelectionText(sel Selection) (Captured, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selectionLocked(sel)
}

func (r *Room) selectionLocked(sel Selection) (Captured, bool, error) {
	if sel.Range().Empty() || sel.Range().IsSentinel() {
		return Captured{}, false, nil
	}
	rng, err := r.rebaseLocked(sel)
	if err != nil {
		if errors.Is(err, document.ErrInvalidRange) {
			return Captured{}, false, nil
		}
		return Captured{}, false, err
	}
	text, err := r.doc.TextBetween(rng.From, rng.To)
	if err != nil {
		return Captured{}, false, fmt.Errorf("%w: %v", ErrStaleRange, err)
	}
	return Captured{Range: rng, Revision: r.doc.Revision(), Text: text}, true, nil
}

// Capture reads sel and publishes it as the room's shared highlight.
func (r *Room) Capture(ctx context.Context, sel Selection) (Captured, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Captured{}, false, ErrClosed
	}
	captured, ok, err := r.selectionLocked(sel)
	if err != nil || !ok {
		return captured, ok, err
	}
	if err := r.annotations.SetHighlight(ctx, captured.Range); err != nil {
		return Captured{}, false, fmt.Errorf("set highlight: %w", err)
	}
	r.flushLocked("", nil)
	return captured, true, nil
}

func (r *Room) ClearHighlight(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if err := r.annotations.ClearHighlight(ctx); err != nil {
		return fmt.Errorf("clear highlight: %w", err)
	}
	r.flushLocked("", nil)
	return nil
}

// InsertAt inserts cells at a cursor position given at an older revision.
func (r *Room) InsertAt(ctx context.Context, origin string, cur Cursor, cells []document.Cell) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrClosed
	}
	pos, err := r.doc.RebasePos(cur.Pos, cur.Revision)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStaleRange, err)
	}
	if err := r.applyOneLocked(ctx, origin, document.Step{From: pos, To: pos, Cells: cells}); err != nil {
		return 0, err
	}
	return r.doc.Revision(), nil
}

// ReplaceRange replaces the content a selection pointed at. The range is
// rebased through every step since its revision; if it no longer exists
// nothing is touched and ErrStaleRange is returned. The shared highlight is
// cleared on success.
func (r *Room) ReplaceRange(ctx context.Context, origin string, sel Selection, cells []document.Cell) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrClosed
	}
	rng, err := r.rebaseLocked(sel)
	if err != nil {
		return 0, err
	}
	if err := r.applyOneLocked(ctx, origin, document.Step{From: rng.From, To: rng.To, Cells: cells}); err != nil {
		return 0, err
	}
	if err := r.annotations.ClearHighlight(ctx); err != nil {
		r.log.Warn("clear highlight after replace", "document", r.id, "error", err)
	}
	r.flushLocked("", nil)
	return r.doc.Revision(), nil
}

func (r *Room) applyOneLocked(ctx context.Context, origin string, step document.Step) error {
	stepMap, err := r.doc.Apply(step)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStaleRange, err)
	}
	if err := r.remapLocked(ctx, stepMap); err != nil {
		return err
	}
	r.reg.metrics.StepsApplied.Inc()
	r.flushLocked(origin, []document.Step{step})
	r.saver.schedule()
	return nil
}

// AddSuggestion records a pending edit over sel, rebased to the current
// revision.
func (r *Room) AddSuggestion(ctx context.Context, sel Selection, originalText, suggested string) (annotation.SuggestionItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return annotation.SuggestionItem{}, ErrClosed
	}
	rng, err := r.rebaseLocked(sel)
	if err != nil {
		return annotation.SuggestionItem{}, err
	}
	item := annotation.SuggestionItem{
		ID:               util.NewID("sugg"),
		From:             rng.From,
		To:               rng.To,
		OriginalText:     originalText,
		SuggestedContent: suggested,
	}
	if err := r.annotations.AddSuggestion(ctx, item); err != nil {
		return annotation.SuggestionItem{}, fmt.Errorf("add suggestion: %w", err)
	}
	r.flushLocked("", nil)
	return item, nil
}

// Accept applies a suggestion at its current range and removes it. An id
// that is no longer present is a no-op reporting false. When the range
// cannot be applied the suggestion stays and ErrStaleRange is returned.
func (r *Room) Accept(ctx context.Context, origin, suggestionID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false, ErrClosed
	}
	state, err := r.annotations.State(ctx)
	if err != nil {
		return false, fmt.Errorf("load annotations: %w", err)
	}
	item, ok := state.Suggestion(suggestionID)
	if !ok {
		return false, nil
	}
	if item.Range().Empty() {
		return false, fmt.Errorf("%w: suggestion %s is empty", ErrStaleRange, suggestionID)
	}

	cells := richtext.InsertionCells(richtext.FromMarkdown(item.SuggestedContent))
	if err := r.applyOneLocked(ctx, origin, document.Step{From: item.From, To: item.To, Cells: cells}); err != nil {
		return false, err
	}
	if _, err := r.annotations.RemoveSuggestion(ctx, suggestionID); err != nil {
		return true, fmt.Errorf("remove accepted suggestion: %w", err)
	}
	r.flushLocked("", nil)
	r.resolved("accept", suggestionID)
	return true, nil
}

// Reject removes a suggestion. Rejecting an absent id reports false.
func (r *Room) Reject(ctx context.Context, suggestionID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false, ErrClosed
	}
	removed, err := r.annotations.RemoveSuggestion(ctx, suggestionID)
	if err != nil {
		return false, fmt.Errorf("remove suggestion: %w", err)
	}
	if removed {
		r.flushLocked("", nil)
		r.resolved("reject", suggestionID)
	}
	return removed, nil
}

func (r *Room) resolved(action, suggestionID string) {
	r.reg.metrics.SuggestionsResolved.WithLabelValues(action).Inc()
	subject := events.SubjectSuggestionAccept
	if action == "reject" {
		subject = events.SubjectSuggestionReject
	}
	msg := events.SuggestionResolved{DocumentID: r.id, SuggestionID: suggestionID, At: time.Now().UTC()}
	if err := r.reg.events.Publish(subject, msg); err != nil {
		r.log.Warn("publish suggestion event", "document", r.id, "error", err)
	}
}

func (r *Room) Title() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.title
}

// Rename updates the title. Persisting it is best-effort.
func (r *Room) Rename(ctx context.Context, title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		title = store.DefaultTitle
	}
	r.mu.Lock()
	r.title = title
	text := r.doc.Text()
	r.mu.Unlock()

	if err := r.reg.docs.Rename(ctx, r.id, title); err != nil {
		r.log.Warn("persist title failed", "document", r.id, "error", err)
	}
	r.reg.index(search.DocumentRecord{ID: r.id, Title: title, Text: text})
	return title
}

func (r *Room) Snapshot(ctx context.Context) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(ctx)
}

func (r *Room) snapshotLocked(ctx context.Context) (Snapshot, error) {
	state, err := r.annotations.State(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load annotations: %w", err)
	}
	cells := r.doc.Cells()
	node := richtext.FromCells(cells)
	return Snapshot{
		ID:          r.id,
		Title:       r.title,
		Revision:    r.doc.Revision(),
		Text:        r.doc.Text(),
		Cells:       cells,
		Doc:         node,
		HTML:        richtext.ToHTML(node),
		Annotations: state,
	}, nil
}

// Join registers a collaborator. The snapshot is queued before any later
// frame.
func (r *Room) Join(ctx context.Context, who identity.Identity) (*Subscriber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	snap, err := r.snapshotLocked(ctx)
	if err != nil {
		return nil, err
	}
	sub := newSubscriber(util.NewID("sub"), who, r.reg.sendQueue)
	sub.enqueue(Frame{Type: FrameSnapshot, Revision: snap.Revision, Snapshot: &snap})

	r.subsMu.Lock()
	r.subs[sub.ID] = sub
	r.subsMu.Unlock()
	r.reg.metrics.Connections.Inc()

	r.broadcastPresence()
	return sub, nil
}

func (r *Room) Leave(sub *Subscriber) {
	r.subsMu.Lock()
	_, ok := r.subs[sub.ID]
	delete(r.subs, sub.ID)
	r.subsMu.Unlock()
	sub.Close()
	if ok {
		r.reg.metrics.Connections.Dec()
		r.broadcastPresence()
	}
}

func (r *Room) broadcastPresence() {
	r.subsMu.Lock()
	people := make([]identity.Identity, 0, len(r.subs))
	for _, sub := range r.subs {
		people = append(people, sub.Identity)
	}
	r.subsMu.Unlock()
	r.broadcast(Frame{Type: FramePresence, Presence: people})
}

// saveSnapshot persists content and refreshes the search index.
func (r *Room) saveSnapshot() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	cells := r.doc.Cells()
	doc := store.Document{ID: r.id, Text: r.doc.Text(), Revision: r.doc.Revision()}
	title := r.title
	r.mu.Unlock()

	content, err := json.Marshal(cells)
	if err != nil {
		r.log.Error("marshal snapshot", "document", r.id, "error", err)
		return
	}
	doc.Content = content

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.reg.docs.SaveSnapshot(ctx, doc); err != nil {
		r.log.Warn("save snapshot failed", "document", r.id, "revision", doc.Revision, "error", err)
		return
	}
	r.reg.index(search.DocumentRecord{ID: r.id, Title: title, Text: doc.Text})
}

type closeReason int

const (
	closeSaved closeReason = iota
	closeDeleted
	// closeLost means another instance took the room over.
	closeLost
)

// shutdown disconnects everyone. Pending saves finish first only on a
// regular close.
func (r *Room) shutdown(reason closeReason) {
	if reason == closeSaved {
		r.saver.flush()
	}
	r.saver.stop()

	r.mu.Lock()
	r.closed = true
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
	r.mu.Unlock()

	if r.stopLease != nil {
		r.stopLease()
	}
	if reason != closeLost {
		r.reg.release(r.id)
	}

	if reason == closeDeleted {
		r.broadcast(Frame{Type: FrameDeleted})
	}
	r.subsMu.Lock()
	for id, sub := range r.subs {
		sub.Close()
		delete(r.subs, id)
		r.reg.metrics.Connections.Dec()
	}
	r.subsMu.Unlock()
}
