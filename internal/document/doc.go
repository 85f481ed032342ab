package document

import (
	"errors"
	"fmt"
	"strings"

	"inkwell/api/internal/position"
)

const DefaultHistoryLimit = 4096

var (
	// ErrInvalidRange is returned when a step targets positions the current
	// revision does not have.
	ErrInvalidRange = errors.New("range not valid in current revision")
	// ErrRevisionTooOld is returned when the step history no longer reaches
	// back to the requested revision.
	ErrRevisionTooOld = errors.New("revision no longer in history")
	// ErrRevisionAhead is returned for revisions the document has not reached.
	ErrRevisionAhead = errors.New("revision ahead of document")
	ErrNothingToUndo = errors.New("no step to undo")
)

// Step replaces [From, To) with Cells.
type Step struct {
	From  int    `json:"from"`
	To    int    `json:"to"`
	Cells []Cell `json:"cells,omitempty"`
}

// Doc is a single document replica. It is not safe for concurrent use; the
// owning room serializes access.
type Doc struct {
	cells    []Cell
	revision int

	// history[i] advanced the document from historyBase+i to historyBase+i+1.
	history      []position.StepMap
	historyBase  int
	historyLimit int

	// last lets the most recent Apply be taken back.
	last *applied
}

type applied struct {
	from     int
	inserted int
	removed  []Cell
	trimmed  []position.StepMap
}

// New returns a document holding cells at the given revision. An empty cell
// slice yields a single empty paragraph.
func New(cells []Cell, revision, historyLimit int) *Doc {
	if len(cells) == 0 {
		cells = []Cell{Break(Block{Kind: BlockParagraph})}
	}
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Doc{
		cells:        append([]Cell(nil), cells...),
		revision:     revision,
		historyBase:  revision,
		historyLimit: historyLimit,
	}
}

func (d *Doc) Size() int     { return len(d.cells) }
func (d *Doc) Revision() int { return d.revision }

// Cells returns a copy of the content.
func (d *Doc) Cells() []Cell {
	return append([]Cell(nil), d.cells...)
}

// Apply performs one step and returns the position transform it implies.
func (d *Doc) Apply(step Step) (position.StepMap, error) {
	if step.From < 0 || step.From > step.To || step.To > len(d.cells) {
		return position.StepMap{}, fmt.Errorf("apply [%d,%d) to size %d: %w", step.From, step.To, len(d.cells), ErrInvalidRange)
	}

	last := &applied{
		from:     step.From,
		inserted: len(step.Cells),
		removed:  append([]Cell(nil), d.cells[step.From:step.To]...),
	}
	d.cells = splice(d.cells, step.From, step.To, step.Cells)

	stepMap := position.NewStepMap(step.From, step.To, len(step.Cells))
	d.revision++
	d.history = append(d.history, stepMap)
	if over := len(d.history) - d.historyLimit; over > 0 {
		last.trimmed = append([]position.StepMap(nil), d.history[:over]...)
		d.history = append([]position.StepMap(nil), d.history[over:]...)
		d.historyBase += over
	}
	d.last = last
	return stepMap, nil
}

// Undo takes back the most recent Apply, restoring content, revision and
// history. Only one step can be undone.
func (d *Doc) Undo() error {
	last := d.last
	if last == nil {
		return ErrNothingToUndo
	}
	d.last = nil
	d.cells = splice(d.cells, last.from, last.from+last.inserted, last.removed)
	d.revision--
	d.history = d.history[:len(d.history)-1]
	if len(last.trimmed) > 0 {
		d.history = append(append([]position.StepMap(nil), last.trimmed...), d.history...)
		d.historyBase -= len(last.trimmed)
	}
	return nil
}

func splice(cells []Cell, from, to int, insert []Cell) []Cell {
	next := make([]Cell, 0, len(cells)-(to-from)+len(insert))
	next = append(next, cells[:from]...)
	next = append(next, insert...)
	return append(next, cells[to:]...)
}

// MappingSince composes every step applied after revision rev.
func (d *Doc) MappingSince(rev int) (*position.Mapping, error) {
	switch {
	case rev > d.revision:
		return nil, fmt.Errorf("revision %d (current %d): %w", rev, d.revision, ErrRevisionAhead)
	case rev < d.historyBase:
		return nil, fmt.Errorf("revision %d (oldest %d): %w", rev, d.historyBase, ErrRevisionTooOld)
	}
	return position.NewMapping(d.history[rev-d.historyBase:]...), nil
}

// Rebase maps a range computed at revision rev to the current revision. It
// fails with ErrInvalidRange if the range collapsed on the way.
func (d *Doc) Rebase(r position.Range, rev int) (position.Range, error) {
	if r.IsSentinel() || r.Empty() {
		return position.NoRange, fmt.Errorf("range %s: %w", r, ErrInvalidRange)
	}
	mapping, err := d.MappingSince(rev)
	if err != nil {
		return position.NoRange, err
	}
	if mapping.Len() == 0 {
		return r, nil
	}
	mapped, ok := position.Remap(r, mapping)
	if !ok {
		return position.NoRange, fmt.Errorf("range %s collapsed since revision %d: %w", r, rev, ErrInvalidRange)
	}
	return mapped, nil
}

// RebasePos maps a single position from revision rev, sticking after
// content inserted exactly at it.
func (d *Doc) RebasePos(pos, rev int) (int, error) {
	mapping, err := d.MappingSince(rev)
	if err != nil {
		return 0, err
	}
	return mapping.Map(pos, 1), nil
}

// Text returns the plain text of the document, one line per block.
func (d *Doc) Text() string {
	return strings.TrimRight(cellsText(d.cells), "\n")
}

// TextBetween returns the plain text of [from, to).
func (d *Doc) TextBetween(from, to int) (string, error) {
	if from < 0 || from > to || to > len(d.cells) {
		return "", fmt.Errorf("text between [%d,%d) of size %d: %w", from, to, len(d.cells), ErrInvalidRange)
	}
	return cellsText(d.cells[from:to]), nil
}

func cellsText(cells []Cell) string {
	var b strings.Builder
	for _, c := range cells {
		b.WriteRune(c.Char)
	}
	return b.String()
}
