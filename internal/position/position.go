// Package position translates document offsets across revisions.
//
// A Range is only meaningful against the revision it was computed for. Every
// mutation produced by the document engine comes with a StepMap describing
// which spans it replaced; Remap carries a Range through one of those maps.
package position

import "fmt"

// Range is a span of document content. From <= To; a range with From == To
// is empty and carries no highlight.
type Range struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// NoRange is the sentinel stored when no highlight is active.
var NoRange = Range{From: -1, To: -1}

// Empty reports whether the range covers no content.
func (r Range) Empty() bool {
	return r.From >= r.To
}

// IsSentinel reports whether r is the absent-range marker (or any negative range).
func (r Range) IsSentinel() bool {
	return r.From < 0 || r.To < 0
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.From, r.To)
}

// Mapper is the transform primitive exposed by the document engine.
type Mapper interface {
	// Map returns pos in post-mutation coordinates. assoc decides which side
	// a position sticks to when content is inserted exactly at it: > 0 moves
	// it past the insertion, <= 0 keeps it before.
	Map(pos, assoc int) int
}

// Remap carries r through m. Both ends are mapped with assoc = +1 so content
// inserted at either boundary ends up before the position. The second result
// is false when the mapped range collapsed and must be treated as invalid.
func Remap(r Range, m Mapper) (Range, bool) {
	if r.IsSentinel() {
		return NoRange, false
	}
	mapped := Range{From: m.Map(r.From, 1), To: m.Map(r.To, 1)}
	if mapped.From >= mapped.To {
		return mapped, false
	}
	return mapped, true
}
