package position

// Span is one replaced region of a StepMap: OldSize cells starting at Start
// (in pre-mutation coordinates) were replaced with NewSize cells.
type Span struct {
	Start   int `json:"start"`
	OldSize int `json:"oldSize"`
	NewSize int `json:"newSize"`
}

// StepMap describes a single mutation. Spans must be sorted by Start and
// must not overlap.
type StepMap struct {
	Spans []Span `json:"spans"`
}

// NewStepMap returns the map for replacing [from, to) with newSize cells.
func NewStepMap(from, to, newSize int) StepMap {
	if from == to && newSize == 0 {
		return StepMap{}
	}
	return StepMap{Spans: []Span{{Start: from, OldSize: to - from, NewSize: newSize}}}
}

// Map implements Mapper.
//
// A position strictly inside a replaced span moves to the end of the
// replacement (assoc > 0) or its start (assoc <= 0). The start and end edges
// of a deletion always stick to the outside of the span.
func (m StepMap) Map(pos, assoc int) int {
	diff := 0
	for _, span := range m.Spans {
		if span.Start > pos {
			break
		}
		end := span.Start + span.OldSize
		if pos <= end {
			side := assoc
			if span.OldSize > 0 {
				if pos == span.Start {
					side = -1
				} else if pos == end {
					side = 1
				}
			}
			result := span.Start + diff
			if side > 0 {
				result += span.NewSize
			}
			return result
		}
		diff += span.NewSize - span.OldSize
	}
	return pos + diff
}

// Identity reports whether the map leaves every position unchanged.
func (m StepMap) Identity() bool {
	for _, span := range m.Spans {
		if span.OldSize != 0 || span.NewSize != 0 {
			return false
		}
	}
	return true
}

// Invert returns the map that undoes m: it takes post-mutation positions
// back to pre-mutation ones.
func (m StepMap) Invert() StepMap {
	if len(m.Spans) == 0 {
		return StepMap{}
	}
	out := StepMap{Spans: make([]Span, len(m.Spans))}
	diff := 0
	for i, span := range m.Spans {
		out.Spans[i] = Span{Start: span.Start + diff, OldSize: span.NewSize, NewSize: span.OldSize}
		diff += span.NewSize - span.OldSize
	}
	return out
}

// Mapping is the composed transform of a sequence of mutations, applied in
// the order they happened.
type Mapping struct {
	maps []StepMap
}

// NewMapping composes maps in order.
func NewMapping(maps ...StepMap) *Mapping {
	out := &Mapping{maps: make([]StepMap, 0, len(maps))}
	out.maps = append(out.maps, maps...)
	return out
}

// Append adds a later mutation to the composition.
func (m *Mapping) Append(step StepMap) {
	m.maps = append(m.maps, step)
}

// Len is the number of composed mutations.
func (m *Mapping) Len() int {
	return len(m.maps)
}

// Map implements Mapper.
func (m *Mapping) Map(pos, assoc int) int {
	for _, step := range m.maps {
		pos = step.Map(pos, assoc)
	}
	return pos
}
