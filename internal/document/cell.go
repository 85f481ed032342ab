// Package document is the in-process document engine: a linear rich-text
// content model whose mutations report the position transform they imply.
package document

import "slices"

// Mark is an inline format applied to a text cell.
type Mark string

const (
	MarkBold   Mark = "bold"
	MarkItalic Mark = "italic"
	MarkCode   Mark = "code"
)

// BlockKind is the kind of block a newline cell terminates.
type BlockKind string

const (
	BlockParagraph   BlockKind = "paragraph"
	BlockHeading     BlockKind = "heading"
	BlockBulletItem  BlockKind = "bulletList"
	BlockOrderedItem BlockKind = "orderedList"
)

// Block describes the block ended by a newline cell.
type Block struct {
	Kind  BlockKind `json:"kind"`
	Level int       `json:"level,omitempty"`
}

// Cell is one position of the content model. Text cells carry a rune and
// marks; newline cells carry the Block they terminate.
type Cell struct {
	Char  rune   `json:"c"`
	Marks []Mark `json:"m,omitempty"`
	Block *Block `json:"b,omitempty"`
}

// IsBreak reports whether the cell terminates a block.
func (c Cell) IsBreak() bool {
	return c.Char == '\n'
}

// SameMarks reports whether two cells carry the same marks in the same order.
func (c Cell) SameMarks(other Cell) bool {
	return slices.Equal(c.Marks, other.Marks)
}

// BlockOf returns the block a break cell terminates, defaulting to a paragraph.
func (c Cell) BlockOf() Block {
	if c.Block == nil {
		return Block{Kind: BlockParagraph}
	}
	return *c.Block
}

// Break returns a newline cell terminating the given block.
func Break(block Block) Cell {
	b := block
	return Cell{Char: '\n', Block: &b}
}

// TextCells converts plain text into unmarked cells. Newlines become
// paragraph breaks.
func TextCells(text string) []Cell {
	cells := make([]Cell, 0, len(text))
	for _, r := range text {
		if r == '\n' {
			cells = append(cells, Break(Block{Kind: BlockParagraph}))
			continue
		}
		cells = append(cells, Cell{Char: r})
	}
	return cells
}
