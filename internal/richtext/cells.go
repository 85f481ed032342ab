package richtext

import (
	"inkwell/api/internal/document"
)

// Cells flattens a document node into the linear content model. Every block
// ends with a break cell describing it.
func Cells(doc Node) []document.Cell {
	var cells []document.Cell
	for _, block := range doc.Content {
		cells = appendBlock(cells, block)
	}
	return cells
}

// InsertionCells is Cells for content about to be inserted into an existing
// document: a lone paragraph is inserted inline, without a block break, so
// replacing a span inside a paragraph keeps the paragraph whole.
func InsertionCells(doc Node) []document.Cell {
	if len(doc.Content) == 1 && doc.Content[0].Type == TypeParagraph {
		return appendInline(nil, doc.Content[0].Content)
	}
	return Cells(doc)
}

func appendBlock(cells []document.Cell, block Node) []document.Cell {
	switch block.Type {
	case TypeHeading:
		cells = appendInline(cells, block.Content)
		return append(cells, document.Break(document.Block{Kind: document.BlockHeading, Level: headingLevel(block)}))
	case TypeBulletList, TypeOrderedList:
		kind := document.BlockBulletItem
		if block.Type == TypeOrderedList {
			kind = document.BlockOrderedItem
		}
		for _, item := range block.Content {
			for _, child := range item.Content {
				cells = appendInline(cells, inlineContent(child))
			}
			cells = append(cells, document.Break(document.Block{Kind: kind}))
		}
		return cells
	default:
		cells = appendInline(cells, inlineContent(block))
		return append(cells, document.Break(document.Block{Kind: document.BlockParagraph}))
	}
}

func inlineContent(node Node) []Node {
	if node.Type == TypeText {
		return []Node{node}
	}
	return node.Content
}

func appendInline(cells []document.Cell, content []Node) []document.Cell {
	for _, node := range content {
		if node.Type != TypeText {
			cells = appendInline(cells, node.Content)
			continue
		}
		var marks []document.Mark
		for _, m := range node.Marks {
			switch m.Type {
			case "bold", "italic", "code":
				marks = append(marks, document.Mark(m.Type))
			}
		}
		for _, r := range node.Text {
			if r == '\n' {
				r = ' '
			}
			cells = append(cells, document.Cell{Char: r, Marks: marks})
		}
	}
	return cells
}

// FromCells rebuilds a node tree from the linear model. Consecutive list
// lines of the same kind are grouped into one list. Trailing cells without a
// terminating break form a final paragraph.
func FromCells(cells []document.Cell) Node {
	var blocks []Node
	var list *Node

	closeList := func() {
		if list != nil {
			blocks = append(blocks, *list)
			list = nil
		}
	}

	start := 0
	for i := 0; i <= len(cells); i++ {
		atEnd := i == len(cells)
		if !atEnd && !cells[i].IsBreak() {
			continue
		}
		if atEnd && start == len(cells) {
			break
		}
		inline := runs(cells[start:i])
		block := document.Block{Kind: document.BlockParagraph}
		if !atEnd {
			block = cells[i].BlockOf()
		}
		start = i + 1

		switch block.Kind {
		case document.BlockBulletItem, document.BlockOrderedItem:
			listType := TypeBulletList
			if block.Kind == document.BlockOrderedItem {
				listType = TypeOrderedList
			}
			if list != nil && list.Type != listType {
				closeList()
			}
			if list == nil {
				list = &Node{Type: listType}
			}
			list.Content = append(list.Content, Node{
				Type:    TypeListItem,
				Content: []Node{{Type: TypeParagraph, Content: inline}},
			})
		case document.BlockHeading:
			closeList()
			blocks = append(blocks, Node{Type: TypeHeading, Attrs: map[string]any{"level": block.Level}, Content: inline})
		default:
			closeList()
			blocks = append(blocks, Node{Type: TypeParagraph, Content: inline})
		}
	}
	closeList()

	if len(blocks) == 0 {
		return EmptyDoc()
	}
	return Node{Type: TypeDoc, Content: blocks}
}

func runs(cells []document.Cell) []Node {
	var out []Node
	for i, c := range cells {
		if i > 0 && c.SameMarks(cells[i-1]) {
			out[len(out)-1].Text += string(c.Char)
			continue
		}
		var marks []Mark
		for _, m := range c.Marks {
			marks = append(marks, Mark{Type: string(m)})
		}
		out = append(out, Node{Type: TypeText, Text: string(c.Char), Marks: marks})
	}
	return out
}
