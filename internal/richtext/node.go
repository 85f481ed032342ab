// Package richtext converts between the ProseMirror JSON node tree used by
// editors, the linear cell model of the document engine, markdown produced by
// language models, and HTML.
package richtext

// Node represents a node in the ProseMirror document tree
type Node struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []Node         `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
}

// Mark represents a text mark (formatting)
type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

const (
	TypeDoc         = "doc"
	TypeParagraph   = "paragraph"
	TypeHeading     = "heading"
	TypeBulletList  = "bulletList"
	TypeOrderedList = "orderedList"
	TypeListItem    = "listItem"
	TypeText        = "text"
)

// EmptyDoc is a document holding a single empty paragraph.
func EmptyDoc() Node {
	return Node{Type: TypeDoc, Content: []Node{{Type: TypeParagraph}}}
}

// headingLevel reads the level attribute, which is an int when built in
// process and a float64 after a JSON round trip.
func headingLevel(node Node) int {
	level := 1
	switch v := node.Attrs["level"].(type) {
	case int:
		level = v
	case float64:
		level = int(v)
	}
	if level < 1 {
		return 1
	}
	if level > 6 {
		return 6
	}
	return level
}

// PlainText concatenates the text of node, one line per block.
func PlainText(node Node) string {
	switch node.Type {
	case TypeText:
		return node.Text
	case TypeDoc, TypeBulletList, TypeOrderedList:
		out := ""
		for i, child := range node.Content {
			if i > 0 {
				out += "\n"
			}
			out += PlainText(child)
		}
		return out
	default:
		out := ""
		for _, child := range node.Content {
			out += PlainText(child)
		}
		return out
	}
}
