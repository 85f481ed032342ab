package richtext

import (
	"regexp"
	"strings"
	"sync"

	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"
)

var (
	headingLine = regexp.MustCompile(`^(#{1,3})\s+(.+)$`)
	bulletLine  = regexp.MustCompile(`^[-*]\s+(.+)$`)
	orderedLine = regexp.MustCompile(`^\d+\.\s+(.+)$`)
)

// inlineParserInstance only knows paragraphs, code spans and emphasis, so
// raw HTML, links and every other construct come through as literal text.
// The parser holds no per-call state and is shared.
var (
	inlineParserInstance parser.Parser
	inlineParserOnce     sync.Once
)

func getInlineParser() parser.Parser {
	inlineParserOnce.Do(func() {
		inlineParserInstance = parser.NewParser(
			parser.WithBlockParsers(
				util.Prioritized(parser.NewParagraphParser(), 1000),
			),
			parser.WithInlineParsers(
				util.Prioritized(parser.NewCodeSpanParser(), 100),
				util.Prioritized(parser.NewEmphasisParser(), 200),
			),
		)
	})
	return inlineParserInstance
}

// FromMarkdown converts the markdown subset produced by the assistant into a
// document node. The grammar is line oriented: `# `, `## `, `### ` start
// headings, `- ` and `* ` bullet items, `N. ` ordered items, a blank line
// ends a list and every other line is a paragraph. Blank input yields a
// single empty paragraph.
func FromMarkdown(markdown string) Node {
	if strings.TrimSpace(markdown) == "" {
		return EmptyDoc()
	}

	b := &blockBuilder{}
	for _, raw := range strings.Split(strings.ReplaceAll(markdown, "\r\n", "\n"), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			b.closeList()
			continue
		}
		if m := headingLine.FindStringSubmatch(line); m != nil {
			b.closeList()
			b.blocks = append(b.blocks, Node{
				Type:    TypeHeading,
				Attrs:   map[string]any{"level": len(m[1])},
				Content: parseInline(m[2]),
			})
			continue
		}
		if m := bulletLine.FindStringSubmatch(line); m != nil {
			b.listItem(TypeBulletList, m[1])
			continue
		}
		if m := orderedLine.FindStringSubmatch(line); m != nil {
			b.listItem(TypeOrderedList, m[1])
			continue
		}
		b.closeList()
		b.blocks = append(b.blocks, Node{Type: TypeParagraph, Content: parseInline(line)})
	}
	b.closeList()

	if len(b.blocks) == 0 {
		return EmptyDoc()
	}
	return Node{Type: TypeDoc, Content: b.blocks}
}

type blockBuilder struct {
	blocks []Node
	list   *Node
}

func (b *blockBuilder) listItem(listType, content string) {
	if b.list != nil && b.list.Type != listType {
		b.closeList()
	}
	if b.list == nil {
		b.list = &Node{Type: listType}
	}
	b.list.Content = append(b.list.Content, Node{
		Type:    TypeListItem,
		Content: []Node{{Type: TypeParagraph, Content: parseInline(content)}},
	})
}

func (b *blockBuilder) closeList() {
	if b.list == nil {
		return
	}
	b.blocks = append(b.blocks, *b.list)
	b.list = nil
}

// parseInline turns one line into text nodes carrying bold, italic and code
// marks. Adjacent runs with identical marks are merged.
func parseInline(line string) []Node {
	source := []byte(line)
	document := getInlineParser().Parse(text.NewReader(source))

	w := &inlineWalker{source: source}
	_ = ast.Walk(document, w.walk)
	return w.runs
}

type inlineWalker struct {
	source []byte
	runs   []Node

	// Counters rather than booleans so nested emphasis unwinds correctly.
	boldCount   int
	italicCount int
	codeCount   int
}

func (w *inlineWalker) walk(node ast.Node, entering bool) (ast.WalkStatus, error) {
	switch n := node.(type) {
	case *ast.Emphasis:
		delta := 1
		if !entering {
			delta = -1
		}
		if n.Level >= 2 {
			w.boldCount += delta
		} else {
			w.italicCount += delta
		}
	case *ast.CodeSpan:
		if entering {
			w.codeCount++
		} else {
			w.codeCount--
		}
	case *ast.Text:
		if entering {
			// Backslashes stay: an escaped marker is literal text, and so
			// is the backslash in front of it.
			w.appendRun(string(n.Segment.Value(w.source)))
			if n.SoftLineBreak() || n.HardLineBreak() {
				w.appendRun(" ")
			}
		}
	case *ast.String:
		if entering {
			w.appendRun(string(n.Value))
		}
	}
	return ast.WalkContinue, nil
}

func (w *inlineWalker) appendRun(value string) {
	if value == "" {
		return
	}
	marks := w.currentMarks()
	if last := len(w.runs) - 1; last >= 0 && sameMarks(w.runs[last].Marks, marks) {
		w.runs[last].Text += value
		return
	}
	w.runs = append(w.runs, Node{Type: TypeText, Text: value, Marks: marks})
}

func (w *inlineWalker) currentMarks() []Mark {
	var marks []Mark
	if w.boldCount > 0 {
		marks = append(marks, Mark{Type: "bold"})
	}
	if w.italicCount > 0 {
		marks = append(marks, Mark{Type: "italic"})
	}
	if w.codeCount > 0 {
		marks = append(marks, Mark{Type: "code"})
	}
	return marks
}

func sameMarks(a, b []Mark) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Type != b[i].Type {
			return false
		}
	}
	return true
}
