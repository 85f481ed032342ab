package richtext

import (
	"fmt"
	"html"
	"strings"
)

// ToHTML renders a node tree as HTML. Text is always escaped.
func ToHTML(node Node) string {
	switch node.Type {
	case TypeDoc:
		return renderContent(node.Content)
	case TypeParagraph:
		return fmt.Sprintf("<p>%s</p>\n", renderContent(node.Content))
	case TypeHeading:
		level := headingLevel(node)
		return fmt.Sprintf("<h%d>%s</h%d>\n", level, renderContent(node.Content), level)
	case TypeBulletList:
		return fmt.Sprintf("<ul>\n%s</ul>\n", renderContent(node.Content))
	case TypeOrderedList:
		return fmt.Sprintf("<ol>\n%s</ol>\n", renderContent(node.Content))
	case TypeListItem:
		return fmt.Sprintf("<li>%s</li>\n", renderListItem(node.Content))
	case TypeText:
		return renderTextWithMarks(node.Text, node.Marks)
	default:
		// Unknown node type - render content if any
		return renderContent(node.Content)
	}
}

func renderContent(content []Node) string {
	var result strings.Builder
	for _, child := range content {
		result.WriteString(ToHTML(child))
	}
	return result.String()
}

// renderListItem keeps tight list items on one line: a lone paragraph child
// is rendered without its <p> wrapper.
func renderListItem(content []Node) string {
	if len(content) == 1 && content[0].Type == TypeParagraph {
		return renderContent(content[0].Content)
	}
	return renderContent(content)
}

// renderTextWithMarks renders text with formatting marks
func renderTextWithMarks(text string, marks []Mark) string {
	if text == "" {
		return ""
	}

	htmlText := html.EscapeString(text)

	// Apply marks from outside in
	for i := len(marks) - 1; i >= 0; i-- {
		switch marks[i].Type {
		case "bold":
			htmlText = fmt.Sprintf("<strong>%s</strong>", htmlText)
		case "italic":
			htmlText = fmt.Sprintf("<em>%s</em>", htmlText)
		case "code":
			htmlText = fmt.Sprintf("<code>%s</code>", htmlText)
		}
	}

	return htmlText
}
