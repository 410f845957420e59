package normalize

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// flattenHTML reduces a formatted body to plain text: block elements
// become line breaks, fallback reply quotes (mx-reply) are dropped, and
// everything else keeps its text content. Returns "" on unparseable
// input so callers can fall back to the plain body.
func flattenHTML(src string) string {
	nodes, err := html.ParseFragment(strings.NewReader(src), &html.Node{
		Type:     html.ElementNode,
		Data:     "div",
		DataAtom: atom.Div,
	})
	if err != nil {
		return ""
	}
	var b strings.Builder
	for _, node := range nodes {
		flattenNode(&b, node)
	}
	return strings.TrimSpace(collapseBlankLines(b.String()))
}

func flattenNode(b *strings.Builder, node *html.Node) {
	switch node.Type {
	case html.TextNode:
		b.WriteString(node.Data)
		return
	case html.ElementNode:
		switch node.DataAtom {
		case atom.Br:
			b.WriteString("\n")
			return
		case atom.Script, atom.Style:
			return
		}
		if node.Data == "mx-reply" {
			return
		}
	}
	block := isBlockElement(node)
	if block {
		ensureBreak(b)
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		flattenNode(b, child)
	}
	if block {
		ensureBreak(b)
	}
}

func ensureBreak(b *strings.Builder) {
	s := b.String()
	if len(s) > 0 && s[len(s)-1] != '\n' {
		b.WriteString("\n")
	}
}

func isBlockElement(node *html.Node) bool {
	if node.Type != html.ElementNode {
		return false
	}
	switch node.DataAtom {
	case atom.P, atom.Div, atom.Pre, atom.Blockquote, atom.Li,
		atom.Ul, atom.Ol, atom.Table, atom.Tr,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		return true
	}
	return false
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		trimmed := strings.TrimRight(line, " \t")
		if strings.TrimSpace(trimmed) == "" {
			if blank {
				continue
			}
			blank = true
			out = append(out, "")
			continue
		}
		blank = false
		out = append(out, trimmed)
	}
	return strings.Join(out, "\n")
}
