package sanitize

import (
	"html"
	"strings"

	xhtml "golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Elements dropped with everything beneath them.
var skipped = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Nav:      true,
	atom.Footer:   true,
	atom.Header:   true,
	atom.Template: true,
	atom.Form:     true,
}

var blocks = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true, atom.Tr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Section: true, atom.Article: true, atom.Blockquote: true, atom.Pre: true, atom.Td: true,
}

// StripHTML returns the visible text of a document and its <title>. Text
// without markup is only entity-decoded.
func StripHTML(text string) (string, string) {
	if !strings.ContainsRune(text, '<') {
		return html.UnescapeString(text), ""
	}
	doc, err := xhtml.Parse(strings.NewReader(text))
	if err != nil {
		return html.UnescapeString(text), ""
	}

	var b strings.Builder
	var title string
	var walk func(*xhtml.Node)
	walk = func(n *xhtml.Node) {
		switch n.Type {
		case xhtml.ElementNode:
			if n.DataAtom == atom.Title {
				if n.FirstChild != nil && title == "" {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
				return
			}
			if skipped[n.DataAtom] {
				return
			}
		case xhtml.TextNode:
			b.WriteString(n.Data)
		case xhtml.CommentNode:
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == xhtml.ElementNode && blocks[n.DataAtom] {
			b.WriteByte('\n')
		}
	}
	walk(doc)

	// The parser decodes entities once; double-encoded input needs a second pass.
	return html.UnescapeString(b.String()), title
}
