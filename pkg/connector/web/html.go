package web

import (
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/quka-ai/conhub/pkg/utils"
)

var skipped = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Svg:      true,
	atom.Iframe:   true,
	atom.Nav:      true,
	atom.Footer:   true,
}

var blocks = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Section: true, atom.Article: true, atom.Main: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Li: true, atom.Ul: true, atom.Ol: true, atom.Pre: true, atom.Blockquote: true,
	atom.Table: true, atom.Tr: true, atom.Br: true, atom.Hr: true, atom.Header: true,
}

// Page is the readable part of an HTML document.
type Page struct {
	Title string
	Text  string
}

// ExtractText renders an HTML document as paragraphs separated by blank lines.
func ExtractText(r io.Reader) (*Page, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, err
	}
	var (
		page  Page
		paras []string
		cur   strings.Builder
	)
	flush := func() {
		if p := utils.NormalizeSpace(cur.String()); p != "" {
			paras = append(paras, p)
		}
		cur.Reset()
	}
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			if n.DataAtom == atom.Title {
				if n.FirstChild != nil && page.Title == "" {
					page.Title = utils.NormalizeSpace(n.FirstChild.Data)
				}
				return
			}
			if skipped[n.DataAtom] {
				return
			}
			if blocks[n.DataAtom] {
				flush()
				defer flush()
			}
		case html.TextNode:
			cur.WriteString(n.Data)
			cur.WriteByte(' ')
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	flush()
	page.Text = strings.Join(paras, "\n\n")
	return &page, nil
}

// TextFromFragment is ExtractText for feed bodies, which may be plain text.
func TextFromFragment(s string) string {
	if !strings.Contains(s, "<") {
		return strings.TrimSpace(s)
	}
	page, err := ExtractText(strings.NewReader(s))
	if err != nil {
		return strings.TrimSpace(s)
	}
	return page.Text
}
