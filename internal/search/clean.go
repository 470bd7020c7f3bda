package search

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// skipElements are elements whose text never belongs in a snippet.
var skipElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Iframe:   true,
	atom.Svg:      true,
}

// CleanText reduces an HTML fragment to its visible text with entities
// decoded and whitespace collapsed. Plain text passes through unchanged
// apart from whitespace.
func CleanText(raw string) string {
	if !strings.ContainsAny(raw, "<&") {
		return collapse(raw)
	}

	z := html.NewTokenizer(strings.NewReader(raw))
	var (
		b    strings.Builder
		skip int
	)
	for {
		switch z.Next() {
		case html.ErrorToken:
			// io.EOF or a malformed tail: either way keep what we have.
			return collapse(b.String())
		case html.StartTagToken:
			name, _ := z.TagName()
			if skipElements[atom.Lookup(name)] {
				skip++
			}
			if isBreak(atom.Lookup(name)) {
				b.WriteByte(' ')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if skipElements[atom.Lookup(name)] && skip > 0 {
				skip--
			}
		case html.SelfClosingTagToken:
			name, _ := z.TagName()
			if isBreak(atom.Lookup(name)) {
				b.WriteByte(' ')
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

// isBreak reports elements that separate words when rendered.
func isBreak(a atom.Atom) bool {
	switch a {
	case atom.Br, atom.P, atom.Div, atom.Li, atom.Td, atom.Th, atom.Tr:
		return true
	}
	return false
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
