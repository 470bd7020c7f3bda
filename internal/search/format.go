package search

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// maxSnippet bounds each snippet in formatted output, in runes.
const maxSnippet = 300

// FormatResults renders results as the numbered plain-text list handed
// back to the model.
func FormatResults(results []Result) string {
	if len(results) == 0 {
		return "No results found."
	}

	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%d. %s\n   %s", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			b.WriteString("\n   ")
			b.WriteString(truncate(r.Snippet, maxSnippet))
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimRight(string(r[:n]), " ") + "..."
}
