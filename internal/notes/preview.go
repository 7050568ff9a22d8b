package notes

import (
	"strings"
	"unicode/utf8"
)

// Excerpt returns the first maxRunes runes of content on one line, with
// "…" appended when cut. Runs of whitespace collapse to a single space.
func Excerpt(content string, maxRunes int) string {
	flat := strings.Join(strings.Fields(content), " ")
	if maxRunes <= 0 || utf8.RuneCountInString(flat) <= maxRunes {
		return flat
	}
	i, n := 0, 0
	for i = range flat {
		if n == maxRunes {
			break
		}
		n++
	}
	return strings.TrimRight(flat[:i], " ") + "…"
}

// CountLines returns the number of lines in content. Empty content has none.
func CountLines(content string) int {
	if content == "" {
		return 0
	}
	return strings.Count(content, "\n") + 1
}
