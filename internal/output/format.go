// Package output turns captured pane text into chat messages.
package output

import (
	"strings"
	"unicode/utf8"
)

// PreOverhead is the allowance reserved per chunk for the <pre></pre>
// wrapper added at send time.
const PreOverhead = 13

// TrimOutput drops trailing lines that are empty or whitespace only.
func TrimOutput(raw string) string {
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// EscapeHTML escapes the characters Telegram's HTML parse mode reserves.
func EscapeHTML(s string) string {
	return htmlEscaper.Replace(s)
}

func WrapPre(s string) string {
	return "<pre>" + s + "</pre>"
}

// Chunk splits text on line boundaries so every chunk, once wrapped in
// <pre></pre>, fits in maxLen characters. Lines longer than the budget are
// cut at the budget, never inside an HTML entity. An empty line that falls
// exactly on a chunk boundary is absorbed by the boundary.
func Chunk(text string, maxLen int) []string {
	if text == "" {
		return nil
	}
	budget := max(1, maxLen-PreOverhead)

	var (
		chunks []string
		cur    string
		have   bool
	)
	flush := func() {
		if cur != "" {
			chunks = append(chunks, cur)
		}
		cur, have = "", false
	}
	for _, line := range strings.Split(text, "\n") {
		candidate := line
		if have {
			candidate = cur + "\n" + line
		}
		if utf8.RuneCountInString(candidate) <= budget {
			cur, have = candidate, true
			continue
		}
		flush()
		pieces := hardSplit(line, budget)
		for _, p := range pieces[:len(pieces)-1] {
			chunks = append(chunks, p)
		}
		cur, have = pieces[len(pieces)-1], true
	}
	flush()
	return chunks
}

// hardSplit cuts line into pieces of at most budget runes. It always returns
// at least one piece.
func hardSplit(line string, budget int) []string {
	runes := []rune(line)
	if len(runes) <= budget {
		return []string{line}
	}
	var pieces []string
	for len(runes) > budget {
		cut := entitySafeCut(runes, budget)
		pieces = append(pieces, string(runes[:cut]))
		runes = runes[cut:]
	}
	return append(pieces, string(runes))
}

// maxEntityLen bounds the entities EscapeHTML produces ("&amp;").
const maxEntityLen = 5

// entitySafeCut moves the cut point back to the start of an entity that
// would otherwise be split. A cut that would leave an empty piece stays put.
func entitySafeCut(runes []rune, cut int) int {
	for i := cut - 1; i >= 0 && i > cut-maxEntityLen; i-- {
		switch runes[i] {
		case ';':
			return cut
		case '&':
			end := i + 1
			for end < len(runes) && end-i < maxEntityLen+1 && runes[end] != ';' && runes[end] != '&' {
				end++
			}
			if end < len(runes) && runes[end] == ';' && end >= cut && i > 0 {
				return i
			}
			return cut
		}
	}
	return cut
}
