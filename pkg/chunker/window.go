package chunker

import (
	"strings"
	"unicode/utf8"
)

type span struct {
	start, end int
}

// breakFunc returns the length of the longest acceptable prefix of window, or
// 0 when window has no break point.
type breakFunc func(window string) int

// slidingWindow covers s with windows of at most size bytes. Each window ends
// on the last break point it contains and the next one starts overlap bytes
// before that end. Offsets always land on rune boundaries.
func slidingWindow(s string, size, overlap int, brk breakFunc) []span {
	var out []span
	start := 0
	for start < len(s) {
		end := start + size
		if end >= len(s) {
			end = len(s)
		} else {
			if p := brk(s[start:end]); p > 0 {
				end = start + p
			}
			end = runeFloor(s, end)
			if end <= start {
				end = runeCeil(s, start+1)
			}
		}
		if strings.TrimSpace(s[start:end]) != "" {
			out = append(out, span{start, end})
		}
		if end >= len(s) {
			break
		}
		next := runeCeil(s, end-overlap)
		if next <= start {
			next = end
		}
		start = next
	}
	return out
}

func runeFloor(s string, i int) int {
	for i > 0 && i < len(s) && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

func runeCeil(s string, i int) int {
	if i < 0 {
		return 0
	}
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return i
}

// textBreak prefers the last newline or sentence terminator followed by a space.
func textBreak(window string) int {
	for i := len(window) - 1; i >= 0; i-- {
		switch window[i] {
		case '\n':
			return i + 1
		case '.', '!', '?':
			if i > 0 && i+1 < len(window) && window[i+1] == ' ' {
				return i + 2
			}
		}
	}
	return 0
}

// codeBreak ends windows after a newline, statement terminator or closing brace.
func codeBreak(window string) int {
	for i := len(window) - 1; i >= 0; i-- {
		switch window[i] {
		case '\n', ';', '}':
			return i + 1
		}
	}
	return 0
}

// trimSpan narrows sp so that it excludes leading and trailing whitespace.
func trimSpan(s string, sp span) span {
	seg := s[sp.start:sp.end]
	lead := len(seg) - len(strings.TrimLeft(seg, " \t\r\n"))
	trail := len(seg) - len(strings.TrimRight(seg, " \t\r\n"))
	if lead+trail >= len(seg) {
		return span{sp.start, sp.start}
	}
	return span{sp.start + lead, sp.end - trail}
}

// windows groups n items into runs of size with overlap shared items.
func windows(n, size, overlap int) []span {
	var out []span
	for i := 0; i < n; {
		end := i + size
		if end > n {
			end = n
		}
		out = append(out, span{i, end})
		if end == n {
			break
		}
		i = end - overlap
	}
	return out
}

func lineAt(s string, offset int) int {
	return strings.Count(s[:offset], "\n") + 1
}
