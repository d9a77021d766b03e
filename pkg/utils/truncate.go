package utils

import "strings"

// Preview returns a display snippet of at most maxLength runes, preferring to end on a sentence.
func Preview(content string, maxLength int) string {
	content = NormalizeSpace(content)
	if len([]rune(content)) <= maxLength {
		return content
	}
	cut := TruncateRunes(content, maxLength)
	if idx := lastSentenceEnd(cut); idx > len(cut)/2 {
		return cut[:idx+1]
	}
	return cut
}

// lastSentenceEnd returns the byte index of the last sentence terminator in s, or -1.
func lastSentenceEnd(s string) int {
	best := -1
	for _, sep := range []string{". ", "! ", "? "} {
		if i := strings.LastIndex(s, sep); i > best {
			best = i
		}
	}
	for _, sep := range []string{"。", "！", "？"} {
		if i := strings.LastIndex(s, sep); i >= 0 && i+len(sep)-1 > best {
			best = i + len(sep) - 1
		}
	}
	return best
}
