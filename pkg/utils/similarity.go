package utils

import (
	"strings"
	"unicode"
)

// NormalizeName lowercases s and collapses every run of non alphanumeric
// runes into a single space so "Jane  DOE," and "jane doe" compare equal.
func NormalizeName(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
			continue
		}
		space = true
	}
	return b.String()
}

// Trigrams returns the set of word trigrams of s, padded the way pg_trgm pads
// them (two leading spaces and one trailing space per word).
func Trigrams(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(NormalizeName(s)) {
		r := []rune("  " + w + " ")
		for i := 0; i+3 <= len(r); i++ {
			set[string(r[i:i+3])] = struct{}{}
		}
	}
	return set
}

// TrigramSimilarity is |A ∩ B| / |A ∪ B| over the trigram sets of a and b.
func TrigramSimilarity(a, b string) float64 {
	ta, tb := Trigrams(a), Trigrams(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	shared := 0
	for t := range ta {
		if _, ok := tb[t]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(ta)+len(tb)-shared)
}
