// Package textnorm normalizes terms and filter text so stored descriptions and
// incoming queries compare on the same footing.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize lowercases s, decomposes it (NFD), drops combining marks and
// collapses whitespace runs into single spaces.
func Normalize(s string) string {
	if s == "" {
		return ""
	}
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)))
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}
	return strings.Join(strings.Fields(strings.ToLower(stripped)), " ")
}

var displayPunct = strings.NewReplacer("(", " ", ")", " ", ",", " ", "-", " ")

// NormalizeDisplay is Normalize plus folding of the punctuation that commonly
// differs between a fully specified name and its synonyms. Stored search terms
// and filter text both go through it.
func NormalizeDisplay(s string) string {
	return Normalize(displayPunct.Replace(s))
}

// HasWordPrefix reports whether q occurs in term starting at a word boundary
// other than the start of term. Both arguments must already be normalized.
func HasWordPrefix(term, q string) bool {
	return q != "" && strings.Contains(term, " "+q)
}

// MatchesWordPrefix reports whether q is a prefix of term or of any word
// within it, so partial words typed mid-term still match.
func MatchesWordPrefix(term, q string) bool {
	return q != "" && (strings.HasPrefix(term, q) || strings.Contains(term, " "+q))
}

// HasPhrase reports whether q occurs in term as a run of whole words.
func HasPhrase(term, q string) bool {
	if q == "" {
		return false
	}
	return strings.Contains(" "+term+" ", " "+q+" ")
}

// EscapeLike escapes the LIKE wildcards in s using backslash.
func EscapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
