package textutil

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const trimmedPunct = ".,;:!?*\u2022\u00b7\u2013\u2014-"

var (
	folder = cases.Fold()
	titler = cases.Title(language.English, cases.NoLower)
)

// NormalizeTerm collapses internal whitespace and trims surrounding
// punctuation, keeping the original casing.
func NormalizeTerm(value string) string {
	value = strings.Join(strings.Fields(value), " ")
	return strings.TrimFunc(value, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune(trimmedPunct, r)
	})
}

// FoldKey returns the case-folded, normalized form of value for use as a
// deduplication key.
func FoldKey(value string) string {
	return folder.String(NormalizeTerm(value))
}

// DisplayTerm title-cases an all-lowercase term and leaves mixed-case input
// alone so acronyms and proper names survive.
func DisplayTerm(value string) string {
	value = NormalizeTerm(value)
	if value == "" || value != strings.ToLower(value) {
		return value
	}
	return titler.String(value)
}
