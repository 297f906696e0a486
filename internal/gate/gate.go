// Package gate screens user queries before they reach the generator.
// A flagged query receives a fixed advisory response and is never
// persisted to conversation history. The real screening service is an
// external collaborator; the wordlist filter here is the default
// in-process implementation.
package gate

import (
	"strings"
	"unicode"
)

// AdvisoryResponse is returned verbatim for any flagged query.
const AdvisoryResponse = "⚠️ Please avoid using offensive language."

// Gate is the content-screening boundary. Check returns true when the
// text should be blocked from the generator.
type Gate interface {
	Check(text string) bool
}

// defaultTerms is a deliberately small built-in list; deployments pass
// their own via NewListFilter.
var defaultTerms = []string{
	"damn", "hell", "crap", "idiot", "stupid", "moron", "dumbass",
	"bastard", "bitch", "shit", "fuck", "asshole",
}

// ListFilter flags text containing any term from a word list. Matching
// is case-insensitive and token-based, so "class" is not flagged for
// containing "ass".
type ListFilter struct {
	terms map[string]struct{}
}

// NewListFilter builds a filter from the given terms. An empty list
// falls back to the built-in one.
func NewListFilter(terms []string) *ListFilter {
	if len(terms) == 0 {
		terms = defaultTerms
	}
	set := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		set[strings.ToLower(t)] = struct{}{}
	}
	return &ListFilter{terms: set}
}

// Check reports whether text contains a flagged term.
func (f *ListFilter) Check(text string) bool {
	for _, token := range tokenize(text) {
		if _, ok := f.terms[token]; ok {
			return true
		}
	}
	return false
}

// tokenize lowercases the text and splits it on anything that is not a
// letter or digit, so punctuation cannot hide a flagged term
// ("you.idiot" still tokenizes to "idiot").
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Func adapts a plain function to the Gate interface.
type Func func(text string) bool

// Check implements Gate.
func (f Func) Check(text string) bool { return f(text) }
