// Package moderation masks configured words in chat text before it is
// broadcast or stored in history.
package moderation

import (
	"strings"
	"unicode"

	goahocorasick "github.com/anknown/ahocorasick"
)

const DefaultMask = '*'

// Filter masks whole-word occurrences of its word list. Matching ignores case
// and separator characters inside a word, so "b.a.d" matches "bad", but a
// match must start and end on a word boundary: "badge" and "cab add" are left
// alone. The zero value and a nil *Filter leave text unchanged.
type Filter struct {
	machine *goahocorasick.Machine
	mask    rune
}

// NewFilter builds a Filter for words. Blank entries are ignored; when no
// word remains the returned Filter is a no-op.
func NewFilter(words []string, mask rune) (*Filter, error) {
	var patterns [][]rune
	for _, w := range words {
		if p := fold([]rune(strings.TrimSpace(w))); len(p) > 0 {
			patterns = append(patterns, p)
		}
	}
	if len(patterns) == 0 {
		return &Filter{mask: mask}, nil
	}

	m := new(goahocorasick.Machine)
	if err := m.Build(patterns); err != nil {
		return nil, err
	}
	return &Filter{machine: m, mask: mask}, nil
}

// Enabled reports whether the filter has anything to mask.
func (f *Filter) Enabled() bool {
	return f != nil && f.machine != nil
}

// Censor returns text with matched words replaced by the mask rune. Separator
// characters inside a match are masked as well; surrounding text is kept.
func (f *Filter) Censor(text string) string {
	if !f.Enabled() || text == "" {
		return text
	}

	orig := []rune(text)
	folded := make([]rune, 0, len(orig))
	index := make([]int, 0, len(orig))
	for i, r := range orig {
		if isSeparator(r) {
			continue
		}
		folded = append(folded, unicode.ToLower(r))
		index = append(index, i)
	}
	if len(folded) == 0 {
		return text
	}

	terms := f.machine.MultiPatternSearch(folded, false)
	if len(terms) == 0 {
		return text
	}
	out := []rune(text)
	for _, term := range terms {
		end := term.Pos + len(term.Word)
		if term.Pos < 0 || end > len(index) {
			continue
		}
		first, last := index[term.Pos], index[end-1]
		if first > 0 && isWordRune(orig[first-1]) {
			continue
		}
		if last+1 < len(orig) && isWordRune(orig[last+1]) {
			continue
		}
		for i := first; i <= last; i++ {
			out[i] = f.mask
		}
	}
	return string(out)
}

func fold(in []rune) []rune {
	out := make([]rune, 0, len(in))
	for _, r := range in {
		if isSeparator(r) {
			continue
		}
		out = append(out, unicode.ToLower(r))
	}
	return out
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func isSeparator(r rune) bool {
	return unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r)
}
