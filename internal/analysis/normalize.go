package analysis

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizeOptions configures a Normalizer.
type NormalizeOptions struct {
	// StopWords is the set of words (already lowercased) dropped from the
	// searchable stream, per settingsdiff/C11's stopWords setting.
	StopWords map[string]bool

	// Separators are additional runes treated as separators on top of
	// Unicode whitespace/punctuation (the settings' separatorTokens).
	Separators map[rune]bool

	// NonSeparators are runes that would otherwise classify as separators
	// but should be kept attached to the surrounding word (nonSeparatorTokens).
	NonSeparators map[rune]bool
}

// Normalizer lowercases, strips diacritics, and folds case per Unicode's
// default case-folding so that index-time and query-time tokens agree
// regardless of input casing or accent usage (e.g. "café" matches "cafe").
type Normalizer struct {
	opts     NormalizeOptions
	fold     cases.Caser
	stripper transform.Transformer
}

// NewNormalizer builds a Normalizer from opts.
func NewNormalizer(opts NormalizeOptions) *Normalizer {
	return &Normalizer{
		opts: opts,
		fold: cases.Fold(),
		stripper: transform.Chain(
			norm.NFD,
			runes.Remove(runes.In(unicode.Mn)),
			norm.NFC,
		),
	}
}

// Normalize case-folds and strips diacritics from a single token's surface
// text. Returns the empty string if the normalized form is a stop word.
func (n *Normalizer) Normalize(text string) string {
	folded, _, err := transform.String(n.fold, text)
	if err != nil {
		folded = strings.ToLower(text)
	}
	stripped, _, err := transform.String(n.stripper, folded)
	if err != nil {
		stripped = folded
	}
	if n.opts.StopWords != nil && n.opts.StopWords[stripped] {
		return ""
	}
	return stripped
}

// IsSeparatorRune reports whether r should split tokens, honoring the
// configured separator/non-separator overrides before falling back to
// Unicode's own notion of whitespace and punctuation.
func (n *Normalizer) IsSeparatorRune(r rune) bool {
	if n.opts.NonSeparators != nil && n.opts.NonSeparators[r] {
		return false
	}
	if n.opts.Separators != nil && n.opts.Separators[r] {
		return true
	}
	return unicode.IsSpace(r) || unicode.IsPunct(r)
}
