package query

import (
	"github.com/quillsearch/quill/internal/analysis"
)

// minWordSizeOneTypo/minWordSizeTwoTypos are meilisearch's own defaults for
// minWordSizeForTypos; quill does not yet expose them as a per-index
// setting, so they are fixed here (documented in DESIGN.md).
const (
	minWordSizeOneTypo  = 5
	minWordSizeTwoTypos = 9
)

// queryTerm is one position in the tokenized query, carrying every
// alternative spelling/synonym the candidate-retrieval phase should union
// together before intersecting across term positions.
type queryTerm struct {
	Original      string
	Alternatives  []termAlternative
	IsLast        bool
	allowOneTypo  bool
	allowTwoTypos bool
}

// termKind classifies how close an alternative is to the original term,
// used by the ranking cascade's "typo" rule to penalize matches in order.
type termKind int

const (
	termExact termKind = iota
	termSynonym
	termTypo1
	termTypo2
	termPrefix
)

type termAlternative struct {
	Word string
	Kind termKind
}

// expandQuery tokenizes q with the same tokenizer settings used at indexing
// time, drops stop words, and attaches each term's synonym alternatives.
// Typo alternatives are resolved later against the live posting keys
// (candidates.go), since computing them requires a read transaction.
func expandQuery(tokenizer *analysis.Tokenizer, synonyms map[string][]string, q string, disableTypos bool) []queryTerm {
	tokens := analysis.Words(tokenizer.Tokenize(q))

	var terms []queryTerm
	for _, tok := range tokens {
		if tok.Normalized == "" {
			continue
		}
		term := queryTerm{Original: tok.Normalized}
		term.Alternatives = append(term.Alternatives, termAlternative{Word: tok.Normalized, Kind: termExact})
		for _, syn := range synonyms[tok.Normalized] {
			term.Alternatives = append(term.Alternatives, termAlternative{Word: syn, Kind: termSynonym})
		}
		terms = append(terms, term)
	}
	if len(terms) > 0 {
		terms[len(terms)-1].IsLast = true
	}

	if disableTypos {
		return terms
	}
	for i := range terms {
		if isAllNumeric(terms[i].Original) {
			continue // DisabledTyposTerms: typo tolerance never applies to all-numeric tokens
		}
		terms[i].allowOneTypo = len([]rune(terms[i].Original)) >= minWordSizeOneTypo
		terms[i].allowTwoTypos = len([]rune(terms[i].Original)) >= minWordSizeTwoTypos
	}
	return terms
}

func isAllNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
