package analysis

import (
	"github.com/blevesearch/segment"
)

// TokenKind classifies a token produced by segmentation.
type TokenKind int

const (
	// KindWord is a run of letters.
	KindWord TokenKind = iota
	// KindNumber is a run of digits.
	KindNumber
	// KindSeparator is whitespace or punctuation between words.
	KindSeparator
	// KindOther covers ideographic and kana runs, which segment.go does not
	// classify as a word/number; they are treated as searchable text.
	KindOther
)

// Token is one unit of the deterministic token stream produced by Tokenize.
type Token struct {
	Kind        TokenKind
	Text        string // original surface text
	Normalized  string // after Normalize (case-fold, diacritic strip)
	ByteStart   int
	ByteEnd     int
	CharIndex   int // 0-based token index among non-separator (KindWord/KindNumber/KindOther) tokens
}

// Tokenizer segments and normalizes field text into a Token stream.
type Tokenizer struct {
	normalizer *Normalizer
}

// New returns a Tokenizer using the normalizer built from opts.
func New(opts NormalizeOptions) *Tokenizer {
	return &Tokenizer{normalizer: NewNormalizer(opts)}
}

// Tokenize segments text on Unicode word boundaries (UAX#29 via
// blevesearch/segment) and normalizes every word/number token. Separator
// tokens are retained in the stream (with Normalized left empty) so the
// inverted index writer can compute word-pair proximity from the original
// adjacency, but they are skipped by callers building postings.
func (t *Tokenizer) Tokenize(text string) []Token {
	seg := segment.NewWordSegmenterDirect([]byte(text))
	var tokens []Token
	charIdx := 0
	byteOffset := 0

	for seg.Segment() {
		raw := seg.Bytes()
		start := byteOffset
		end := byteOffset + len(raw)
		byteOffset = end

		kind := classify(seg.Type())
		tok := Token{
			Kind:      kind,
			Text:      string(raw),
			ByteStart: start,
			ByteEnd:   end,
		}
		if kind == KindWord || kind == KindNumber || kind == KindOther {
			tok.Normalized = t.normalizer.Normalize(tok.Text)
			tok.CharIndex = charIdx
			charIdx++
		}
		tokens = append(tokens, tok)
	}
	return tokens
}

// classify maps blevesearch/segment's token type constants onto TokenKind.
func classify(segType int) TokenKind {
	switch segType {
	case segment.Number:
		return KindNumber
	case segment.Letter, segment.Kana, segment.Ideo:
		if segType == segment.Letter {
			return KindWord
		}
		return KindOther
	default:
		return KindSeparator
	}
}

// Words filters a token stream down to the searchable word/number/other
// tokens in original order, discarding separators.
func Words(tokens []Token) []Token {
	out := make([]Token, 0, len(tokens))
	for _, tok := range tokens {
		if tok.Kind != KindSeparator {
			out = append(out, tok)
		}
	}
	return out
}
