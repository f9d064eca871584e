package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenize_SplitsWordsAndSeparators(t *testing.T) {
	tok := New(NormalizeOptions{})

	tokens := tok.Tokenize("hello world")

	words := Words(tokens)
	require.Len(t, words, 2)
	assert.Equal(t, "hello", words[0].Normalized)
	assert.Equal(t, "world", words[1].Normalized)
}

func TestTokenize_NormalizesCaseAndDiacritics(t *testing.T) {
	tok := New(NormalizeOptions{})

	tokens := Words(tok.Tokenize("Café"))

	require.Len(t, tokens, 1)
	assert.Equal(t, "cafe", tokens[0].Normalized)
}

func TestTokenize_DropsStopWords(t *testing.T) {
	tok := New(NormalizeOptions{StopWords: map[string]bool{"the": true}})

	tokens := Words(tok.Tokenize("the cat"))

	require.Len(t, tokens, 2)
	assert.Equal(t, "", tokens[0].Normalized, "stop word normalizes to empty")
	assert.Equal(t, "cat", tokens[1].Normalized)
}

func TestTokenize_AssignsIncreasingCharIndex(t *testing.T) {
	tok := New(NormalizeOptions{})

	tokens := Words(tok.Tokenize("one two three"))

	require.Len(t, tokens, 3)
	for i, want := range []int{0, 1, 2} {
		assert.Equal(t, want, tokens[i].CharIndex)
	}
}

func TestTokenize_RecordsByteOffsets(t *testing.T) {
	tok := New(NormalizeOptions{})

	tokens := tok.Tokenize("ab cd")
	require.NotEmpty(t, tokens)

	for _, tkn := range tokens {
		assert.Equal(t, tkn.Text, "ab cd"[tkn.ByteStart:tkn.ByteEnd])
	}
}

func TestNormalizer_IsSeparatorRune_HonorsOverrides(t *testing.T) {
	n := NewNormalizer(NormalizeOptions{
		Separators:    map[rune]bool{'_': true},
		NonSeparators: map[rune]bool{'-': true},
	})

	assert.True(t, n.IsSeparatorRune('_'))
	assert.False(t, n.IsSeparatorRune('-'))
	assert.True(t, n.IsSeparatorRune(' '))
}
