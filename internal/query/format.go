package query

import (
	"strings"

	"github.com/quillsearch/quill/internal/analysis"
)

// formatOptions carries the subset of Query fields that drive hit formatting.
type formatOptions struct {
	AttributesToRetrieve    []string
	AttributesToCrop        []string
	CropLength              int
	CropMarker              string
	AttributesToHighlight   []string
	HighlightPreTag         string
	HighlightPostTag        string
	ShowMatchesPosition     bool
	RetrieveVectors         bool
}

func optionsFromQuery(q Query) formatOptions {
	opts := formatOptions{
		AttributesToRetrieve:  q.AttributesToRetrieve,
		AttributesToCrop:      q.AttributesToCrop,
		CropLength:            q.CropLength,
		CropMarker:            q.CropMarker,
		AttributesToHighlight: q.AttributesToHighlight,
		HighlightPreTag:       q.HighlightPreTag,
		HighlightPostTag:      q.HighlightPostTag,
		ShowMatchesPosition:   q.ShowMatchesPosition,
		RetrieveVectors:       q.RetrieveVectors,
	}
	if opts.CropLength <= 0 {
		opts.CropLength = 10
	}
	if opts.CropMarker == "" {
		opts.CropMarker = "…"
	}
	if opts.HighlightPreTag == "" {
		opts.HighlightPreTag = "<em>"
	}
	if opts.HighlightPostTag == "" {
		opts.HighlightPostTag = "</em>"
	}
	return opts
}

// projectDocument copies only the requested attributes from doc, or every
// attribute when none were requested (attributesToRetrieve defaults to "*").
func projectDocument(doc map[string]any, attrs []string, includeVectors bool) map[string]any {
	out := make(map[string]any, len(doc))
	if len(attrs) == 0 {
		for k, v := range doc {
			if !includeVectors && k == "_vectors" {
				continue
			}
			out[k] = v
		}
		return out
	}
	for _, a := range attrs {
		if v, ok := doc[a]; ok {
			out[a] = v
		}
	}
	if includeVectors {
		if v, ok := doc["_vectors"]; ok {
			out["_vectors"] = v
		}
	}
	return out
}

// matchedWords collects the set of words (normalized) that mattered to this
// hit's ranking, used by both highlighting and _matchesPosition.
func matchedWords(used []termMatch, docID uint32) map[string]bool {
	out := make(map[string]bool)
	for _, m := range used {
		alt, ok := m.perDoc[docID]
		if !ok {
			continue
		}
		out[strings.ToLower(alt.Word)] = true
	}
	return out
}

// highlightField wraps every occurrence of a matched word in text with the
// configured pre/post tags, tokenizing with the same tokenizer used at
// index time so highlight boundaries agree with what actually matched.
func highlightField(tokenizer *analysis.Tokenizer, text string, words map[string]bool, preTag, postTag string) string {
	if len(words) == 0 {
		return text
	}
	tokens := tokenizer.Tokenize(text)
	var sb strings.Builder
	for _, tok := range tokens {
		if tok.Normalized != "" && words[tok.Normalized] {
			sb.WriteString(preTag)
			sb.WriteString(tok.Text)
			sb.WriteString(postTag)
		} else {
			sb.WriteString(tok.Text)
		}
	}
	return sb.String()
}

// matchPositions reports every (start, length) occurrence of a matched word
// within text, grounded on the original's richer matchingWords position
// reporting (spec §3 supplemented features) rather than a boolean match.
func matchPositions(tokenizer *analysis.Tokenizer, text string, words map[string]bool) []MatchPosition {
	if len(words) == 0 {
		return nil
	}
	var out []MatchPosition
	for _, tok := range tokenizer.Tokenize(text) {
		if tok.Normalized != "" && words[tok.Normalized] {
			out = append(out, MatchPosition{Start: tok.ByteStart, Length: tok.ByteEnd - tok.ByteStart})
		}
	}
	return out
}

// cropField returns a window of cropLength words around the densest cluster
// of matched words, per spec §4.8 phase 8, bracketed by cropMarker when the
// window does not reach the field's start/end.
func cropField(tokenizer *analysis.Tokenizer, text string, words map[string]bool, cropLength int, cropMarker string) string {
	tokens := analysis.Words(tokenizer.Tokenize(text))
	if len(tokens) <= cropLength {
		return text
	}

	bestStart, bestCount := 0, -1
	for start := 0; start+cropLength <= len(tokens) || start == 0; start++ {
		end := start + cropLength
		if end > len(tokens) {
			end = len(tokens)
		}
		count := 0
		for _, tok := range tokens[start:end] {
			if words[tok.Normalized] {
				count++
			}
		}
		if count > bestCount {
			bestStart, bestCount = start, count
		}
		if end == len(tokens) {
			break
		}
	}

	end := bestStart + cropLength
	if end > len(tokens) {
		end = len(tokens)
	}
	byteStart := tokens[bestStart].ByteStart
	byteEnd := tokens[end-1].ByteEnd

	out := text[byteStart:byteEnd]
	if bestStart > 0 {
		out = cropMarker + out
	}
	if end < len(tokens) {
		out = out + cropMarker
	}
	return out
}
