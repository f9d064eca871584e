package query

import (
	"github.com/RoaringBitmap/roaring/v2"

	"github.com/quillsearch/quill/internal/invindex"
	"github.com/quillsearch/quill/internal/storage"
)

// termMatch is what candidate retrieval resolves one query term to: the
// union of every alternative's postings, plus which specific alternative
// (and therefore termKind) matched each candidate document, needed by the
// ranking cascade's words/typo/exactness rules.
type termMatch struct {
	term     queryTerm
	docids   *roaring.Bitmap
	perDoc   map[uint32]termAlternative // best (lowest-kind) alternative matched, per doc
	prefix   bool
}

// resolveTerm unions the postings for every alternative of term, including
// typo candidates discovered by scanning the word postings bucket, and
// records the least-distant alternative matched per document.
func resolveTerm(r *storage.ReadTxn, term queryTerm, allowPrefix bool) termMatch {
	out := roaring.New()
	perDoc := make(map[uint32]termAlternative)

	record := func(bm *roaring.Bitmap, alt termAlternative) {
		it := bm.Iterator()
		for it.HasNext() {
			doc := it.Next()
			out.Add(doc)
			if existing, ok := perDoc[doc]; !ok || alt.Kind < existing.Kind {
				perDoc[doc] = alt
			}
		}
	}

	for _, alt := range term.Alternatives {
		record(invindex.WordDocids(r, alt.Word), alt)
	}

	if term.allowOneTypo || term.allowTwoTypos {
		maxDist := 1
		if term.allowTwoTypos {
			maxDist = 2
		}
		for _, cand := range typoCandidates(r, term.Original, maxDist) {
			kind := termTypo1
			if boundedLevenshtein(term.Original, cand, maxDist) == 2 {
				kind = termTypo2
			}
			record(invindex.WordDocids(r, cand), termAlternative{Word: cand, Kind: kind})
		}
	}

	if allowPrefix {
		record(invindex.PrefixDocids(r, term.Original), termAlternative{Word: term.Original, Kind: termPrefix})
	}

	return termMatch{term: term, docids: out, perDoc: perDoc, prefix: allowPrefix}
}

// typoCandidates scans every distinct word in the inverted index for ones
// within maxDist of word. This is a linear scan over the vocabulary rather
// than a Levenshtein automaton over an FST (C4's word postings use plain
// sorted byte keys, not an FST like C5's facet values) -- an accepted
// simplification for this engine's scale, documented in DESIGN.md.
func typoCandidates(r *storage.ReadTxn, word string, maxDist int) []string {
	var out []string
	_ = r.ForEach(storage.BucketWordDocids, func(k, _ []byte) error {
		candidate := string(k)
		if candidate == word {
			return nil
		}
		if abs(len(candidate)-len(word)) > maxDist {
			return nil
		}
		if boundedLevenshtein(word, candidate, maxDist) <= maxDist {
			out = append(out, candidate)
		}
		return nil
	})
	return out
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// boundedLevenshtein computes edit distance, returning a value > max as soon
// as it is certain the true distance exceeds max (saves the full O(n*m) cost
// for most non-matching candidates during the vocabulary scan).
func boundedLevenshtein(a, b string, max int) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) < len(rb) {
		ra, rb = rb, ra
	}
	prev := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur := make([]int, len(rb)+1)
		cur[0] = i
		rowMin := cur[0]
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min3(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
			if cur[j] < rowMin {
				rowMin = cur[j]
			}
		}
		if rowMin > max {
			return max + 1
		}
		prev = cur
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

// retrievalResult is the outcome of applying the matching strategy: the
// final candidate bitmap and the subset of term matches that were actually
// required to produce it (dropped terms are excluded from ranking).
type retrievalResult struct {
	Candidates *roaring.Bitmap
	Used       []termMatch
}

// retrieveCandidates intersects term postings per the configured matching
// strategy, progressively relaxing the query when the full intersection is
// empty (spec §4.8 phase 4).
func retrieveCandidates(matches []termMatch, strategy MatchingStrategy) retrievalResult {
	if len(matches) == 0 {
		return retrievalResult{Candidates: roaring.New()}
	}

	active := make([]int, len(matches))
	for i := range active {
		active[i] = i
	}

	intersect := func(idx []int) *roaring.Bitmap {
		if len(idx) == 0 {
			return roaring.New()
		}
		out := matches[idx[0]].docids.Clone()
		for _, i := range idx[1:] {
			out.And(matches[i].docids)
		}
		return out
	}

	for {
		bm := intersect(active)
		if !bm.IsEmpty() || len(active) == 0 {
			used := make([]termMatch, len(active))
			for i, idx := range active {
				used[i] = matches[idx]
			}
			return retrievalResult{Candidates: bm, Used: used}
		}
		if strategy == MatchAll {
			return retrievalResult{Candidates: roaring.New()}
		}

		switch strategy {
		case MatchFrequency:
			// Drop the term whose postings are largest (least discriminating).
			worst, worstCard := 0, uint64(0)
			for i, idx := range active {
				card := matches[idx].docids.GetCardinality()
				if card >= worstCard {
					worst, worstCard = i, card
				}
			}
			active = append(active[:worst], active[worst+1:]...)
		default: // MatchLast
			active = active[:len(active)-1]
		}
	}
}
