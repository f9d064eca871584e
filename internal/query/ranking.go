package query

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/quillsearch/quill/internal/invindex"
	"github.com/quillsearch/quill/internal/storage"
)

// docScore accumulates a candidate document's standing against each
// keyword ranking rule (spec §4.8 phase 5's "words, typo, proximity,
// attribute, sort, exactness" cascade).
type docScore struct {
	docID       uint32
	wordsMatched int
	typoCost    int
	proximity   int // lower is better: 0 means "adjacent or no proximity signal needed"
	exactCount  int
	keywordRank int // final position after the cascade, used as the hybrid tie-break
}

// rankKeyword runs the full keyword ranking cascade over candidates and
// returns them ordered best-first. totalTerms, the original (unrelaxed)
// term count, is not read: the words rule compares how many of the used
// terms each document matched.
func rankKeyword(r *storage.ReadTxn, candidateIDs []uint32, used []termMatch, totalTerms int, sortCriteria []sortSpec) []docScore {
	scores := make([]docScore, len(candidateIDs))
	for i, id := range candidateIDs {
		scores[i] = scoreDoc(r, id, used)
	}

	proximityOf := computeProximity(r, candidateIDs, used)
	for i := range scores {
		scores[i].proximity = proximityOf[scores[i].docID]
	}

	sortValues := loadSortValues(r, candidateIDs, sortCriteria)

	sort.SliceStable(scores, func(i, j int) bool {
		a, b := scores[i], scores[j]
		if a.wordsMatched != b.wordsMatched {
			return a.wordsMatched > b.wordsMatched // words rule
		}
		if a.typoCost != b.typoCost {
			return a.typoCost < b.typoCost // typo rule
		}
		if a.proximity != b.proximity {
			return a.proximity < b.proximity // proximity rule
		}
		// attribute rule: quill does not yet track which searchable
		// attribute a match occurred in per document (see DESIGN.md), so
		// this stage is a no-op pass-through to the next rule.
		if len(sortCriteria) > 0 {
			if c := compareBySort(sortValues, a.docID, b.docID, sortCriteria); c != 0 {
				return c < 0
			}
		}
		if a.exactCount != b.exactCount {
			return a.exactCount > b.exactCount // exactness rule
		}
		return a.docID < b.docID // deterministic fallback
	})

	_ = totalTerms
	for i := range scores {
		scores[i].keywordRank = i
	}
	return scores
}

func scoreDoc(r *storage.ReadTxn, docID uint32, used []termMatch) docScore {
	s := docScore{docID: docID}
	for _, m := range used {
		alt, ok := m.perDoc[docID]
		if !ok {
			continue
		}
		s.wordsMatched++
		switch alt.Kind {
		case termExact, termSynonym:
			s.exactCount++
		case termTypo1:
			s.typoCost++
		case termTypo2:
			s.typoCost += 2
		}
	}
	return s
}

// computeProximity looks up, for each adjacent pair of used terms, whether
// a document's matched words are within the configured proximity window
// and returns the best (lowest) distance seen across all adjacent pairs,
// defaulting to a fixed "no signal" distance when there is nothing to check.
const noProximitySignal = 8

func computeProximity(r *storage.ReadTxn, candidateIDs []uint32, used []termMatch) map[uint32]int {
	out := make(map[uint32]int, len(candidateIDs))
	for _, id := range candidateIDs {
		out[id] = noProximitySignal
	}
	if len(used) < 2 {
		return out
	}
	for i := 0; i+1 < len(used); i++ {
		wordA := used[i].term.Original
		wordB := used[i+1].term.Original
		for dist := uint8(1); dist <= noProximitySignal; dist++ {
			bm := invindex.ProximityDocids(r, wordA, wordB, dist)
			it := bm.Iterator()
			for it.HasNext() {
				id := it.Next()
				if int(dist) < out[id] {
					out[id] = int(dist)
				}
			}
		}
	}
	return out
}

// sortSpec is one parsed entry of Query.Sort.
type sortSpec struct {
	Field string
	Desc  bool
	Geo   *geoSortPoint
}

type geoSortPoint struct {
	Lat, Lng float64
}

// parseSortCriteria parses "field:asc"/"field:desc" entries, including the
// "_geoPoint(lat,lng):asc" sort-by-distance form from spec §4.8 phase 8.
func parseSortCriteria(raw []string) ([]sortSpec, error) {
	var out []sortSpec
	for _, entry := range raw {
		idx := strings.LastIndex(entry, ":")
		if idx < 0 {
			return nil, invalidFilter("sort entries must be \"field:asc\" or \"field:desc\"")
		}
		field, dir := entry[:idx], entry[idx+1:]
		desc := strings.EqualFold(dir, "desc")
		if !desc && !strings.EqualFold(dir, "asc") {
			return nil, invalidFilter("sort direction must be asc or desc")
		}
		spec := sortSpec{Field: field, Desc: desc}
		if strings.HasPrefix(field, "_geoPoint(") && strings.HasSuffix(field, ")") {
			lat, lng, err := parseGeoPointSort(field)
			if err != nil {
				return nil, err
			}
			spec.Geo = &geoSortPoint{Lat: lat, Lng: lng}
		}
		out = append(out, spec)
	}
	return out, nil
}

func parseGeoPointSort(expr string) (lat, lng float64, err error) {
	inner := strings.TrimSuffix(strings.TrimPrefix(expr, "_geoPoint("), ")")
	parts := strings.Split(inner, ",")
	if len(parts) != 2 {
		return 0, 0, invalidFilter("_geoPoint sort requires exactly two coordinates")
	}
	toks, lexErr := lex(parts[0] + "," + parts[1])
	if lexErr != nil {
		return 0, 0, lexErr
	}
	if len(toks) < 3 || toks[0].kind != tkNumber || toks[2].kind != tkNumber {
		return 0, 0, invalidFilter("_geoPoint sort requires numeric coordinates")
	}
	return toks[0].num, toks[2].num, nil
}

// loadSortValues reads the stored document for every candidate once and
// extracts the values needed for each sort criterion -- an accepted
// simplification over maintaining a dedicated sortable-value index per
// field (C5 only indexes filter/facet values, not sort order).
func loadSortValues(r *storage.ReadTxn, ids []uint32, criteria []sortSpec) map[uint32]map[string]any {
	if len(criteria) == 0 {
		return nil
	}
	out := make(map[uint32]map[string]any, len(ids))
	for _, id := range ids {
		raw := documentFor(r, id)
		if raw == nil {
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			continue
		}
		out[id] = doc
	}
	return out
}

func compareBySort(values map[uint32]map[string]any, a, b uint32, criteria []sortSpec) int {
	for _, spec := range criteria {
		var va, vb any
		if doc, ok := values[a]; ok {
			va = doc[spec.Field]
		}
		if doc, ok := values[b]; ok {
			vb = doc[spec.Field]
		}
		c := compareValues(va, vb)
		if spec.Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

func compareValues(a, b any) int {
	switch av := a.(type) {
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			default:
				return 0
			}
		}
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	}
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	return 0
}
