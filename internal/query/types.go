package query

// MatchingStrategy controls how query terms are dropped when the full
// intersection of postings is empty (spec §4.8 phase 4).
type MatchingStrategy int

const (
	// MatchLast drops trailing query words, last word first, until some
	// candidates remain. The default strategy.
	MatchLast MatchingStrategy = iota
	// MatchAll requires every query word to match; an empty intersection
	// returns zero hits rather than relaxing the query.
	MatchAll
	// MatchFrequency drops the most frequent (least discriminating) word
	// first instead of always the trailing one.
	MatchFrequency
)

// HybridQuery configures semantic/hybrid search (spec §4.8 phase 6).
type HybridQuery struct {
	SemanticRatio float64 // r in f = (1-r)*k + r*s, clamped to [0,1]
	Embedder      string  // which configured embedder answers the query
}

// Query is one search request, matching the option set of spec §6.2.
type Query struct {
	Q      string
	Vector []float32
	Hybrid *HybridQuery

	Offset, Limit int
	Page          int
	HitsPerPage   int

	AttributesToRetrieve  []string // nil/empty means "*": every field
	RetrieveVectors       bool
	AttributesToCrop      []string
	CropLength            int
	CropMarker            string
	AttributesToHighlight []string
	HighlightPreTag       string
	HighlightPostTag      string
	ShowMatchesPosition   bool
	ShowRankingScore      bool
	ShowRankingScoreDetails bool

	Filter   string
	Sort     []string // "field:asc" | "field:desc" | "_geoPoint(lat,lng):asc"
	Distinct string
	Facets   []string

	MatchingStrategy      MatchingStrategy
	AttributesToSearchOn  []string
	RankingScoreThreshold *float64 // nil means no threshold
	Locales               []string
}

// SearchKind classifies a Query by which retrieval phases it drives.
type SearchKind int

const (
	KindKeyword SearchKind = iota
	KindSemantic
	KindHybrid
)

func (q Query) kind() SearchKind {
	switch {
	case q.Hybrid != nil:
		return KindHybrid
	case len(q.Vector) > 0 && q.Q == "":
		return KindSemantic
	default:
		return KindKeyword
	}
}

// MatchPosition is one occurrence of a matched word within a field's text.
type MatchPosition struct {
	Start  int
	Length int
}

// Hit is one scored, formatted result.
type Hit struct {
	ExternalID string
	Document   map[string]any

	RankingScore        float64
	RankingScoreDetails map[string]any
	MatchesPosition      map[string][]MatchPosition
	GeoDistance          *float64
}

// FacetStat carries the numeric facet min/max of spec §4.8 phase 9.
type FacetStat struct {
	Min float64
	Max float64
}

// SearchResult is the response of Executor.Search.
type SearchResult struct {
	Hits               []Hit
	EstimatedTotalHits int
	Offset             int
	Limit              int
	Degraded           bool

	FacetDistribution map[string]map[string]uint64
	FacetStats        map[string]FacetStat
}

// paginationMaxTotalHits bounds offset+limit per spec §4.8.
const paginationMaxTotalHits = 1000

// resolvePagination folds page/hitsPerPage into offset/limit when set,
// clamps to paginationMaxTotalHits, and defaults limit to 20 (teacher's
// searcher default result size).
func (q Query) resolvePagination() (offset, limit int) {
	offset, limit = q.Offset, q.Limit
	if q.HitsPerPage > 0 {
		page := q.Page
		if page <= 0 {
			// page=0 returns zero hits (spec §4.8 pagination discipline).
			return 0, 0
		}
		limit = q.HitsPerPage
		offset = (page - 1) * q.HitsPerPage
	}
	if limit <= 0 {
		limit = 20
	}
	if offset+limit > paginationMaxTotalHits {
		if offset >= paginationMaxTotalHits {
			offset = paginationMaxTotalHits
			limit = 0
		} else {
			limit = paginationMaxTotalHits - offset
		}
	}
	return offset, limit
}
