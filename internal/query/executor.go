package query

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/quillsearch/quill/internal/analysis"
	qerrors "github.com/quillsearch/quill/internal/errors"
	"github.com/quillsearch/quill/internal/facet"
	"github.com/quillsearch/quill/internal/fields"
	"github.com/quillsearch/quill/internal/pipeline"
	"github.com/quillsearch/quill/internal/storage"
	"github.com/quillsearch/quill/internal/vectorstore"
)

// Executor runs queries against one index's committed storage snapshot. It
// holds the same read-only shape the indexing side's Pipeline holds --
// storage environment, field map, settings, vector stores -- but never
// writes, so unlike Pipeline it may run any number of Search calls
// concurrently (storage.Environment.View opens independent read
// transactions, per C1's single-writer/many-reader model).
type Executor struct {
	env        *storage.Environment
	fieldMap   *fields.Map
	settings   pipeline.Settings
	vectors    map[string]*vectorstore.Store
	embedCache *queryEmbedCache
	log        *slog.Logger
}

// NewExecutor constructs an Executor over an already-open environment, with
// fieldMap, settings and vector stores restored by the caller the same way
// pipeline.New expects them.
func NewExecutor(env *storage.Environment, fieldMap *fields.Map, settings pipeline.Settings, vectors map[string]*vectorstore.Store, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	if vectors == nil {
		vectors = make(map[string]*vectorstore.Store)
	}
	return &Executor{
		env:        env,
		fieldMap:   fieldMap,
		settings:   settings,
		vectors:    vectors,
		embedCache: newQueryEmbedCache(defaultQueryEmbedCacheSize),
		log:        log,
	}
}

// Search runs every phase of spec §4.8 against the current committed
// snapshot and returns formatted hits.
func (e *Executor) Search(ctx context.Context, q Query) (*SearchResult, error) {
	deadline := e.searchDeadline()
	log := e.log.With("index", e.env.IndexUID(), "kind", fmt.Sprint(q.kind()))

	var result *SearchResult
	err := e.env.View(func(r *storage.ReadTxn) error {
		var err error
		result, err = e.searchTxn(ctx, r, q, deadline)
		return err
	})
	if err != nil {
		log.Error("search failed", "error", err)
		return nil, err
	}
	log.Debug("search completed", "estimated_total_hits", result.EstimatedTotalHits, "degraded", result.Degraded)
	return result, nil
}

func (e *Executor) searchDeadline() time.Time {
	cutoff := e.settings.SearchCutoffMs
	if cutoff <= 0 {
		return time.Time{}
	}
	return time.Now().Add(time.Duration(cutoff) * time.Millisecond)
}

func pastDeadline(deadline time.Time) bool {
	return !deadline.IsZero() && time.Now().After(deadline)
}

func (e *Executor) searchTxn(ctx context.Context, r *storage.ReadTxn, q Query, deadline time.Time) (*SearchResult, error) {
	offset, limit := q.resolvePagination()

	filterIDs, err := evalFilter(r, e.fieldMap, e.settings.FacetSearchEnabled, q.Filter)
	if err != nil {
		return nil, err
	}

	sortCriteria, err := parseSortCriteria(q.Sort)
	if err != nil {
		return nil, err
	}

	degraded := false

	var hits []Hit
	var estimated int
	var keywordScores []docScore
	var usedTerms []termMatch
	candidateBitmap := roaring.New()

	switch q.kind() {
	case KindKeyword:
		keywordScores, usedTerms, estimated, degraded, err = e.runKeyword(r, q, filterIDs, deadline)
		if err != nil {
			return nil, err
		}
		for _, id := range candidateDocIDs(keywordScores) {
			candidateBitmap.Add(id)
		}
		hits, err = e.formatKeywordHits(r, q, keywordScores, usedTerms, offset, limit)
		if err != nil {
			return nil, err
		}

	case KindSemantic:
		var semHits []semanticHit
		semHits, estimated, err = e.runSemantic(ctx, r, q, filterIDs)
		if err != nil {
			return nil, err
		}
		for _, h := range semHits {
			candidateBitmap.Add(h.DocID)
		}
		hits, err = e.formatSemanticHits(r, q, semHits, offset, limit)
		if err != nil {
			return nil, err
		}

	case KindHybrid:
		var fused []fusedHit
		fused, keywordScores, usedTerms, estimated, degraded, err = e.runHybrid(ctx, r, q, filterIDs, deadline)
		if err != nil {
			return nil, err
		}
		for _, f := range fused {
			candidateBitmap.Add(f.DocID)
		}
		hits, err = e.formatFusedHits(r, q, fused, usedTerms, offset, limit)
		if err != nil {
			return nil, err
		}
	}

	_ = sortCriteria // applied inside rankKeyword via the cascade, not here

	if q.Distinct != "" {
		hits = applyDistinct(hits, q.Distinct)
	}

	var facetDist map[string]map[string]uint64
	var facetStats map[string]FacetStat
	if len(q.Facets) > 0 {
		facetDist, facetStats, err = computeFacetDistribution(r, e.fieldMap, q.Facets, candidateBitmap, 100, facetSortAlpha)
		if err != nil {
			return nil, err
		}
	}

	if estimated > paginationMaxTotalHits {
		estimated = paginationMaxTotalHits
	}

	return &SearchResult{
		Hits:               hits,
		EstimatedTotalHits: estimated,
		Offset:             offset,
		Limit:              limit,
		Degraded:           degraded,
		FacetDistribution:  facetDist,
		FacetStats:         facetStats,
	}, nil
}

// applyDistinct keeps only the best-ranked hit per distinct value of field
// within this already-paginated page, dropping later duplicates. Hits are
// ranked best-first before this runs, so the first occurrence wins.
func applyDistinct(hits []Hit, field string) []Hit {
	seen := make(map[any]bool)
	out := make([]Hit, 0, len(hits))
	for _, h := range hits {
		key, ok := h.Document[field]
		if !ok || key == nil {
			out = append(out, h)
			continue
		}
		switch key.(type) {
		case string, float64, bool:
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		out = append(out, h)
	}
	return out
}

func candidateDocIDs(scores []docScore) []uint32 {
	out := make([]uint32, len(scores))
	for i, s := range scores {
		out[i] = s.docID
	}
	return out
}

func (e *Executor) tokenizer() *analysis.Tokenizer {
	return analysis.New(analysis.NormalizeOptions{
		StopWords:     e.settings.StopWords,
		Separators:    e.settings.Separators,
		NonSeparators: e.settings.NonSeparators,
	})
}

// runKeyword executes phases 1-5 of the keyword search path.
func (e *Executor) runKeyword(r *storage.ReadTxn, q Query, filterIDs *roaring.Bitmap, deadline time.Time) (scores []docScore, used []termMatch, estimated int, degraded bool, err error) {
	disableTypos := false
	terms := expandQuery(e.tokenizer(), e.settings.Synonyms, q.Q, disableTypos)

	allowPrefix := true
	matches := make([]termMatch, len(terms))
	for i, t := range terms {
		if pastDeadline(deadline) {
			degraded = true
			break
		}
		matches[i] = resolveTerm(r, t, allowPrefix && t.IsLast)
	}

	var retrieval retrievalResult
	if len(terms) == 0 {
		// An empty query string is a browse: every document is a candidate,
		// filtering/sorting still apply, there is nothing to rank on words.
		all, allErr := (&filterCtx{r: r, fieldMap: e.fieldMap}).allDocIDs()
		if allErr != nil {
			return nil, nil, 0, false, allErr
		}
		retrieval = retrievalResult{Candidates: all}
	} else {
		retrieval = retrieveCandidates(matches, q.MatchingStrategy)
	}

	candidates := retrieval.Candidates
	if filterIDs != nil {
		candidates = candidates.Clone()
		candidates.And(filterIDs)
	}

	ids := candidates.ToArray()
	estimated = len(ids)

	if pastDeadline(deadline) {
		degraded = true
	}

	sortCriteria, _ := parseSortCriteria(q.Sort)
	scores = rankKeyword(r, ids, retrieval.Used, len(terms), sortCriteria)
	return scores, retrieval.Used, estimated, degraded, nil
}

// runSemantic executes a pure vector search restricted to filterIDs.
func (e *Executor) runSemantic(ctx context.Context, r *storage.ReadTxn, q Query, filterIDs *roaring.Bitmap) ([]semanticHit, int, error) {
	name := e.defaultEmbedderName(q)
	store, ok := e.vectors[name]
	if !ok {
		return nil, 0, qerrors.ClientInputError(qerrors.ErrCodeInvalidSearchEmbedder, "unknown embedder: "+name, nil)
	}

	vec := []float32(q.Vector)
	_, limit := q.resolvePagination()
	hits, err := semanticSearch(store, vec, limit+200, filterIDs)
	if err != nil {
		return nil, 0, err
	}
	return hits, len(hits), nil
}

// runHybrid executes both the keyword and semantic paths and fuses them.
func (e *Executor) runHybrid(ctx context.Context, r *storage.ReadTxn, q Query, filterIDs *roaring.Bitmap, deadline time.Time) (fused []fusedHit, keyword []docScore, used []termMatch, estimated int, degraded bool, err error) {
	keyword, used, estimated, degraded, err = e.runKeyword(r, q, filterIDs, deadline)
	if err != nil {
		return nil, nil, nil, 0, false, err
	}

	name := q.Hybrid.Embedder
	if name == "" {
		name = e.defaultEmbedderName(q)
	}
	binding, ok := e.settings.Embedders[name]
	if !ok {
		return nil, nil, nil, 0, false, qerrors.ClientInputError(qerrors.ErrCodeInvalidSearchEmbedder, "unknown embedder: "+name, nil)
	}
	store, ok := e.vectors[name]
	if !ok {
		return nil, nil, nil, 0, false, qerrors.ClientInputError(qerrors.ErrCodeInvalidSearchEmbedder, "embedder has no vector store: "+name, nil)
	}

	var queryVector []float32
	if len(q.Vector) > 0 {
		queryVector = []float32(q.Vector)
	} else {
		queryVector, err = e.embedCache.embedQueryCached(ctx, binding, q.Q)
		if err != nil {
			return nil, nil, nil, 0, false, qerrors.Wrap(qerrors.ErrCodeEmbeddingFailed, err)
		}
	}

	restrictTo := filterIDs
	_, limit := q.resolvePagination()
	semHits, err := semanticSearch(store, queryVector, limit+200, restrictTo)
	if err != nil {
		return nil, nil, nil, 0, false, err
	}

	fused = fuseHybrid(keyword, semHits, q.Hybrid.SemanticRatio)
	if len(fused) > estimated {
		estimated = len(fused)
	}
	return fused, keyword, used, estimated, degraded, nil
}

func (e *Executor) defaultEmbedderName(q Query) string {
	for name := range e.settings.Embedders {
		return name
	}
	return ""
}

func (e *Executor) formatKeywordHits(r *storage.ReadTxn, q Query, scores []docScore, used []termMatch, offset, limit int) ([]Hit, error) {
	page := pageOf(scores, offset, limit)
	hits := make([]Hit, 0, len(page))
	opts := optionsFromQuery(q)
	tokenizer := e.tokenizer()

	for _, s := range page {
		hit, ok := e.buildHit(r, tokenizer, q, opts, s.docID, used, keywordRankingScore(s))
		if !ok {
			continue
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func (e *Executor) formatSemanticHits(r *storage.ReadTxn, q Query, hits []semanticHit, offset, limit int) ([]Hit, error) {
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	page := pageOfSemantic(hits, offset, limit)
	opts := optionsFromQuery(q)
	tokenizer := e.tokenizer()

	out := make([]Hit, 0, len(page))
	for _, h := range page {
		hit, ok := e.buildHit(r, tokenizer, q, opts, h.DocID, nil, h.Score)
		if !ok {
			continue
		}
		out = append(out, hit)
	}
	return out, nil
}

func (e *Executor) formatFusedHits(r *storage.ReadTxn, q Query, fused []fusedHit, used []termMatch, offset, limit int) ([]Hit, error) {
	page := pageOfFused(fused, offset, limit)
	opts := optionsFromQuery(q)
	tokenizer := e.tokenizer()

	out := make([]Hit, 0, len(page))
	for _, f := range page {
		hit, ok := e.buildHit(r, tokenizer, q, opts, f.DocID, used, f.FusedScore)
		if !ok {
			continue
		}
		out = append(out, hit)
	}
	return out, nil
}

// keywordRankingScore maps a cascade position onto a display score in
// (0,1], matching pkg/searcher's RRF-style convention of monotonic,
// comparable scores rather than an absolute probability.
func keywordRankingScore(s docScore) float64 {
	return 1.0 / float64(1+s.keywordRank)
}

func pageOf(scores []docScore, offset, limit int) []docScore {
	if offset >= len(scores) {
		return nil
	}
	end := offset + limit
	if end > len(scores) {
		end = len(scores)
	}
	return scores[offset:end]
}

func pageOfSemantic(hits []semanticHit, offset, limit int) []semanticHit {
	if offset >= len(hits) {
		return nil
	}
	end := offset + limit
	if end > len(hits) {
		end = len(hits)
	}
	return hits[offset:end]
}

func pageOfFused(hits []fusedHit, offset, limit int) []fusedHit {
	if offset >= len(hits) {
		return nil
	}
	end := offset + limit
	if end > len(hits) {
		end = len(hits)
	}
	return hits[offset:end]
}

// buildHit loads, filters, highlights and crops the stored document for
// docID into a formatted Hit, applying the rankingScoreThreshold cutoff.
func (e *Executor) buildHit(r *storage.ReadTxn, tokenizer *analysis.Tokenizer, q Query, opts formatOptions, docID uint32, used []termMatch, score float64) (Hit, bool) {
	if q.RankingScoreThreshold != nil && score < *q.RankingScoreThreshold {
		return Hit{}, false
	}

	externalID, ok := externalIDFor(r, docID)
	if !ok {
		return Hit{}, false
	}
	raw := documentFor(r, docID)
	if raw == nil {
		return Hit{}, false
	}
	doc, err := decodeDocument(raw)
	if err != nil {
		return Hit{}, false
	}

	words := matchedWords(used, docID)
	highlightSet := attributeSet(opts.AttributesToHighlight)
	cropSet := attributeSet(opts.AttributesToCrop)

	projected := projectDocument(doc, opts.AttributesToRetrieve, opts.RetrieveVectors)
	var positions map[string][]MatchPosition
	if opts.ShowMatchesPosition {
		positions = make(map[string][]MatchPosition)
	}

	for field, value := range projected {
		text, isString := value.(string)
		if !isString {
			continue
		}
		if highlightSet[field] || len(highlightSet) == 0 {
			text = highlightField(tokenizer, text, words, opts.HighlightPreTag, opts.HighlightPostTag)
		}
		if cropSet[field] {
			text = cropField(tokenizer, text, words, opts.CropLength, opts.CropMarker)
		}
		projected[field] = text

		if positions != nil {
			if pos := matchPositions(tokenizer, text, words); len(pos) > 0 {
				positions[field] = pos
			}
		}
	}

	hit := Hit{
		ExternalID:      externalID,
		Document:        projected,
		RankingScore:    score,
		MatchesPosition: positions,
	}

	if q.ShowRankingScoreDetails {
		hit.RankingScoreDetails = map[string]any{"score": score}
	}

	if geoField := e.settings.GeoField; geoField != "" {
		if sorts, err := parseSortCriteria(q.Sort); err == nil {
			for _, s := range sorts {
				if s.Geo == nil {
					continue
				}
				if d := geoDistanceFor(doc, geoField, s.Geo.Lat, s.Geo.Lng); d != nil {
					hit.GeoDistance = d
				}
			}
		}
	}

	return hit, true
}

func attributeSet(attrs []string) map[string]bool {
	out := make(map[string]bool, len(attrs))
	for _, a := range attrs {
		out[a] = true
	}
	return out
}

func decodeDocument(raw []byte) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// geoDistanceFor reports the haversine distance in meters between the
// document's stored _geo point (if present and well-formed) and (lat, lng),
// used to populate Hit.GeoDistance for the _geoPoint sort built-in.
func geoDistanceFor(doc map[string]any, geoField string, lat, lng float64) *float64 {
	raw, ok := doc[geoField]
	if !ok {
		return nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	docLat, ok1 := asFloat(m["lat"])
	docLng, ok2 := asFloat(m["lng"])
	if !ok1 || !ok2 {
		return nil
	}
	d := facet.HaversineMeters(lat, lng, docLat, docLng)
	return &d
}

func asFloat(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}
