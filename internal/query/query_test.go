package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillsearch/quill/internal/autobatch"
	"github.com/quillsearch/quill/internal/fields"
	"github.com/quillsearch/quill/internal/pipeline"
	"github.com/quillsearch/quill/internal/settingsdiff"
	"github.com/quillsearch/quill/internal/storage"
)

// memPayloads mirrors internal/pipeline's test double so these tests can
// drive documents through the real indexing pipeline rather than poking
// storage buckets directly.
type memPayloads struct {
	changes map[uint64][]pipeline.DocumentChange
}

func newMemPayloads() *memPayloads {
	return &memPayloads{changes: make(map[uint64][]pipeline.DocumentChange)}
}

func (m *memPayloads) DocumentChanges(taskUID uint64) ([]pipeline.DocumentChange, error) {
	return m.changes[taskUID], nil
}

func (m *memPayloads) SettingsUpdate(taskUID uint64) (*settingsdiff.Settings, error) {
	return nil, nil
}

// newTestIndex builds a tiny movie catalog through the real pipeline and
// returns an Executor over the same storage/field map/settings, the way a
// server process would share them between the indexing and query paths.
func newTestIndex(t *testing.T, configure func(*pipeline.Settings)) *Executor {
	t.Helper()
	dir := t.TempDir()
	env, err := storage.Open(dir, "movies", storage.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })

	settings := pipeline.DefaultSettings()
	settings.PrimaryKey = "id"
	settings.FilterableAttributes["genre"] = true
	settings.FilterableAttributes["year"] = true
	settings.SortableAttributes["year"] = true
	if configure != nil {
		configure(&settings)
	}

	fieldMap := fields.New()
	payloads := newMemPayloads()
	p := pipeline.New(env, fieldMap, settings, nil, payloads, nil)

	payloads.changes[1] = []pipeline.DocumentChange{
		{Fields: map[string]any{"id": "m1", "title": "The Matrix", "genre": "scifi", "year": float64(1999)}},
		{Fields: map[string]any{"id": "m2", "title": "The Matrix Reloaded", "genre": "scifi", "year": float64(2003)}},
		{Fields: map[string]any{"id": "m3", "title": "Notting Hill", "genre": "romance", "year": float64(1999)}},
		{Fields: map[string]any{"id": "m4", "title": "The Notebook", "genre": "romance", "year": float64(2004)}},
	}
	plan := &autobatch.Plan{TaskUIDs: []uint64{1}, IndexUID: "movies", Kind: autobatch.OpDocumentAdd}
	require.NoError(t, p.Execute(context.Background(), 1, plan))

	return NewExecutor(env, fieldMap, settings, nil, nil)
}

func externalIDs(hits []Hit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.ExternalID
	}
	return out
}

func TestSearch_KeywordMatch_ReturnsEveryTitleContainingTheWord(t *testing.T) {
	exec := newTestIndex(t, nil)

	result, err := exec.Search(context.Background(), Query{Q: "matrix"})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"m1", "m2"}, externalIDs(result.Hits))
	assert.False(t, result.Degraded)
}

func TestSearch_KeywordMatch_NoHitsForUnmatchedQuery(t *testing.T) {
	exec := newTestIndex(t, nil)

	result, err := exec.Search(context.Background(), Query{Q: "nonexistentword"})
	require.NoError(t, err)

	assert.Empty(t, result.Hits)
	assert.Equal(t, 0, result.EstimatedTotalHits)
}

func TestSearch_Filter_RestrictsToMatchingGenre(t *testing.T) {
	exec := newTestIndex(t, nil)

	result, err := exec.Search(context.Background(), Query{Filter: `genre = romance`})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"m3", "m4"}, externalIDs(result.Hits))
}

func TestSearch_Filter_NumericRange(t *testing.T) {
	exec := newTestIndex(t, nil)

	result, err := exec.Search(context.Background(), Query{Filter: `year > 2000`})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"m2", "m4"}, externalIDs(result.Hits))
}

func TestSearch_Filter_AndCombinesConditions(t *testing.T) {
	exec := newTestIndex(t, nil)

	result, err := exec.Search(context.Background(), Query{Filter: `genre = scifi AND year = 1999`})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"m1"}, externalIDs(result.Hits))
}

func TestSearch_Filter_InvalidSyntaxReturnsClientError(t *testing.T) {
	exec := newTestIndex(t, nil)

	_, err := exec.Search(context.Background(), Query{Filter: `genre = `})
	assert.Error(t, err)
}

func TestSearch_Sort_OrdersByYearAscending(t *testing.T) {
	exec := newTestIndex(t, nil)

	result, err := exec.Search(context.Background(), Query{Filter: `genre = scifi`, Sort: []string{"year:asc"}})
	require.NoError(t, err)

	require.Len(t, result.Hits, 2)
	assert.Equal(t, "m1", result.Hits[0].ExternalID)
	assert.Equal(t, "m2", result.Hits[1].ExternalID)
}

func TestSearch_Pagination_ClampsToPaginationMax(t *testing.T) {
	exec := newTestIndex(t, nil)

	result, err := exec.Search(context.Background(), Query{Offset: paginationMaxTotalHits, Limit: 10})
	require.NoError(t, err)

	assert.Empty(t, result.Hits)
}

func TestSearch_Distinct_KeepsOneHitPerGenre(t *testing.T) {
	exec := newTestIndex(t, nil)

	result, err := exec.Search(context.Background(), Query{Distinct: "genre"})
	require.NoError(t, err)

	seen := make(map[string]bool)
	for _, h := range result.Hits {
		genre, _ := h.Document["genre"].(string)
		assert.False(t, seen[genre], "distinct should drop duplicate genre values")
		seen[genre] = true
	}
}

func TestSearch_FacetDistribution_CountsPerValue(t *testing.T) {
	exec := newTestIndex(t, nil)

	result, err := exec.Search(context.Background(), Query{Facets: []string{"genre"}})
	require.NoError(t, err)

	require.Contains(t, result.FacetDistribution, "genre")
	assert.Equal(t, uint64(2), result.FacetDistribution["genre"]["scifi"])
	assert.Equal(t, uint64(2), result.FacetDistribution["genre"]["romance"])
}

func TestSearch_AttributesToRetrieve_ProjectsOnlyRequestedFields(t *testing.T) {
	exec := newTestIndex(t, nil)

	result, err := exec.Search(context.Background(), Query{Q: "matrix", AttributesToRetrieve: []string{"title"}})
	require.NoError(t, err)

	require.NotEmpty(t, result.Hits)
	for _, h := range result.Hits {
		_, hasTitle := h.Document["title"]
		assert.True(t, hasTitle)
		_, hasGenre := h.Document["genre"]
		assert.False(t, hasGenre, "unrequested attributes should be dropped")
	}
}

func TestSearch_Highlight_WrapsMatchedWord(t *testing.T) {
	exec := newTestIndex(t, nil)

	result, err := exec.Search(context.Background(), Query{
		Q:                     "matrix",
		AttributesToHighlight: []string{"title"},
	})
	require.NoError(t, err)

	require.NotEmpty(t, result.Hits)
	for _, h := range result.Hits {
		title, _ := h.Document["title"].(string)
		assert.Contains(t, title, "<em>")
	}
}

func TestSearch_MatchingStrategyAll_RequiresEveryTerm(t *testing.T) {
	exec := newTestIndex(t, nil)

	result, err := exec.Search(context.Background(), Query{Q: "matrix reloaded notebook", MatchingStrategy: MatchAll})
	require.NoError(t, err)

	assert.Empty(t, result.Hits, "no document contains every term, MatchAll must not relax")
}

func TestSearch_MatchingStrategyLast_RelaxesTrailingTerms(t *testing.T) {
	exec := newTestIndex(t, nil)

	result, err := exec.Search(context.Background(), Query{Q: "matrix reloaded notebook", MatchingStrategy: MatchLast})
	require.NoError(t, err)

	assert.NotEmpty(t, result.Hits, "MatchLast should drop trailing terms until something matches")
}

func TestResolvePagination_PageZeroReturnsNoHits(t *testing.T) {
	q := Query{Page: 0, HitsPerPage: 10}
	offset, limit := q.resolvePagination()
	assert.Equal(t, 0, offset)
	assert.Equal(t, 0, limit)
}

func TestResolvePagination_HitsPerPageComputesOffset(t *testing.T) {
	q := Query{Page: 3, HitsPerPage: 20}
	offset, limit := q.resolvePagination()
	assert.Equal(t, 40, offset)
	assert.Equal(t, 20, limit)
}

func TestFuseHybrid_OrdersByBlendedScoreDescending(t *testing.T) {
	keyword := []docScore{{docID: 1, keywordRank: 0}, {docID: 2, keywordRank: 1}}
	semantic := []semanticHit{{DocID: 2, Score: 0.9}, {DocID: 3, Score: 0.5}}

	fused := fuseHybrid(keyword, semantic, 0.5)

	require.Len(t, fused, 3)
	assert.True(t, fused[0].FusedScore >= fused[1].FusedScore)
	assert.True(t, fused[1].FusedScore >= fused[2].FusedScore)
}

func TestBoundedLevenshtein_WithinDistance(t *testing.T) {
	assert.Equal(t, 1, boundedLevenshtein("matrix", "matrux", 2))
	assert.Equal(t, 0, boundedLevenshtein("matrix", "matrix", 2))
}

func TestBoundedLevenshtein_ExceedsMaxReturnsMaxPlusOne(t *testing.T) {
	d := boundedLevenshtein("matrix", "giraffe", 2)
	assert.Greater(t, d, 2)
}
