package query

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	qerrors "github.com/quillsearch/quill/internal/errors"
	"github.com/quillsearch/quill/internal/pipeline"
	"github.com/quillsearch/quill/internal/vectorstore"
)

// queryEmbedCache memoizes search-time embedder calls the same way the
// indexing side could cache document embeddings: identical queries against
// the same embedder skip a redundant HTTP round trip.
type queryEmbedCache struct {
	cache *lru.Cache[string, []float32]
}

const defaultQueryEmbedCacheSize = 256

func newQueryEmbedCache(size int) *queryEmbedCache {
	if size <= 0 {
		size = defaultQueryEmbedCacheSize
	}
	c, _ := lru.New[string, []float32](size)
	return &queryEmbedCache{cache: c}
}

func (c *queryEmbedCache) key(embedderName, text string) string {
	sum := sha256.Sum256([]byte(embedderName + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// embedQueryCached returns the cached query vector for embedderName/text if
// present, otherwise calls EmbedQuery and caches the result.
func (c *queryEmbedCache) embedQueryCached(ctx context.Context, binding pipeline.EmbedderBinding, text string) ([]float32, error) {
	key := c.key(binding.Embedder.Name(), text)
	if vec, ok := c.cache.Get(key); ok {
		return vec, nil
	}
	vec, err := binding.Embedder.EmbedQuery(ctx, text, time.Now().Add(queryEmbeddingDeadline))
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, vec)
	return vec, nil
}

const queryEmbeddingDeadline = 10 * time.Second

// semanticHit is one nearest-neighbor result restricted to the documents
// the query's filter matches (every document when there is no filter).
type semanticHit struct {
	DocID uint32
	Score float64
}

// semanticSearch asks embedderName's vector store for nearest neighbors to
// queryVector, restricting results to within (when non-nil) the candidate
// bitmap. vectorstore.Store.Search has no bitmap filter of its own, so this
// over-fetches and filters client-side -- acceptable since k is already
// bounded by pagination (documented in DESIGN.md).
func semanticSearch(store *vectorstore.Store, queryVector []float32, k int, restrictTo *roaring.Bitmap) ([]semanticHit, error) {
	fetch := k * 4
	if fetch < 50 {
		fetch = 50
	}
	if fetch > store.Len() {
		fetch = store.Len()
	}
	if fetch <= 0 {
		return nil, nil
	}
	results, err := store.Search(queryVector, fetch)
	if err != nil {
		return nil, qerrors.Wrap(qerrors.ErrCodeEmbeddingFailed, err)
	}

	hits := make([]semanticHit, 0, len(results))
	for _, res := range results {
		if restrictTo != nil && !restrictTo.Contains(res.DocID) {
			continue
		}
		hits = append(hits, semanticHit{DocID: res.DocID, Score: float64(res.Score)})
		if len(hits) >= k {
			break
		}
	}
	return hits, nil
}

// fusedHit is one document's combined keyword/semantic standing.
type fusedHit struct {
	DocID       uint32
	FusedScore  float64
	KeywordRank int
}

// fuseHybrid combines keyword ranking results with semantic results per
// spec §4.8 phase 6: f = (1-r)*k + r*s, each side normalized to [0,1], ties
// broken by the keyword cascade (spec.md §9 open question (a)).
func fuseHybrid(keyword []docScore, semantic []semanticHit, ratio float64) []fusedHit {
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}

	keywordScore := make(map[uint32]float64, len(keyword))
	keywordRank := make(map[uint32]int, len(keyword))
	for _, s := range keyword {
		keywordScore[s.docID] = 1.0 / float64(1+s.keywordRank)
		keywordRank[s.docID] = s.keywordRank
	}
	semanticScore := make(map[uint32]float64, len(semantic))
	for _, s := range semantic {
		semanticScore[s.DocID] = s.Score
	}

	seen := make(map[uint32]bool)
	var out []fusedHit
	add := func(id uint32) {
		if seen[id] {
			return
		}
		seen[id] = true
		k := keywordScore[id]
		s := semanticScore[id]
		f := (1-ratio)*k + ratio*s
		rank, hasKeyword := keywordRank[id]
		if !hasKeyword {
			rank = len(keyword) + 1 // semantic-only hits sort after every keyword match on ties
		}
		out = append(out, fusedHit{DocID: id, FusedScore: f, KeywordRank: rank})
	}
	for _, s := range keyword {
		add(s.docID)
	}
	for _, s := range semantic {
		add(s.DocID)
	}

	sortFusedHits(out)
	return out
}

func sortFusedHits(hits []fusedHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.FusedScore != b.FusedScore {
			return a.FusedScore > b.FusedScore
		}
		if a.KeywordRank != b.KeywordRank {
			return a.KeywordRank < b.KeywordRank
		}
		return a.DocID < b.DocID
	})
}
