package vectorstore

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"fmt"
	"math"
	"sync"

	"github.com/coder/hnsw"

	qerrors "github.com/quillsearch/quill/internal/errors"
	"github.com/quillsearch/quill/internal/storage"
)

// Metric selects the HNSW distance function.
type Metric string

const (
	MetricCosine    Metric = "cosine"
	MetricEuclidean Metric = "euclidean"
)

// Config configures a Store for one embedder.
type Config struct {
	Embedder   string
	Dimensions int
	Metric     Metric
	M          int // graph connectivity, coder/hnsw default 16
	EfSearch   int // candidate list size, coder/hnsw default 20
}

// DefaultConfig returns a cosine-metric Config for embedder with coder/hnsw's
// recommended M and EfSearch.
func DefaultConfig(embedder string, dimensions int) Config {
	return Config{
		Embedder:   embedder,
		Dimensions: dimensions,
		Metric:     MetricCosine,
		M:          16,
		EfSearch:   20,
	}
}

// ErrDimensionMismatch reports a vector whose length disagrees with the
// store's configured dimensionality.
type ErrDimensionMismatch struct {
	Expected, Got int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("vectorstore: expected %d dimensions, got %d", e.Expected, e.Got)
}

// Result is one nearest-neighbor hit.
type Result struct {
	DocID    uint32
	Distance float32
	Score    float32 // 1/(1+distance), monotonic with similarity, used for hybrid weighted fusion
}

// Store is a single embedder's HNSW vector index over document ids.
type Store struct {
	mu     sync.RWMutex
	cfg    Config
	graph  *hnsw.Graph[uint32]
	live   map[uint32]bool // docIDs not yet lazily deleted
	closed bool
}

// New creates an empty Store for cfg.
func New(cfg Config) *Store {
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 20
	}

	graph := hnsw.NewGraph[uint32]()
	switch cfg.Metric {
	case MetricEuclidean:
		graph.Distance = hnsw.EuclideanDistance
	default:
		graph.Distance = hnsw.CosineDistance
	}
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25

	return &Store{cfg: cfg, graph: graph, live: make(map[uint32]bool)}
}

// Add inserts or replaces the vector for docID. Replacing an existing docID
// lazily orphans its old graph node rather than deleting it.
func (s *Store) Add(docID uint32, vector []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return qerrors.InternalError("vectorstore is closed", nil)
	}
	if len(vector) != s.cfg.Dimensions {
		return ErrDimensionMismatch{Expected: s.cfg.Dimensions, Got: len(vector)}
	}

	vec := make([]float32, len(vector))
	copy(vec, vector)
	if s.cfg.Metric == MetricCosine {
		normalize(vec)
	}

	s.graph.Add(hnsw.MakeNode(docID, vec))
	s.live[docID] = true
	return nil
}

// Remove lazily deletes docID: it is excluded from future Search results and
// re-added to the live set on the next Add.
func (s *Store) Remove(docID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, docID)
}

// Clear discards every vector, resetting the store to the same empty state
// New returns, for a document clear that wipes every index alongside it.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	graph := hnsw.NewGraph[uint32]()
	graph.Distance = s.graph.Distance
	graph.M = s.cfg.M
	graph.EfSearch = s.cfg.EfSearch
	graph.Ml = 0.25
	s.graph = graph
	s.live = make(map[uint32]bool)
}

// Search returns up to k nearest neighbors to query.
func (s *Store) Search(query []float32, k int) ([]Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, qerrors.InternalError("vectorstore is closed", nil)
	}
	if len(query) != s.cfg.Dimensions {
		return nil, ErrDimensionMismatch{Expected: s.cfg.Dimensions, Got: len(query)}
	}
	if s.graph.Len() == 0 {
		return nil, nil
	}

	q := make([]float32, len(query))
	copy(q, query)
	if s.cfg.Metric == MetricCosine {
		normalize(q)
	}

	// Over-fetch since lazily-deleted nodes still occupy graph slots.
	orphans := s.graph.Len() - len(s.live)
	if orphans < 0 {
		orphans = 0
	}
	nodes := s.graph.Search(q, k+orphans)

	out := make([]Result, 0, k)
	for _, node := range nodes {
		if !s.live[node.Key] {
			continue
		}
		dist := s.graph.Distance(q, node.Value)
		out = append(out, Result{
			DocID:    node.Key,
			Distance: dist,
			Score:    1 / (1 + dist),
		})
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// Len reports the number of live (non-orphaned) document vectors.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.live)
}

// Close marks the store unusable; callers must persist via SaveTo first.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func normalize(v []float32) {
	var sumSquares float64
	for _, x := range v {
		sumSquares += float64(x) * float64(x)
	}
	if sumSquares == 0 {
		return
	}
	mag := math.Sqrt(sumSquares)
	for i, x := range v {
		v[i] = float32(float64(x) / mag)
	}
}

// persisted is the gob-encoded form written into storage's per-embedder
// vector bucket.
type persisted struct {
	Cfg  Config
	Live map[uint32]bool
}

// SaveTo persists the store's graph and live-id set into w's vector bucket
// for this store's embedder.
func (s *Store) SaveTo(w *storage.WriteTxn) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := w.EnsureVectorBucket(s.cfg.Embedder); err != nil {
		return err
	}

	var graphBuf bytes.Buffer
	if err := s.graph.Export(&graphBuf); err != nil {
		return qerrors.Wrap(qerrors.ErrCodeCorruptedStore, err)
	}
	if err := w.Put(storage.VectorBucketName(s.cfg.Embedder), []byte("graph"), graphBuf.Bytes()); err != nil {
		return err
	}

	var metaBuf bytes.Buffer
	if err := gob.NewEncoder(&metaBuf).Encode(persisted{Cfg: s.cfg, Live: s.live}); err != nil {
		return qerrors.Wrap(qerrors.ErrCodeCorruptedStore, err)
	}
	return w.Put(storage.VectorBucketName(s.cfg.Embedder), []byte("meta"), metaBuf.Bytes())
}

// Load restores a Store for embedder from r, or returns an empty Store with
// cfg if no persisted data exists yet.
func Load(r *storage.ReadTxn, embedder string, cfg Config) (*Store, error) {
	graphBuf := r.Get(storage.VectorBucketName(embedder), []byte("graph"))
	metaBuf := r.Get(storage.VectorBucketName(embedder), []byte("meta"))
	if graphBuf == nil || metaBuf == nil {
		return New(cfg), nil
	}

	var meta persisted
	if err := gob.NewDecoder(bytes.NewReader(metaBuf)).Decode(&meta); err != nil {
		return nil, qerrors.Wrap(qerrors.ErrCodeCorruptedStore, err)
	}

	graph := hnsw.NewGraph[uint32]()
	switch meta.Cfg.Metric {
	case MetricEuclidean:
		graph.Distance = hnsw.EuclideanDistance
	default:
		graph.Distance = hnsw.CosineDistance
	}
	graph.M = meta.Cfg.M
	graph.EfSearch = meta.Cfg.EfSearch
	graph.Ml = 0.25
	if err := graph.Import(bufio.NewReader(bytes.NewReader(graphBuf))); err != nil {
		return nil, qerrors.Wrap(qerrors.ErrCodeCorruptedStore, err)
	}

	return &Store{cfg: meta.Cfg, graph: graph, live: meta.Live}, nil
}
