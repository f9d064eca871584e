// Package vectorstore implements C6, the per-embedder vector store backed by
// a pure-Go HNSW graph (github.com/coder/hnsw). Each configured embedder
// gets its own named Store; documents are keyed by their internal docID
// (shared with the inverted index) rather than a separate vector ID space,
// so hybrid search can intersect keyword and vector results without an id
// translation step.
//
// Deletion is lazy, following the teacher's internal/store/hnsw.go: removing
// a docID drops it from the id map but leaves its node in the graph, since
// coder/hnsw's own Delete can corrupt the graph when removing the last
// remaining node. Orphaned nodes stay in the graph until Clear resets the
// store; Search over-fetches to skip them.
package vectorstore
