// Package pipeline implements C7, the indexing pipeline that turns a batch
// of document changes into writes across C2 (fields), C3 (analysis), C4
// (inverted index), C5 (facets/geo), and C6 (vectors), then commits them
// atomically through C1 (storage).
//
// Documents are analyzed and embedded concurrently by a bounded worker pool
// (golang.org/x/sync/errgroup, mirroring the teacher's coordinator/runner
// worker-pool shape), then their postings are merged single-threaded before
// the one atomic WriteTxn commit, since bbolt only permits one writer.
package pipeline
