// Package invindex builds and merges the word-level inverted index: the
// word_docids, word_prefix_docids, word_pair_proximity_docids and
// field_id_word_count_docids sub-databases of internal/storage.
//
// Writers accumulate postings in memory as roaring bitmaps keyed by word
// (DelAdd semantics: a delete-then-add pair for an unchanged document nets
// to nothing once merged), and flush into internal/storage's WriteTxn in one
// commit per indexing batch. Buffers stay in memory for the whole batch:
// there is no memory budget, and nothing is spilled to disk or merged from
// sorted runs.
package invindex
