// Package storage is the single-writer storage engine adapter for quill.
//
// It wraps a bbolt environment (one memory-mapped file per index) and exposes
// typed sub-databases as named buckets:
//
//	documents                        internal doc id -> encoded document
//	docid_external                   internal doc id -> external id string
//	docid_internal                   external id string -> internal doc id
//	word_docids                      word -> roaring bitmap of docids
//	word_prefix_docids               prefix -> roaring bitmap of docids
//	word_pair_proximity_docids       "wordA\x00wordB\x00proximity" -> bitmap
//	field_id_word_count_docids       fieldID (2 bytes) + wordCount (4 bytes) -> bitmap
//	facet_id_string_docids           fieldID (2 bytes) + value -> bitmap
//	facet_id_f64_docids              fieldID (2 bytes) + order-preserving float64 (8 bytes) -> bitmap
//	geo_faceted_docids                fieldID -> bitmap of geo-tagged docs
//	vector_store/<embedder>          "graph" -> exported hnsw graph, "meta" -> config and live ids
//	settings                         singleton settings blob
//	fields_ids_map                   field name <-> id bimap snapshot
//
// Writers are serialized by bbolt's own single-writer transaction semantics;
// a cross-process gofrs/flock guard additionally prevents two separate quill
// processes from opening the same environment file for writing at once.
package storage
