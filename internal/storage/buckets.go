package storage

// Bucket names for the typed sub-databases described in doc.go.
var (
	BucketDocuments               = []byte("documents")
	BucketDocidExternal           = []byte("docid_external")
	BucketDocidInternal           = []byte("docid_internal")
	BucketWordDocids              = []byte("word_docids")
	BucketWordPrefixDocids        = []byte("word_prefix_docids")
	BucketWordPairProximityDocids = []byte("word_pair_proximity_docids")
	BucketFieldIDWordCountDocids  = []byte("field_id_word_count_docids")
	BucketFacetIDStringDocids     = []byte("facet_id_string_docids")
	BucketFacetIDF64Docids        = []byte("facet_id_f64_docids")
	BucketGeoFacetedDocids        = []byte("geo_faceted_docids")
	BucketGeoPoints               = []byte("geo_rtree")
	BucketFacetFST                = []byte("facet_search_fst")
	BucketSettings                = []byte("settings")
	BucketFieldsIDsMap            = []byte("fields_ids_map")
)

// vectorBucket returns the per-embedder vector store bucket name.
func vectorBucket(embedder string) []byte {
	return []byte("vector_store/" + embedder)
}

// allBuckets lists every bucket that must exist in a freshly created index.
func allBuckets() [][]byte {
	return [][]byte{
		BucketDocuments,
		BucketDocidExternal,
		BucketDocidInternal,
		BucketWordDocids,
		BucketWordPrefixDocids,
		BucketWordPairProximityDocids,
		BucketFieldIDWordCountDocids,
		BucketFacetIDStringDocids,
		BucketFacetIDF64Docids,
		BucketGeoFacetedDocids,
		BucketGeoPoints,
		BucketFacetFST,
		BucketSettings,
		BucketFieldsIDsMap,
	}
}
