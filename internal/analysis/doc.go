// Package analysis turns raw field text into the deterministic token stream
// that the rest of the indexing pipeline (C4 postings, C5 facets) and the
// query planner (C8) both consume, so that indexing and querying agree on
// what a "word" is.
//
// Analysis is a pipeline: Unicode segmentation (word boundaries), case and
// diacritic normalization, stop-word filtering, and separator handling. Each
// token records its kind, its normalized text, and its byte/char offsets in
// the original field value so downstream proximity and highlighting logic
// can recover position.
package analysis
