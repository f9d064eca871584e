// Package ingest parses document-batch payloads (JSON, NDJSON, CSV) per
// spec §6.1 into a flat, dotted-path document representation: nested objects
// are flattened at parse time (e.g. {"_geo":{"lat":1}} becomes the single
// key "_geo.lat") so every downstream component (field map, tokenizer,
// facet/geo writers) addresses fields by a single flat name rather than
// walking a tree.
package ingest
