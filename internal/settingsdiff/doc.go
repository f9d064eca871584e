// Package settingsdiff implements C11: comparing an index's old and new
// settings to decide exactly which reindex work a settings update requires.
// Narrowing this to the minimum necessary work (e.g. a stop-words change
// only needs reindexing searchable fields, not facets or vectors) is what
// keeps a settings update cheap relative to a full rebuild.
package settingsdiff
