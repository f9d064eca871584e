package pipeline

import (
	"github.com/quillsearch/quill/pkg/embedder"
)

// Settings is the subset of index settings C7 needs to dispatch documents
// to the right sub-indexes, as a runtime-resolved counterpart to
// internal/settingsdiff.Settings (which only carries what reindex planning
// needs, not live embedder instances).
type Settings struct {
	PrimaryKey           string
	SearchableAttributes []string // empty means "all attributes are searchable"
	FilterableAttributes map[string]bool
	SortableAttributes   map[string]bool
	DistinctAttribute    string // empty means distinct filtering is off
	GeoField             string // e.g. "_geo"; empty means no geo field configured
	StopWords            map[string]bool
	Synonyms             map[string][]string
	Separators           map[rune]bool
	NonSeparators        map[rune]bool
	MaxProximity         uint8
	MaxPrefixLen         int
	Embedders            map[string]EmbedderBinding

	// SearchCutoffMs bounds the query executor's time budget (spec §4.8).
	// It is a display/behavior-only knob ("no reindex" class in §4.11) so it
	// is not threaded through settingsdiff at all.
	SearchCutoffMs int

	// FacetSearchEnabled gates the filter grammar's CONTAINS operator (spec
	// §4.8 phase 3 calls this out as a feature-flagged operator). Also a
	// "no reindex" display/behavior knob, not threaded through settingsdiff.
	FacetSearchEnabled bool
}

// EmbedderBinding pairs a constructed embedder.Embedder with the document
// template used to render the text handed to EmbedDocuments. source/model/
// baseURL are retained alongside the constructed instance purely so a later
// settings update can tell whether this binding's construction config
// actually changed (embedder.Embedder itself exposes no way to ask).
type EmbedderBinding struct {
	Embedder         embedder.Embedder
	DocumentTemplate string
	source           embedder.Source
	model            string
	baseURL          string
}

// DefaultSettings returns an empty settings value with every attribute
// searchable (spec default before any settings update narrows the list).
func DefaultSettings() Settings {
	return Settings{
		FilterableAttributes: make(map[string]bool),
		SortableAttributes:   make(map[string]bool),
		StopWords:            make(map[string]bool),
		Synonyms:             make(map[string][]string),
		MaxProximity:         8,
		MaxPrefixLen:         4,
		Embedders:            make(map[string]EmbedderBinding),
		SearchCutoffMs:       1500,
	}
}

// isSearchable reports whether field should be tokenized into the inverted
// index: every field qualifies when SearchableAttributes is empty ("*").
func (s Settings) isSearchable(field string) bool {
	if len(s.SearchableAttributes) == 0 {
		return true
	}
	for _, f := range s.SearchableAttributes {
		if f == field {
			return true
		}
	}
	return false
}
