package settingsdiff

import "fmt"

// VectorReindexKind classifies why an embedder needs its vectors recomputed,
// grounded on the original's VectorReindexKind cases (spec §3 supplement):
// a new embedder must embed everything, a changed model/dimensions
// invalidates existing vectors wholesale, while a template-only change only
// needs re-embedding (the stored vectors' shape is still valid, but their
// content reflects the old template).
type VectorReindexKind string

const (
	VectorReindexFullyReindex    VectorReindexKind = "fully_reindex"    // new embedder or changed dimensions/model
	VectorReindexRegenerateAll   VectorReindexKind = "regenerate_all"   // document template changed, dimensions unchanged
	VectorReindexRemove          VectorReindexKind = "remove"           // embedder deleted from settings
)

// VectorReindex describes the reindex work needed for one embedder.
type VectorReindex struct {
	Embedder string
	Kind     VectorReindexKind
}

// Diff is the full set of reindex obligations a settings transition implies.
type Diff struct {
	ReindexSearchable bool // word_docids/word_prefix_docids/word_pair_proximity_docids must rebuild
	ReindexFacets     bool // facet_id_*_docids must rebuild
	ReindexGeo        bool // geo point set must rebuild
	VectorReindexes    []VectorReindex
	PrimaryKeyChanged bool // requires a full reindex of every document (changes internal docIDs)
}

// IsNoop reports whether the settings transition requires no reindex work
// at all (e.g. only a display-only setting changed).
func (d Diff) IsNoop() bool {
	return !d.ReindexSearchable && !d.ReindexFacets && !d.ReindexGeo &&
		len(d.VectorReindexes) == 0 && !d.PrimaryKeyChanged
}

// Plan compares old and new settings and returns the minimal reindex Diff.
// A nil old (first-ever settings write on an empty index) always produces a
// full reindex, since there is nothing incremental to diff against.
func Plan(old, new *Settings) (*Diff, error) {
	if new == nil {
		return nil, fmt.Errorf("settingsdiff: new settings must not be nil")
	}
	if old == nil {
		return fullReindex(new), nil
	}

	d := &Diff{}

	if !equalStrings(old.SearchableAttributes, new.SearchableAttributes) ||
		!equalStrings(old.StopWords, new.StopWords) ||
		!equalSynonyms(old.Synonyms, new.Synonyms) ||
		!equalStrings(old.Separators, new.Separators) ||
		!equalStrings(old.NonSeparators, new.NonSeparators) {
		d.ReindexSearchable = true
	}

	if !equalStrings(old.FilterableAttributes, new.FilterableAttributes) ||
		!equalStrings(old.SortableAttributes, new.SortableAttributes) ||
		!equalOptionalString(old.DistinctAttribute, new.DistinctAttribute) {
		d.ReindexFacets = true
	}

	if !equalOptionalString(old.GeoField, new.GeoField) {
		d.ReindexGeo = true
	}

	d.VectorReindexes = diffEmbedders(old.Embedders, new.Embedders)

	if !equalOptionalString(old.PrimaryKey, new.PrimaryKey) {
		d.PrimaryKeyChanged = true
		// A primary key change invalidates every internal docID, so every
		// downstream sub-database must rebuild regardless of what else changed.
		d.ReindexSearchable = true
		d.ReindexFacets = true
		d.ReindexGeo = true
		for embedder := range new.Embedders {
			d.VectorReindexes = append(d.VectorReindexes, VectorReindex{Embedder: embedder, Kind: VectorReindexFullyReindex})
		}
	}

	return d, nil
}

func fullReindex(new *Settings) *Diff {
	d := &Diff{ReindexSearchable: true, ReindexFacets: true, ReindexGeo: new.GeoField != nil}
	for embedder := range new.Embedders {
		d.VectorReindexes = append(d.VectorReindexes, VectorReindex{Embedder: embedder, Kind: VectorReindexFullyReindex})
	}
	return d
}

func diffEmbedders(old, new map[string]EmbedderSettings) []VectorReindex {
	var out []VectorReindex
	for name, newCfg := range new {
		oldCfg, existed := old[name]
		switch {
		case !existed:
			out = append(out, VectorReindex{Embedder: name, Kind: VectorReindexFullyReindex})
		case oldCfg.Dimensions != newCfg.Dimensions || oldCfg.Model != newCfg.Model || oldCfg.Source != newCfg.Source || oldCfg.BaseURL != newCfg.BaseURL:
			out = append(out, VectorReindex{Embedder: name, Kind: VectorReindexFullyReindex})
		case oldCfg.DocumentTemplate != newCfg.DocumentTemplate:
			out = append(out, VectorReindex{Embedder: name, Kind: VectorReindexRegenerateAll})
		}
	}
	for name := range old {
		if _, stillExists := new[name]; !stillExists {
			out = append(out, VectorReindex{Embedder: name, Kind: VectorReindexRemove})
		}
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalOptionalString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalSynonyms(a, b map[string][]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if !equalStrings(v, b[k]) {
			return false
		}
	}
	return true
}
