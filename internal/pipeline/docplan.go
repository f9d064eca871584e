package pipeline

import (
	"context"
	"time"

	"github.com/quillsearch/quill/internal/analysis"
	"github.com/quillsearch/quill/internal/facet"
	"github.com/quillsearch/quill/internal/fields"
	"github.com/quillsearch/quill/internal/invindex"
)

// docPlan is the analyzed outcome for one document change, computed
// concurrently by a worker with no storage access, then applied serially by
// the dispatcher after every worker has joined (spec §4.7 step 4-5: workers
// read the snapshot and compute, the dispatcher alone writes).
type docPlan struct {
	docID      uint32
	externalID string
	isNew      bool
	deleted    bool

	// document is the new flattened field map to store, nil when deleted.
	document map[string]any

	invindexOps func(*invindex.Buffer)
	stringOps   func(*facet.StringBuffer)
	numericOps  func(*facet.NumericBuffer)
	geoOps      func(*facet.GeoBuffer)

	// vectors maps embedder name -> the freshly embedded vector for this
	// document, only set for embedders whose rendered template is non-empty.
	vectors map[string][]float32
	// vectorRemovals lists embedder names whose vector for this doc must be
	// dropped (document deleted).
	vectorRemovals []string
}

// buildDocPlan analyzes one change against its previous stored fields (nil
// if the document is new) and produces the ops needed to transition from
// old to new, without touching storage. tokenizer and settings are shared
// read-only across every concurrent call.
func buildDocPlan(ctx context.Context, docID uint32, externalID string, isNew bool, old map[string]any, change DocumentChange, settings Settings, fieldMap *fields.Map, tokenizer *analysis.Tokenizer) (*docPlan, error) {
	plan := &docPlan{docID: docID, externalID: externalID, isNew: isNew}

	if change.Delete {
		plan.deleted = true
		if old != nil {
			plan.invindexOps, plan.stringOps, plan.numericOps, plan.geoOps = retractionOps(old, docID, settings, fieldMap, tokenizer)
			for name := range settings.Embedders {
				plan.vectorRemovals = append(plan.vectorRemovals, name)
			}
		}
		return plan, nil
	}

	newDoc := change.Fields
	if change.Policy == PolicyUpdate && old != nil {
		newDoc = mergeDocument(old, change.Fields)
	}

	if _, _, _, err := extractGeoPoint(newDoc, settings.GeoField); err != nil {
		return nil, err
	}

	var retractInv func(*invindex.Buffer)
	var retractStr func(*facet.StringBuffer)
	var retractNum func(*facet.NumericBuffer)
	var retractGeo func(*facet.GeoBuffer)
	if old != nil {
		retractInv, retractStr, retractNum, retractGeo = retractionOps(old, docID, settings, fieldMap, tokenizer)
	}
	addInv, addStr, addNum, addGeo := additionOps(newDoc, docID, settings, fieldMap, tokenizer)

	plan.invindexOps = combineInvOps(retractInv, addInv)
	plan.stringOps = combineStringOps(retractStr, addStr)
	plan.numericOps = combineNumericOps(retractNum, addNum)
	plan.geoOps = combineGeoOps(retractGeo, addGeo)

	vectors, err := embedDocument(ctx, newDoc, settings)
	if err != nil {
		return nil, err
	}
	plan.document = newDoc
	plan.vectors = vectors
	return plan, nil
}

// embedDocument renders each embedder's document template against doc and
// calls EmbedDocuments, skipping embedders whose rendered template is empty
// (nothing in the document maps onto that embedder's template fields).
// A user-provided embedder is skipped only when it has no template; with
// one, its EmbedDocuments error is returned. Nothing in the pipeline reads
// vectors from a document's _vectors payload.
func embedDocument(ctx context.Context, doc map[string]any, settings Settings) (map[string][]float32, error) {
	if len(settings.Embedders) == 0 {
		return nil, nil
	}
	out := make(map[string][]float32, len(settings.Embedders))
	for name, binding := range settings.Embedders {
		if binding.DocumentTemplate == "" {
			continue
		}
		rendered := renderTemplate(binding.DocumentTemplate, doc)
		if rendered == "" {
			continue
		}
		vecs, err := binding.Embedder.EmbedDocuments(ctx, []string{rendered}, embeddingDeadlineFromNow())
		if err != nil {
			return nil, err
		}
		if len(vecs) != 1 {
			continue
		}
		out[name] = []float32(vecs[0])
	}
	return out, nil
}

// retractionOps derives the del-side ops for a document's previous field
// content: every searchable field's words/prefixes/proximities, every
// filterable/sortable field's facet values, and its geo point if any.
func retractionOps(doc map[string]any, docID uint32, settings Settings, fieldMap *fields.Map, tokenizer *analysis.Tokenizer) (func(*invindex.Buffer), func(*facet.StringBuffer), func(*facet.NumericBuffer), func(*facet.GeoBuffer)) {
	return fieldOps(doc, docID, settings, fieldMap, tokenizer, false)
}

func additionOps(doc map[string]any, docID uint32, settings Settings, fieldMap *fields.Map, tokenizer *analysis.Tokenizer) (func(*invindex.Buffer), func(*facet.StringBuffer), func(*facet.NumericBuffer), func(*facet.GeoBuffer)) {
	return fieldOps(doc, docID, settings, fieldMap, tokenizer, true)
}

func fieldOps(doc map[string]any, docID uint32, settings Settings, fieldMap *fields.Map, tokenizer *analysis.Tokenizer, add bool) (func(*invindex.Buffer), func(*facet.StringBuffer), func(*facet.NumericBuffer), func(*facet.GeoBuffer)) {
	type wordField struct {
		fieldID uint16
		tokens  []analysis.Token
	}
	var wordFields []wordField
	type stringEntry struct {
		fieldID uint16
		value   string
	}
	type numericEntry struct {
		fieldID uint16
		value   float64
	}
	var stringEntries []stringEntry
	var numericEntries []numericEntry
	var geoLat, geoLng float64
	var hasGeo bool

	for name, v := range doc {
		if settings.isSearchable(name) {
			if text, ok := v.(string); ok {
				id, err := fieldMap.IDFor(name)
				if err == nil {
					wordFields = append(wordFields, wordField{fieldID: id, tokens: tokenizer.Tokenize(text)})
				}
			}
		}
		if settings.FilterableAttributes[name] || settings.SortableAttributes[name] {
			id, err := fieldMap.IDFor(name)
			if err != nil {
				continue
			}
			ss, ns := facetValues(v)
			for _, s := range ss {
				stringEntries = append(stringEntries, stringEntry{fieldID: id, value: s})
			}
			for _, n := range ns {
				numericEntries = append(numericEntries, numericEntry{fieldID: id, value: n})
			}
		}
	}
	if settings.GeoField != "" {
		if lat, lng, present, err := extractGeoPoint(doc, settings.GeoField); err == nil && present {
			geoLat, geoLng, hasGeo = lat, lng, true
		}
	}

	invOp := func(buf *invindex.Buffer) {
		for _, wf := range wordFields {
			if add {
				buf.IndexDocumentWords(docID, wf.fieldID, wf.tokens, settings.MaxProximity, settings.MaxPrefixLen)
			} else {
				buf.DeleteDocumentWords(docID, wf.fieldID, wf.tokens, settings.MaxProximity, settings.MaxPrefixLen)
			}
		}
	}
	strOp := func(buf *facet.StringBuffer) {
		for _, e := range stringEntries {
			buf.Apply(facet.StringOp{FieldID: e.fieldID, Value: e.value, DocID: docID, Add: add})
		}
	}
	numOp := func(buf *facet.NumericBuffer) {
		for _, e := range numericEntries {
			buf.Apply(facet.NumericOp{FieldID: e.fieldID, Value: e.value, DocID: docID, Add: add})
		}
	}
	var geoFieldID uint16
	if hasGeo {
		geoFieldID, _ = fieldMap.IDFor(settings.GeoField)
	}
	geoOp := func(buf *facet.GeoBuffer) {
		if !hasGeo {
			return
		}
		if add {
			buf.Set(facet.GeoPoint{FieldID: geoFieldID, DocID: docID, Lat: geoLat, Lng: geoLng})
		} else {
			buf.Remove(geoFieldID, docID)
		}
	}
	return invOp, strOp, numOp, geoOp
}

func combineInvOps(a, b func(*invindex.Buffer)) func(*invindex.Buffer) {
	return func(buf *invindex.Buffer) {
		if a != nil {
			a(buf)
		}
		if b != nil {
			b(buf)
		}
	}
}

func combineStringOps(a, b func(*facet.StringBuffer)) func(*facet.StringBuffer) {
	return func(buf *facet.StringBuffer) {
		if a != nil {
			a(buf)
		}
		if b != nil {
			b(buf)
		}
	}
}

func combineNumericOps(a, b func(*facet.NumericBuffer)) func(*facet.NumericBuffer) {
	return func(buf *facet.NumericBuffer) {
		if a != nil {
			a(buf)
		}
		if b != nil {
			b(buf)
		}
	}
}

func combineGeoOps(a, b func(*facet.GeoBuffer)) func(*facet.GeoBuffer) {
	return func(buf *facet.GeoBuffer) {
		if a != nil {
			a(buf)
		}
		if b != nil {
			b(buf)
		}
	}
}

// embeddingDeadline bounds a single document's embedding calls within a
// batch; spec §6.4 leaves the exact budget to configuration, 30s is a
// conservative per-document ceiling for a synchronous HTTP embed call.
const embeddingDeadline = 30 * time.Second

func embeddingDeadlineFromNow() time.Time {
	return time.Now().Add(embeddingDeadline)
}
