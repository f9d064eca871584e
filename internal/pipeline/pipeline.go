package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/quillsearch/quill/internal/analysis"
	"github.com/quillsearch/quill/internal/autobatch"
	qerrors "github.com/quillsearch/quill/internal/errors"
	"github.com/quillsearch/quill/internal/facet"
	"github.com/quillsearch/quill/internal/fields"
	"github.com/quillsearch/quill/internal/invindex"
	"github.com/quillsearch/quill/internal/settingsdiff"
	"github.com/quillsearch/quill/internal/storage"
	"github.com/quillsearch/quill/internal/vectorstore"
	"github.com/quillsearch/quill/pkg/embedder"
)

// maxPlanWorkers bounds the errgroup pool that analyzes documents
// concurrently; bounded rather than one-goroutine-per-document since a
// batch can carry many thousands of documents (spec §4.7 step 4).
const maxPlanWorkers = 8

// Pipeline executes one autobatch.Plan to completion: it is the
// scheduler.BatchExecutor the loop drives. One Pipeline owns one index's
// storage environment, field map, settings, and vector stores; the
// scheduler never runs two batches against the same index concurrently, so
// Pipeline itself does not need to guard against concurrent Execute calls.
type Pipeline struct {
	env      *storage.Environment
	fieldMap *fields.Map
	settings Settings
	vectors  map[string]*vectorstore.Store
	payloads PayloadSource
	log      *slog.Logger
}

// New constructs a Pipeline over an already-open environment, with fieldMap
// and settings restored by the caller from the environment's last commit
// (or fresh defaults for a newly created index).
func New(env *storage.Environment, fieldMap *fields.Map, settings Settings, vectors map[string]*vectorstore.Store, payloads PayloadSource, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if vectors == nil {
		vectors = make(map[string]*vectorstore.Store)
	}
	return &Pipeline{env: env, fieldMap: fieldMap, settings: settings, vectors: vectors, payloads: payloads, log: log}
}

// Execute implements scheduler.BatchExecutor.
func (p *Pipeline) Execute(ctx context.Context, batchUID uint64, plan *autobatch.Plan) error {
	log := p.log.With("batch_uid", batchUID, "index", plan.IndexUID, "kind", fmt.Sprint(plan.Kind))
	log.Info("executing batch", "task_count", len(plan.TaskUIDs))

	switch plan.Kind {
	case autobatch.OpDocumentAdd, autobatch.OpDocumentUpdate, autobatch.OpDocumentDeleteByID, autobatch.OpDocumentDeleteByFilter:
		return p.executeDocumentBatch(ctx, plan)
	case autobatch.OpDocumentClear:
		return p.executeDocumentClear(ctx)
	case autobatch.OpSettingsUpdate:
		return p.executeSettingsUpdate(ctx, plan)
	case autobatch.OpClearAndSettings:
		return p.executeClearAndSettings(ctx, plan)
	case autobatch.OpIndexCreate, autobatch.OpIndexDelete, autobatch.OpIndexSwap:
		return qerrors.InternalError("index lifecycle operations are not executed by the indexing pipeline", nil)
	default:
		return qerrors.InternalError(fmt.Sprintf("unrecognized batch kind %v", plan.Kind), nil)
	}
}

// clearableBuckets lists every bucket a document clear or a clear-and-settings
// batch wipes: stored documents plus every sub-index derived from them. The
// field map and settings buckets survive a clear, matching spec's
// DocumentClear (documents and their derived indexes are gone, the index
// itself and its configuration are not).
var clearableBuckets = [][]byte{
	storage.BucketDocuments,
	storage.BucketWordDocids,
	storage.BucketWordPrefixDocids,
	storage.BucketWordPairProximityDocids,
	storage.BucketFieldIDWordCountDocids,
	storage.BucketFacetIDStringDocids,
	storage.BucketFacetIDF64Docids,
	storage.BucketFacetFST,
	storage.BucketGeoFacetedDocids,
	storage.BucketGeoPoints,
}

// executeDocumentClear drops every stored document and every sub-index
// derived from them, in one atomic transaction, leaving settings and the
// field map untouched.
func (p *Pipeline) executeDocumentClear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.env.Update(func(w *storage.WriteTxn) error {
		for _, b := range clearableBuckets {
			if err := w.ClearBucket(b); err != nil {
				return err
			}
		}
		for _, store := range p.vectors {
			store.Clear()
		}
		names := make([]string, 0, len(p.vectors))
		for name := range p.vectors {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := p.vectors[name].SaveTo(w); err != nil {
				return err
			}
		}
		return nil
	})
}

// executeClearAndSettings applies a document clear immediately followed by a
// settings update, fused by the autobatcher into one batch: it clears first,
// then applies the settings change against an index with no documents left,
// so there is nothing left to reindex.
func (p *Pipeline) executeClearAndSettings(ctx context.Context, plan *autobatch.Plan) error {
	if err := p.executeDocumentClear(ctx); err != nil {
		return err
	}
	settingsTaskUID := plan.TaskUIDs[len(plan.TaskUIDs)-1]
	return p.executeSettingsUpdate(ctx, &autobatch.Plan{
		TaskUIDs: []uint64{settingsTaskUID},
		IndexUID: plan.IndexUID,
	})
}

// pendingDoc pairs a resolved internal docID with the (deduplicated) change
// to apply and the document's previously stored fields, if any.
type pendingDoc struct {
	docID      uint32
	externalID string
	isNew      bool
	change     DocumentChange
	old        map[string]any
}

func (p *Pipeline) executeDocumentBatch(ctx context.Context, plan *autobatch.Plan) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var changes []DocumentChange
	for _, taskUID := range plan.TaskUIDs {
		cs, err := p.payloads.DocumentChanges(taskUID)
		if err != nil {
			return err
		}
		changes = append(changes, cs...)
	}

	return p.env.Update(func(w *storage.WriteTxn) error {
		pending, err := p.resolvePending(ctx, w, changes)
		if err != nil {
			return err
		}

		plans, err := p.buildPlans(ctx, pending)
		if err != nil {
			return err
		}

		if err := p.applyPlans(ctx, w, plans); err != nil {
			return err
		}

		return p.persistFieldMap(w)
	})
}

// resolvePending deduplicates changes by external id (last one in the batch
// wins for that id, matching the autobatcher's own fused-task semantics),
// resolves each to an internal docID, and snapshots its previously stored
// fields under the same write transaction — this is the "read snapshot
// taken at batch start" the worker pool computes against.
func (p *Pipeline) resolvePending(ctx context.Context, w *storage.WriteTxn, changes []DocumentChange) ([]pendingDoc, error) {
	byID := make(map[string]DocumentChange)
	var order []string
	for _, c := range changes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		externalID := c.ExternalID
		if externalID == "" && !c.Delete {
			id, err := extractPrimaryKey(c.Fields, p.settings.PrimaryKey)
			if err != nil {
				return nil, err
			}
			externalID = id
			c.ExternalID = id
		}
		if _, seen := byID[externalID]; !seen {
			order = append(order, externalID)
		}
		byID[externalID] = c
	}

	pending := make([]pendingDoc, 0, len(order))
	for _, externalID := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c := byID[externalID]
		docID, existed := lookupDocID(w, externalID)
		if !existed {
			if c.Delete {
				continue // deleting a document that never existed is a no-op
			}
			var err error
			docID, err = allocateDocID(w, externalID)
			if err != nil {
				return nil, err
			}
		}

		var old map[string]any
		if existed {
			if raw := w.Get(storage.BucketDocuments, encodeDocID(docID)); raw != nil {
				if err := json.Unmarshal(raw, &old); err != nil {
					return nil, qerrors.Wrap(qerrors.ErrCodeCorruptedStore, err)
				}
			}
		}

		pending = append(pending, pendingDoc{
			docID:      docID,
			externalID: externalID,
			isNew:      !existed,
			change:     c,
			old:        old,
		})
	}
	return pending, nil
}

// buildPlans runs buildDocPlan for every pending document concurrently,
// bounded to maxPlanWorkers in flight. Each call only reads pending[i] and
// the shared read-only fieldMap/settings/tokenizer, never storage directly,
// so results can be computed out of order and applied serially afterward.
func (p *Pipeline) buildPlans(ctx context.Context, pending []pendingDoc) ([]*docPlan, error) {
	plans := make([]*docPlan, len(pending))
	tokenizer := analysis.New(analysis.NormalizeOptions{
		StopWords:     p.settings.StopWords,
		Separators:    p.settings.Separators,
		NonSeparators: p.settings.NonSeparators,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxPlanWorkers)
	for i := range pending {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			pd := pending[i]
			plan, err := buildDocPlan(gctx, pd.docID, pd.externalID, pd.isNew, pd.old, pd.change, p.settings, p.fieldMap, tokenizer)
			if err != nil {
				return err
			}
			plans[i] = plan
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return plans, nil
}

// applyPlans is the serial dispatcher step: the only code in the batch that
// holds the write transaction and touches the shared buffers, applying
// every worker's precomputed plan in order.
func (p *Pipeline) applyPlans(ctx context.Context, w *storage.WriteTxn, plans []*docPlan) error {
	invBuf := invindex.NewBuffer()
	strBuf := facet.NewStringBuffer()
	numBuf := facet.NewNumericBuffer()
	geoBuf := facet.NewGeoBuffer()

	for _, plan := range plans {
		if err := ctx.Err(); err != nil {
			return err
		}
		if plan.invindexOps != nil {
			plan.invindexOps(invBuf)
		}
		if plan.stringOps != nil {
			plan.stringOps(strBuf)
		}
		if plan.numericOps != nil {
			plan.numericOps(numBuf)
		}
		if plan.geoOps != nil {
			plan.geoOps(geoBuf)
		}

		if plan.deleted {
			if err := w.Delete(storage.BucketDocuments, encodeDocID(plan.docID)); err != nil {
				return err
			}
			if err := deleteDocID(w, plan.externalID, plan.docID); err != nil {
				return err
			}
			for _, name := range plan.vectorRemovals {
				if store, ok := p.vectors[name]; ok {
					store.Remove(plan.docID)
				}
			}
			continue
		}

		docJSON, err := json.Marshal(plan.document)
		if err != nil {
			return qerrors.InternalError("failed to encode document for storage", err)
		}
		if err := w.Put(storage.BucketDocuments, encodeDocID(plan.docID), docJSON); err != nil {
			return err
		}
		for name, vec := range plan.vectors {
			store, ok := p.vectors[name]
			if !ok {
				continue
			}
			if err := store.Add(plan.docID, vec); err != nil {
				return err
			}
		}
	}

	if err := invBuf.Flush(w); err != nil {
		return err
	}
	if err := strBuf.Flush(w); err != nil {
		return err
	}
	if err := numBuf.Flush(w); err != nil {
		return err
	}
	if err := geoBuf.Flush(w); err != nil {
		return err
	}

	names := make([]string, 0, len(p.vectors))
	for name := range p.vectors {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := p.vectors[name].SaveTo(w); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) persistFieldMap(w *storage.WriteTxn) error {
	data, err := p.fieldMap.MarshalJSON()
	if err != nil {
		return qerrors.InternalError("failed to encode field map", err)
	}
	return w.Put(storage.BucketFieldsIDsMap, []byte("map"), data)
}

// executeSettingsUpdate applies a settings transition: it diffs old against
// new via settingsdiff.Plan, swaps the live Settings, and rebuilds whatever
// sub-indexes the diff says are stale by replaying every stored document
// through the same addition path a fresh document add would take.
func (p *Pipeline) executeSettingsUpdate(ctx context.Context, plan *autobatch.Plan) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(plan.TaskUIDs) == 0 {
		return nil
	}
	// Consecutive settings updates fuse into one batch (autobatch treats
	// OpSettingsUpdate as compatible only with another settings update).
	// resolveSettings treats each update as the complete settings object, so
	// the last task in the batch is the one whose settings take effect.
	newSettings, err := p.payloads.SettingsUpdate(plan.TaskUIDs[len(plan.TaskUIDs)-1])
	if err != nil {
		return err
	}

	oldDiffSettings := p.toDiffSettings()
	diff, err := settingsdiff.Plan(&oldDiffSettings, newSettings)
	if err != nil {
		return err
	}

	resolved, err := p.resolveSettings(*newSettings)
	if err != nil {
		return err
	}

	return p.env.Update(func(w *storage.WriteTxn) error {
		p.settings = resolved

		if err := p.persistSettings(w, *newSettings); err != nil {
			return err
		}
		if diff.IsNoop() {
			return nil
		}
		if err := p.reindexAll(ctx, w, diff); err != nil {
			return err
		}
		return p.persistFieldMap(w)
	})
}

func (p *Pipeline) persistSettings(w *storage.WriteTxn, s settingsdiff.Settings) error {
	data, err := json.Marshal(s)
	if err != nil {
		return qerrors.InternalError("failed to encode settings", err)
	}
	return w.Put(storage.BucketSettings, []byte("settings"), data)
}

// LoadSettings reads back the settings object persisted by the most recent
// settings update, for a caller restoring a Pipeline after a process
// restart. Returns nil, nil if the index has never received a settings
// update (a fresh index still running on DefaultSettings).
func LoadSettings(r *storage.ReadTxn) (*settingsdiff.Settings, error) {
	raw := r.Get(storage.BucketSettings, []byte("settings"))
	if raw == nil {
		return nil, nil
	}
	var s settingsdiff.Settings
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, qerrors.InternalError("failed to decode persisted settings", err)
	}
	return &s, nil
}

// CurrentSettings returns the runtime settings' wire-level representation,
// the same shape a settings-update task carries, for a caller that needs to
// display or re-persist the live configuration.
func (p *Pipeline) CurrentSettings() settingsdiff.Settings {
	return p.toDiffSettings()
}

// ResolveSettings turns a settingsdiff.Settings (the wire-level settings
// object) into runtime Settings, carrying over any embedder.Embedder
// instance base already holds for a name whose configuration did not
// change. Exposed standalone so a caller can bootstrap a Pipeline's initial
// Settings from persisted state without faking a settings-update task.
func ResolveSettings(base Settings, new settingsdiff.Settings) (Settings, error) {
	p := &Pipeline{settings: base}
	return p.resolveSettings(new)
}

// reindexAll walks every stored document once and reapplies the add-side
// ops for whichever sub-indexes diff marks stale. A settings change is rare
// relative to document writes, so a full document-by-document rebuild is
// an acceptable simplification over tracking which specific postings a
// setting touched.
func (p *Pipeline) reindexAll(ctx context.Context, w *storage.WriteTxn, diff *settingsdiff.Diff) error {
	tokenizer := analysis.New(analysis.NormalizeOptions{
		StopWords:     p.settings.StopWords,
		Separators:    p.settings.Separators,
		NonSeparators: p.settings.NonSeparators,
	})

	invBuf := invindex.NewBuffer()
	strBuf := facet.NewStringBuffer()
	numBuf := facet.NewNumericBuffer()
	geoBuf := facet.NewGeoBuffer()

	toEmbed := make(map[string]bool)
	toRemove := make(map[string]bool)
	for _, vr := range diff.VectorReindexes {
		switch vr.Kind {
		case settingsdiff.VectorReindexFullyReindex, settingsdiff.VectorReindexRegenerateAll:
			toEmbed[vr.Embedder] = true
		case settingsdiff.VectorReindexRemove:
			toRemove[vr.Embedder] = true
		}
	}

	// A settings change invalidates its affected sub-databases wholesale
	// (the old postings were built against settings that no longer apply),
	// so start from empty rather than trying to retract against settings
	// that have already been swapped to their new value above.
	if diff.ReindexSearchable {
		for _, b := range [][]byte{storage.BucketWordDocids, storage.BucketWordPrefixDocids, storage.BucketWordPairProximityDocids, storage.BucketFieldIDWordCountDocids} {
			if err := w.ClearBucket(b); err != nil {
				return err
			}
		}
	}
	if diff.ReindexFacets {
		for _, b := range [][]byte{storage.BucketFacetIDStringDocids, storage.BucketFacetIDF64Docids, storage.BucketFacetFST} {
			if err := w.ClearBucket(b); err != nil {
				return err
			}
		}
	}
	if diff.ReindexGeo {
		for _, b := range [][]byte{storage.BucketGeoFacetedDocids, storage.BucketGeoPoints} {
			if err := w.ClearBucket(b); err != nil {
				return err
			}
		}
	}

	err := w.ForEach(storage.BucketDocuments, func(k, v []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		docID := decodeDocID(k)
		var doc map[string]any
		if err := json.Unmarshal(v, &doc); err != nil {
			return qerrors.Wrap(qerrors.ErrCodeCorruptedStore, err)
		}

		if diff.ReindexSearchable || diff.ReindexFacets || diff.ReindexGeo {
			invOp, strOp, numOp, geoOp := additionOps(doc, docID, p.settings, p.fieldMap, tokenizer)
			if diff.ReindexSearchable {
				invOp(invBuf)
			}
			if diff.ReindexFacets {
				strOp(strBuf)
				numOp(numBuf)
			}
			if diff.ReindexGeo {
				geoOp(geoBuf)
			}
		}

		for name := range toEmbed {
			binding, ok := p.settings.Embedders[name]
			if !ok {
				continue
			}
			rendered := renderTemplate(binding.DocumentTemplate, doc)
			if rendered == "" {
				continue
			}
			vecs, err := binding.Embedder.EmbedDocuments(ctx, []string{rendered}, embeddingDeadlineFromNow())
			if err != nil {
				return err
			}
			if len(vecs) != 1 {
				continue
			}
			if store, ok := p.vectors[name]; ok {
				if err := store.Add(docID, []float32(vecs[0])); err != nil {
					return err
				}
			}
		}
		for name := range toRemove {
			if store, ok := p.vectors[name]; ok {
				store.Remove(docID)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := invBuf.Flush(w); err != nil {
		return err
	}
	if err := strBuf.Flush(w); err != nil {
		return err
	}
	if err := numBuf.Flush(w); err != nil {
		return err
	}
	if err := geoBuf.Flush(w); err != nil {
		return err
	}
	for name := range toRemove {
		delete(p.vectors, name)
	}
	names := make([]string, 0, len(p.vectors))
	for name := range p.vectors {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := p.vectors[name].SaveTo(w); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) toDiffSettings() settingsdiff.Settings {
	s := settingsdiff.Settings{
		SearchableAttributes: p.settings.SearchableAttributes,
		PrimaryKey:           nonEmptyPtr(p.settings.PrimaryKey),
	}
	for f := range p.settings.FilterableAttributes {
		s.FilterableAttributes = append(s.FilterableAttributes, f)
	}
	for f := range p.settings.SortableAttributes {
		s.SortableAttributes = append(s.SortableAttributes, f)
	}
	sort.Strings(s.FilterableAttributes)
	sort.Strings(s.SortableAttributes)
	for word := range p.settings.StopWords {
		s.StopWords = append(s.StopWords, word)
	}
	sort.Strings(s.StopWords)
	if len(p.settings.Synonyms) > 0 {
		s.Synonyms = p.settings.Synonyms
	}
	if p.settings.DistinctAttribute != "" {
		d := p.settings.DistinctAttribute
		s.DistinctAttribute = &d
	}
	if p.settings.GeoField != "" {
		g := p.settings.GeoField
		s.GeoField = &g
	}
	s.Embedders = make(map[string]settingsdiff.EmbedderSettings, len(p.settings.Embedders))
	for name, b := range p.settings.Embedders {
		s.Embedders[name] = settingsdiff.EmbedderSettings{
			DocumentTemplate: b.DocumentTemplate,
			Dimensions:       b.Embedder.Dimensions(),
			Source:           string(b.source),
			Model:            b.model,
			BaseURL:          b.baseURL,
		}
	}
	return s
}

// resolveSettings turns a settingsdiff.Settings (the wire-level settings
// object) into the runtime Settings a Pipeline dispatches documents with.
// It intentionally carries over any embedder.Embedder instance p already
// holds for a name whose configuration did not change, so an unrelated
// settings update never tears down a live HTTP embedder client.
func (p *Pipeline) resolveSettings(new settingsdiff.Settings) (Settings, error) {
	resolved := DefaultSettings()
	resolved.SearchableAttributes = new.SearchableAttributes
	if new.PrimaryKey != nil {
		resolved.PrimaryKey = *new.PrimaryKey
	} else {
		resolved.PrimaryKey = p.settings.PrimaryKey
	}
	for _, f := range new.FilterableAttributes {
		resolved.FilterableAttributes[f] = true
	}
	for _, f := range new.SortableAttributes {
		resolved.SortableAttributes[f] = true
	}
	for _, word := range new.StopWords {
		resolved.StopWords[word] = true
	}
	if new.Synonyms != nil {
		resolved.Synonyms = new.Synonyms
	}
	if new.DistinctAttribute != nil {
		resolved.DistinctAttribute = *new.DistinctAttribute
	}
	if new.GeoField != nil {
		resolved.GeoField = *new.GeoField
	}
	resolved.MaxProximity = p.settings.MaxProximity
	resolved.MaxPrefixLen = p.settings.MaxPrefixLen
	resolved.SearchCutoffMs = p.settings.SearchCutoffMs

	for name, cfg := range new.Embedders {
		if existing, ok := p.settings.Embedders[name]; ok &&
			string(existing.source) == cfg.Source && existing.model == cfg.Model && existing.baseURL == cfg.BaseURL {
			existing.DocumentTemplate = cfg.DocumentTemplate
			resolved.Embedders[name] = existing
			continue
		}
		instance, err := embedder.New(toEmbedderConfig(name, cfg))
		if err != nil {
			return Settings{}, err
		}
		resolved.Embedders[name] = EmbedderBinding{
			Embedder:         instance,
			DocumentTemplate: cfg.DocumentTemplate,
			source:           embedder.Source(cfg.Source),
			model:            cfg.Model,
			baseURL:          cfg.BaseURL,
		}
	}
	return resolved, nil
}

// toEmbedderConfig adapts a diffed embedder settings object into the
// construction Config embedder.New expects, recursing into Sub for a
// composite source.
func toEmbedderConfig(name string, cfg settingsdiff.EmbedderSettings) embedder.Config {
	out := embedder.Config{
		Name:             name,
		Source:           embedder.Source(cfg.Source),
		Model:            cfg.Model,
		Dimensions:       cfg.Dimensions,
		APIKey:           cfg.APIKey,
		BaseURL:          cfg.BaseURL,
		DocumentTemplate: cfg.DocumentTemplate,
	}
	if len(cfg.Sub) > 0 {
		out.Sub = make(map[string]embedder.Config, len(cfg.Sub))
		for subName, subCfg := range cfg.Sub {
			out.Sub[subName] = toEmbedderConfig(subName, subCfg)
		}
	}
	return out
}

func nonEmptyPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
