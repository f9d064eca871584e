package embedder

import (
	"context"
	"sort"
	"time"

	qerrors "github.com/quillsearch/quill/internal/errors"
)

// compositeEmbedder fans a template out to every sub-embedder (in
// deterministic name order) and concatenates their vectors into one, so a
// document can be embedded by several models at once without the query
// planner needing to know that.
type compositeEmbedder struct {
	cfg   Config
	names []string
	subs  map[string]Embedder
}

func newCompositeEmbedder(cfg Config, subs map[string]Embedder) (*compositeEmbedder, error) {
	names := make([]string, 0, len(subs))
	total := 0
	for name, sub := range subs {
		names = append(names, name)
		total += sub.Dimensions()
	}
	sort.Strings(names)
	if cfg.Dimensions != 0 && total != cfg.Dimensions {
		return nil, qerrors.ClientInputError(qerrors.ErrCodeInvalidVectorDimensions,
			"composite embedder \""+cfg.Name+"\" declares dimensions that do not match the sum of its sub-embedders", nil)
	}
	cfg.Dimensions = total
	return &compositeEmbedder{cfg: cfg, names: names, subs: subs}, nil
}

func (e *compositeEmbedder) Name() string    { return e.cfg.Name }
func (e *compositeEmbedder) Dimensions() int { return e.cfg.Dimensions }

func (e *compositeEmbedder) EmbedDocuments(ctx context.Context, templates []string, deadline time.Time) ([]Vector, error) {
	out := make([]Vector, len(templates))
	for i := range out {
		out[i] = make(Vector, 0, e.cfg.Dimensions)
	}
	for _, name := range e.names {
		vecs, err := e.subs[name].EmbedDocuments(ctx, templates, deadline)
		if err != nil {
			return nil, err
		}
		if len(vecs) != len(templates) {
			return nil, qerrors.EmbeddingError("sub-embedder \""+name+"\" returned a mismatched vector count", nil)
		}
		for i, v := range vecs {
			out[i] = append(out[i], v...)
		}
	}
	return out, nil
}

func (e *compositeEmbedder) EmbedQuery(ctx context.Context, query string, deadline time.Time) (Vector, error) {
	out := make(Vector, 0, e.cfg.Dimensions)
	for _, name := range e.names {
		v, err := e.subs[name].EmbedQuery(ctx, query, deadline)
		if err != nil {
			return nil, err
		}
		out = append(out, v...)
	}
	return out, nil
}
