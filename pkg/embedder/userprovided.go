package embedder

import (
	"context"
	"time"

	qerrors "github.com/quillsearch/quill/internal/errors"
)

// userProvidedEmbedder never calls out anywhere and generates no vectors:
// EmbedDocuments and EmbedQuery both return an error. It exists so the
// pipeline can treat every embedder uniformly instead of special-casing
// SourceUserProvided at each call site.
type userProvidedEmbedder struct {
	cfg Config
}

func newUserProvidedEmbedder(cfg Config) *userProvidedEmbedder {
	return &userProvidedEmbedder{cfg: cfg}
}

func (e *userProvidedEmbedder) Name() string    { return e.cfg.Name }
func (e *userProvidedEmbedder) Dimensions() int { return e.cfg.Dimensions }

// EmbedDocuments rejects the call: there is no model to generate a vector
// from a template.
func (e *userProvidedEmbedder) EmbedDocuments(ctx context.Context, templates []string, deadline time.Time) ([]Vector, error) {
	return nil, qerrors.EmbeddingError("embedder \""+e.cfg.Name+"\" is user-provided and cannot generate vectors from a template", nil)
}

func (e *userProvidedEmbedder) EmbedQuery(ctx context.Context, query string, deadline time.Time) (Vector, error) {
	return nil, qerrors.EmbeddingError("embedder \""+e.cfg.Name+"\" is user-provided and cannot embed a free-text query", nil)
}
