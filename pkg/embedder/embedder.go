package embedder

import (
	"context"
	"time"
)

// Vector is a single embedding.
type Vector []float32

// Embedder is the narrow contract the indexing pipeline and query planner
// both depend on. embed_documents batches multiple field templates together
// (one call per document, not per field) since most providers charge per
// request; embed_query is a single string because search requests embed one
// query string at a time.
type Embedder interface {
	// EmbedDocuments returns one vector per input template, in order. deadline
	// bounds the whole batch, not each individual item.
	EmbedDocuments(ctx context.Context, templates []string, deadline time.Time) ([]Vector, error)

	// EmbedQuery returns the embedding of a single search query string.
	EmbedQuery(ctx context.Context, query string, deadline time.Time) (Vector, error)

	// Dimensions reports the fixed output size of every vector this embedder
	// produces.
	Dimensions() int

	// Name identifies the embedder for logging and the vector_store/<name>
	// storage bucket.
	Name() string
}

// Source is the closed set of embedder variants spec §9 supports.
type Source string

const (
	SourceOpenAI       Source = "openAi"
	SourceOllama       Source = "ollama"
	SourceHuggingFace  Source = "huggingFace"
	SourceUserProvided Source = "userProvided"
	SourceRest         Source = "rest"
	SourceComposite    Source = "composite"
)

// Config describes one named embedder's configuration, as persisted in
// index settings (internal/settingsdiff.EmbedderSettings carries the subset
// relevant to reindex decisions; Config is the fuller runtime shape).
type Config struct {
	Name             string
	Source           Source
	Model            string
	Dimensions       int
	APIKey           string
	BaseURL          string // required for SourceOllama, SourceRest
	DocumentTemplate string
	// Sub configures each leaf embedder for SourceComposite, keyed by name;
	// unused for every other Source.
	Sub map[string]Config
}
