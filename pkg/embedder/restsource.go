package embedder

// newGenericRESTEmbedder backs SourceRest: an arbitrary user-configured
// endpoint speaking the same {"input": [...]} / {"embeddings": [...]}
// envelope as Ollama, at a caller-supplied BaseURL with the fixed path
// /embeddings.
func newGenericRESTEmbedder(cfg Config) *restEmbedder {
	build := defaultRequestBuilder(cfg.Model, "/embeddings")
	return newRESTEmbedder(cfg, build, defaultResponseParser)
}
