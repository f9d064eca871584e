package embedder

// newOllamaEmbedder targets a local or remote Ollama server's /api/embed
// endpoint, which accepts {"model":..., "input": [...]} and returns
// {"embeddings": [[...], ...]}.
func newOllamaEmbedder(cfg Config) *restEmbedder {
	build := defaultRequestBuilder(cfg.Model, "/api/embed")
	return newRESTEmbedder(cfg, build, defaultResponseParser)
}
