package embedder

// newOpenAIEmbedder targets OpenAI's /v1/embeddings endpoint, which returns
// {"data": [{"embedding": [...]}, ...]} rather than a bare "embeddings" array.
func newOpenAIEmbedder(cfg Config) *restEmbedder {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	build := defaultRequestBuilder(cfg.Model, "/v1/embeddings")
	return newRESTEmbedder(cfg, build, defaultResponseParser)
}
