package embedder

import (
	"encoding/json"

	qerrors "github.com/quillsearch/quill/internal/errors"
)

// newHuggingFaceEmbedder targets the HuggingFace inference API, which
// responds to a feature-extraction request with a bare nested JSON array
// ([[...], [...]]) rather than the {"data": [...]} / {"embeddings": [...]}
// envelope the other providers use.
func newHuggingFaceEmbedder(cfg Config) *restEmbedder {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api-inference.huggingface.co/pipeline/feature-extraction"
	}
	build := defaultRequestBuilder(cfg.Model, "/"+cfg.Model)
	return newRESTEmbedder(cfg, build, parseHuggingFaceResponse)
}

func parseHuggingFaceResponse(body []byte) ([]Vector, error) {
	var raw [][]float32
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, qerrors.EmbeddingError("failed to decode HuggingFace embedder response", err)
	}
	out := make([]Vector, len(raw))
	for i, v := range raw {
		out[i] = Vector(v)
	}
	return out, nil
}
