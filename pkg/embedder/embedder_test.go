package embedder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsOllamaWithoutBaseURL(t *testing.T) {
	_, err := New(Config{Name: "e", Source: SourceOllama})
	assert.Error(t, err)
}

func TestNew_RejectsRestWithoutBaseURL(t *testing.T) {
	_, err := New(Config{Name: "e", Source: SourceRest})
	assert.Error(t, err)
}

func TestNew_RejectsUnknownSource(t *testing.T) {
	_, err := New(Config{Name: "e", Source: Source("bogus")})
	assert.Error(t, err)
}

func TestNew_RejectsNestedComposite(t *testing.T) {
	_, err := New(Config{
		Name:   "outer",
		Source: SourceComposite,
		Sub: map[string]Config{
			"inner": {Source: SourceComposite},
		},
	})
	assert.Error(t, err)
}

func TestOllamaEmbedder_EmbedDocuments_ParsesEmbeddingsArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		var body jsonBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"hello", "world"}, body.Input)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"embeddings": [][]float32{{1, 2, 3}, {4, 5, 6}},
		})
	}))
	defer srv.Close()

	e, err := New(Config{Name: "ollama-embedder", Source: SourceOllama, Model: "nomic-embed-text", Dimensions: 3, BaseURL: srv.URL})
	require.NoError(t, err)

	vecs, err := e.EmbedDocuments(context.Background(), []string{"hello", "world"}, time.Time{})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, Vector{1, 2, 3}, vecs[0])
	assert.Equal(t, Vector{4, 5, 6}, vecs[1])
}

func TestOpenAIEmbedder_EmbedQuery_ParsesDataEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{0.1, 0.2}}},
		})
	}))
	defer srv.Close()

	e, err := New(Config{Name: "openai-embedder", Source: SourceOpenAI, Model: "text-embedding-3-small", Dimensions: 2, BaseURL: srv.URL, APIKey: "secret"})
	require.NoError(t, err)

	vec, err := e.EmbedQuery(context.Background(), "find me matches", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, Vector{0.1, 0.2}, vec)
}

func TestHuggingFaceEmbedder_ParsesBareNestedArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([][]float32{{9, 8, 7}})
	}))
	defer srv.Close()

	e, err := New(Config{Name: "hf-embedder", Source: SourceHuggingFace, Model: "sentence-transformers/all-MiniLM-L6-v2", Dimensions: 3, BaseURL: srv.URL})
	require.NoError(t, err)

	vecs, err := e.EmbedDocuments(context.Background(), []string{"a document"}, time.Time{})
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	assert.Equal(t, Vector{9, 8, 7}, vecs[0])
}

func TestRestEmbedder_SurfacesNonOKStatusAsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	e, err := New(Config{Name: "rest-embedder", Source: SourceRest, Dimensions: 2, BaseURL: srv.URL})
	require.NoError(t, err)
	e.(*restEmbedder).retryCfg.MaxRetries = 0

	_, err = e.EmbedQuery(context.Background(), "q", time.Time{})
	assert.Error(t, err)
}

func TestUserProvidedEmbedder_RejectsGeneration(t *testing.T) {
	e, err := New(Config{Name: "manual", Source: SourceUserProvided, Dimensions: 4})
	require.NoError(t, err)

	_, err = e.EmbedDocuments(context.Background(), []string{"x"}, time.Time{})
	assert.Error(t, err)

	_, err = e.EmbedQuery(context.Background(), "q", time.Time{})
	assert.Error(t, err)

	assert.Equal(t, 4, e.Dimensions())
	assert.Equal(t, "manual", e.Name())
}

func TestCompositeEmbedder_ConcatenatesSubVectorsInNameOrder(t *testing.T) {
	srvA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float32{{1, 1}}})
	}))
	defer srvA.Close()
	srvB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float32{{2, 2, 2}}})
	}))
	defer srvB.Close()

	e, err := New(Config{
		Name:   "combined",
		Source: SourceComposite,
		Sub: map[string]Config{
			"a": {Source: SourceRest, Dimensions: 2, BaseURL: srvA.URL},
			"b": {Source: SourceRest, Dimensions: 3, BaseURL: srvB.URL},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 5, e.Dimensions())

	vecs, err := e.EmbedDocuments(context.Background(), []string{"doc"}, time.Time{})
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	assert.Equal(t, Vector{1, 1, 2, 2, 2}, vecs[0])
}

func TestCompositeEmbedder_RejectsDimensionMismatch(t *testing.T) {
	_, err := New(Config{
		Name:       "combined",
		Source:     SourceComposite,
		Dimensions: 10,
		Sub: map[string]Config{
			"a": {Source: SourceUserProvided, Dimensions: 2},
		},
	})
	assert.Error(t, err)
}
