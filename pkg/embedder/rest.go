package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	qerrors "github.com/quillsearch/quill/internal/errors"
)

// restEmbedder implements Embedder against a generic REST endpoint that
// accepts {"input": [...]} and returns {"embeddings": [[...], ...]}. OpenAI,
// HuggingFace, Ollama, and a bare SourceRest config all speak a variant of
// this shape closely enough to share one client, differing only in base URL,
// request path, and response envelope handled by buildRequest/parseResponse.
type restEmbedder struct {
	client         *http.Client
	cfg            Config
	circuitBreaker *qerrors.CircuitBreaker
	retryCfg       qerrors.RetryConfig
	buildRequest   func(baseURL string, texts []string, isQuery bool) (*http.Request, error)
	parseResponse  func(body []byte) ([]Vector, error)
}

func newRESTEmbedder(cfg Config, buildRequest func(string, []string, bool) (*http.Request, error), parseResponse func([]byte) ([]Vector, error)) *restEmbedder {
	retryCfg := qerrors.DefaultRetryConfig()
	retryCfg.MaxRetries = 2
	retryCfg.InitialDelay = 200 * time.Millisecond
	return &restEmbedder{
		client:         &http.Client{Timeout: 60 * time.Second},
		cfg:            cfg,
		circuitBreaker: qerrors.NewCircuitBreaker(cfg.Name),
		retryCfg:       retryCfg,
		buildRequest:   buildRequest,
		parseResponse:  parseResponse,
	}
}

func (e *restEmbedder) Name() string    { return e.cfg.Name }
func (e *restEmbedder) Dimensions() int { return e.cfg.Dimensions }

func (e *restEmbedder) EmbedDocuments(ctx context.Context, templates []string, deadline time.Time) ([]Vector, error) {
	return e.embed(ctx, templates, false, deadline)
}

func (e *restEmbedder) EmbedQuery(ctx context.Context, query string, deadline time.Time) (Vector, error) {
	vecs, err := e.embed(ctx, []string{query}, true, deadline)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *restEmbedder) embed(ctx context.Context, texts []string, isQuery bool, deadline time.Time) ([]Vector, error) {
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	var vecs []Vector
	err := e.circuitBreaker.Execute(func() error {
		return qerrors.RetryIf(ctx, e.retryCfg, func() error {
			req, err := e.buildRequest(e.cfg.BaseURL, texts, isQuery)
			if err != nil {
				return qerrors.EmbeddingError("failed to build embedder request", err)
			}
			req = req.WithContext(ctx)
			if e.cfg.APIKey != "" {
				req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
			}

			resp, err := e.client.Do(req)
			if err != nil {
				return qerrors.EmbeddingError("embedder request failed", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return qerrors.EmbeddingError("failed to read embedder response", err)
			}
			if resp.StatusCode != http.StatusOK {
				embedErr := qerrors.EmbeddingError(fmt.Sprintf("embedder returned status %d: %s", resp.StatusCode, body), nil)
				// A 4xx other than 429 means the request itself is wrong
				// (bad key, bad model, malformed body) and will fail the
				// same way every time, so don't burn retries on it.
				if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
					embedErr.Retryable = false
				}
				return embedErr
			}

			vecs, err = e.parseResponse(body)
			return err
		}, retryableEmbedderError)
	})
	return vecs, err
}

// retryableEmbedderError defers to a *qerrors.QuillError's own Retryable
// flag. embed wraps every failure (transport, non-2xx response, malformed
// body) as ERR_303, which is retryable unless a non-429 4xx cleared the
// flag; any other error type is assumed transient.
func retryableEmbedderError(err error) bool {
	qe, ok := err.(*qerrors.QuillError)
	if !ok {
		return true
	}
	return qe.Retryable
}

// jsonBody is the shared request shape for OpenAI/HuggingFace/Ollama/Rest:
// most embedding APIs accept an "input" array and a "model" field.
type jsonBody struct {
	Input []string `json:"input"`
	Model string   `json:"model,omitempty"`
}

func defaultRequestBuilder(model, path string) func(string, []string, bool) (*http.Request, error) {
	return func(baseURL string, texts []string, _ bool) (*http.Request, error) {
		payload, err := json.Marshal(jsonBody{Input: texts, Model: model})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequest(http.MethodPost, baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}
}

type embeddingsResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Data       []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func defaultResponseParser(body []byte) ([]Vector, error) {
	var resp embeddingsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, qerrors.EmbeddingError("failed to decode embedder response", err)
	}
	var raw [][]float32
	if len(resp.Embeddings) > 0 {
		raw = resp.Embeddings
	} else {
		for _, d := range resp.Data {
			raw = append(raw, d.Embedding)
		}
	}
	out := make([]Vector, len(raw))
	for i, v := range raw {
		out[i] = Vector(v)
	}
	return out, nil
}
