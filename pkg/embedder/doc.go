// Package embedder defines the narrow contract quill uses to call out to an
// external embedding provider, and the closed set of provider variants spec
// §9 supports: OpenAI, Ollama, HuggingFace, a user-provided vector passthrough,
// a generic REST endpoint, and a composite that fans out to the others and
// concatenates their outputs.
//
// Every variant that makes a network call (OpenAI, Ollama, HuggingFace, REST)
// shares one client wrapped in retry/circuit-breaker plumbing
// (internal/errors), and a composite gets it through its sub-embedders, so a
// flaky network call never crashes the indexing pipeline outright; it
// surfaces as a retryable ERR_303_EMBEDDING_FAILED task error instead. The
// user-provided variant makes no call and always returns ERR_303.
package embedder
