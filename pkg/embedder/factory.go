package embedder

import qerrors "github.com/quillsearch/quill/internal/errors"

// New constructs the Embedder variant named by cfg.Source. Composite is the
// only variant that recurses: each entry in cfg.Sub is built through New
// itself, so a composite can nest any other provider (but not another
// composite, matching spec §9's closed variant set).
func New(cfg Config) (Embedder, error) {
	switch cfg.Source {
	case SourceOpenAI:
		return newOpenAIEmbedder(cfg), nil
	case SourceOllama:
		if cfg.BaseURL == "" {
			return nil, qerrors.ClientInputError(qerrors.ErrCodeInvalidSearchEmbedder,
				"embedder \""+cfg.Name+"\" of source ollama requires a baseUrl", nil)
		}
		return newOllamaEmbedder(cfg), nil
	case SourceHuggingFace:
		return newHuggingFaceEmbedder(cfg), nil
	case SourceRest:
		if cfg.BaseURL == "" {
			return nil, qerrors.ClientInputError(qerrors.ErrCodeInvalidSearchEmbedder,
				"embedder \""+cfg.Name+"\" of source rest requires a baseUrl", nil)
		}
		return newGenericRESTEmbedder(cfg), nil
	case SourceUserProvided:
		return newUserProvidedEmbedder(cfg), nil
	case SourceComposite:
		subs := make(map[string]Embedder, len(cfg.Sub))
		for name, subCfg := range cfg.Sub {
			if subCfg.Source == SourceComposite {
				return nil, qerrors.ClientInputError(qerrors.ErrCodeInvalidSearchEmbedder,
					"composite embedder \""+cfg.Name+"\" cannot nest another composite", nil)
			}
			subCfg.Name = name
			sub, err := New(subCfg)
			if err != nil {
				return nil, err
			}
			subs[name] = sub
		}
		return newCompositeEmbedder(cfg, subs)
	default:
		return nil, qerrors.ClientInputError(qerrors.ErrCodeInvalidSearchEmbedder,
			"unknown embedder source \""+string(cfg.Source)+"\" for embedder \""+cfg.Name+"\"", nil)
	}
}
