package cmd

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quillsearch/quill/internal/indexrouter"
	"github.com/quillsearch/quill/internal/query"
	"github.com/quillsearch/quill/internal/storage"
)

type searchOptions struct {
	limit         int
	offset        int
	filter        string
	sort          []string
	facets        []string
	semanticRatio float64
	embedder      string
}

func newSearchCmd() *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <index> <query>",
		Short: "Run a search query against an index",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			indexUID := args[0]
			q := strings.Join(args[1:], " ")
			return runSearch(cmd, indexUID, q, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 20, "Maximum number of hits")
	cmd.Flags().IntVar(&opts.offset, "offset", 0, "Number of hits to skip")
	cmd.Flags().StringVar(&opts.filter, "filter", "", "Filter expression")
	cmd.Flags().StringSliceVar(&opts.sort, "sort", nil, "Sort criteria, e.g. price:asc")
	cmd.Flags().StringSliceVar(&opts.facets, "facets", nil, "Attributes to compute facet distribution for")
	cmd.Flags().Float64Var(&opts.semanticRatio, "semantic-ratio", -1, "Enable hybrid search with this semantic ratio (0 to 1)")
	cmd.Flags().StringVar(&opts.embedder, "embedder", "", "Embedder to use for semantic/hybrid search")

	return cmd
}

func runSearch(cmd *cobra.Command, indexUID, q string, opts searchOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	env, err := storage.Open(filepath.Join(cfg.DataDir, "indexes", indexUID), indexUID, storage.DefaultOptions())
	if err != nil {
		return err
	}
	defer env.Close()

	fieldMap, settings, vectors, err := indexrouter.RestoreState(env)
	if err != nil {
		return err
	}

	executor := query.NewExecutor(env, fieldMap, settings, vectors, nil)

	req := query.Query{
		Q:      q,
		Limit:  opts.limit,
		Offset: opts.offset,
		Filter: opts.filter,
		Sort:   opts.sort,
		Facets: opts.facets,
	}
	if opts.semanticRatio >= 0 {
		req.Hybrid = &query.HybridQuery{
			SemanticRatio: opts.semanticRatio,
			Embedder:      opts.embedder,
		}
	}

	result, err := executor.Search(cmd.Context(), req)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
