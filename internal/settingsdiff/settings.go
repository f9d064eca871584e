package settingsdiff

// EmbedderSettings configures one named embedder.
type EmbedderSettings struct {
	Source           string // "openAi" | "ollama" | "huggingFace" | "userProvided" | "rest" | "composite"
	Model            string
	Dimensions       int
	DocumentTemplate string
	// BaseURL and APIKey carry the connection details for sources that need
	// them (ollama, rest); they play no role in the reindex diff beyond
	// implying a full re-embed when the endpoint moves, since the vector
	// content a different backend produces cannot be assumed compatible.
	BaseURL string
	APIKey  string
	// Sub configures each leaf embedder for a composite source, keyed by
	// name; unused for every other source.
	Sub map[string]EmbedderSettings
}

// Settings is the subset of index settings that reindexing decisions depend
// on. It mirrors spec §5's settings object.
type Settings struct {
	SearchableAttributes []string
	FilterableAttributes []string
	SortableAttributes   []string
	DistinctAttribute    *string
	StopWords            []string
	Synonyms             map[string][]string
	Separators           []string
	NonSeparators        []string
	GeoField             *string
	Embedders            map[string]EmbedderSettings
	PrimaryKey           *string
}
