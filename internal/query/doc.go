// Package query implements the search executor: it turns a Query into a
// SearchResult by running the same phases indexing keeps in sync with --
// term expansion, filter evaluation against C5's facet indexes, candidate
// retrieval from C4's postings, a ranking-rule cascade, optional semantic/
// hybrid fusion against C6's vector stores, and result formatting.
package query
