// Package facet builds and queries the facet and geo sub-databases: string
// facet postings, a numeric level-0 range index, an FST over facet string
// values for facet search/autocomplete, and a geo-tagged docid set used by
// the query planner's geo-radius and geo-bounding-box filters.
package facet
