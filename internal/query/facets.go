package query

import (
	"math"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/quillsearch/quill/internal/facet"
	"github.com/quillsearch/quill/internal/fields"
	"github.com/quillsearch/quill/internal/storage"
)

// facetValuesSortOrder selects how truncateFacetValues orders facet values:
// alphabetical by value, or by descending document count. Search always
// passes facetSortAlpha; no query option or setting selects facetSortCount.
type facetValuesSortOrder int

const (
	facetSortAlpha facetValuesSortOrder = iota
	facetSortCount
)

// computeFacetDistribution intersects each requested facet field's postings
// with the hit set and returns value->count, capped at maxValuesPerFacet.
// Numeric fields additionally contribute a FacetStat (min/max) rather than a
// per-value distribution, since numeric facet values are rarely enumerable.
func computeFacetDistribution(r *storage.ReadTxn, fieldMap *fields.Map, facetNames []string, hits *roaring.Bitmap, maxValues int, order facetValuesSortOrder) (map[string]map[string]uint64, map[string]FacetStat, error) {
	if len(facetNames) == 0 || hits.IsEmpty() {
		return nil, nil, nil
	}
	if maxValues <= 0 {
		maxValues = 100
	}

	dist := make(map[string]map[string]uint64)
	stats := make(map[string]FacetStat)

	for _, name := range facetNames {
		fieldID, ok := fieldMap.Lookup(name)
		if !ok {
			continue
		}

		values := make(map[string]uint64)
		var numericMin, numericMax float64
		sawNumeric := false

		if err := facet.ForEachStringValue(r, fieldID, func(value string, docids *roaring.Bitmap) {
			n := docids.Clone()
			n.And(hits)
			if count := n.GetCardinality(); count > 0 {
				values[value] = count
			}
		}); err != nil {
			return nil, nil, err
		}

		numericMin, numericMax, sawNumeric = numericRangeWithin(r, fieldID, hits)

		if len(values) > 0 {
			dist[name] = truncateFacetValues(values, maxValues, order)
		}
		if sawNumeric {
			stats[name] = FacetStat{Min: numericMin, Max: numericMax}
		}
	}
	return dist, stats, nil
}

// numericRangeWithin scans fieldID's numeric postings and returns the
// min/max value among documents also present in hits. facet.RangeDocids only
// exposes bitmap lookups by range, not raw values, so this walks every
// numeric value through facet.ForEachNumericValue.
func numericRangeWithin(r *storage.ReadTxn, fieldID uint16, hits *roaring.Bitmap) (min, max float64, found bool) {
	min, max = math.Inf(1), math.Inf(-1)
	_ = facet.ForEachNumericValue(r, fieldID, func(value float64, docids *roaring.Bitmap) {
		overlap := docids.Clone()
		overlap.And(hits)
		if overlap.IsEmpty() {
			return
		}
		if value < min {
			min = value
		}
		if value > max {
			max = value
		}
		found = true
	})
	if !found {
		return 0, 0, false
	}
	return min, max, true
}

func truncateFacetValues(values map[string]uint64, max int, order facetValuesSortOrder) map[string]uint64 {
	type kv struct {
		k string
		v uint64
	}
	all := make([]kv, 0, len(values))
	for k, v := range values {
		all = append(all, kv{k, v})
	}
	sort.Slice(all, func(i, j int) bool {
		if order == facetSortCount && all[i].v != all[j].v {
			return all[i].v > all[j].v
		}
		return all[i].k < all[j].k
	})
	if len(all) > max {
		all = all[:max]
	}
	out := make(map[string]uint64, len(all))
	for _, e := range all {
		out[e.k] = e.v
	}
	return out
}
