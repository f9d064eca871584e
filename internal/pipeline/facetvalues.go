package pipeline

import "strconv"

// facetValues classifies a field's raw value(s) into the string/numeric
// facet buckets C5 maintains. Arrays are multi-valued facets (e.g. a "tags"
// field): every element is classified independently against the same docID.
func facetValues(v any) (strings []string, numbers []float64) {
	switch t := v.(type) {
	case string:
		return []string{t}, nil
	case float64:
		return nil, []float64{t}
	case bool:
		return []string{strconv.FormatBool(t)}, nil
	case []any:
		for _, elem := range t {
			s, n := facetValues(elem)
			strings = append(strings, s...)
			numbers = append(numbers, n...)
		}
		return strings, numbers
	default:
		return nil, nil
	}
}
