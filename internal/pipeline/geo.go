package pipeline

import qerrors "github.com/quillsearch/quill/internal/errors"

// extractGeoPoint reads "<geoField>.lat"/"<geoField>.lng" out of a flattened
// document. present is false when neither key is set (geo is optional per
// document even when the index has a geo field configured). Any other
// combination — one key missing, or either value not a finite number — is
// InvalidGeoField (spec S3).
func extractGeoPoint(fields map[string]any, geoField string) (lat, lng float64, present bool, err error) {
	if geoField == "" {
		return 0, 0, false, nil
	}
	latRaw, hasLat := fields[geoField+".lat"]
	lngRaw, hasLng := fields[geoField+".lng"]
	if !hasLat && !hasLng {
		return 0, 0, false, nil
	}
	if !hasLat || !hasLng {
		return 0, 0, false, invalidGeoField()
	}

	lat, ok := latRaw.(float64)
	if !ok {
		return 0, 0, false, invalidGeoField()
	}
	lng, ok = lngRaw.(float64)
	if !ok {
		return 0, 0, false, invalidGeoField()
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return 0, 0, false, invalidGeoField()
	}
	return lat, lng, true, nil
}

func invalidGeoField() error {
	return qerrors.ClientInputError(qerrors.ErrCodeInvalidGeoField,
		"geo field must carry numeric \"lat\" and \"lng\" values within valid ranges", nil)
}
