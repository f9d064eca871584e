package facet

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/quillsearch/quill/internal/storage"
)

// GeoPoint is a document's lat/lng for the configured geo field.
type GeoPoint struct {
	FieldID   uint16
	DocID     uint32
	Lat, Lng  float64
}

// GeoBuffer accumulates geo point writes for one indexing batch. Unlike a
// true R-tree, points are stored flat (docID -> lat/lng) and the
// geo_faceted_docids bitmap records which documents carry a geo point at
// all; radius queries scan every stored point with a haversine distance
// check, and bounding-box queries scan them with a plain lat/lng range
// comparison. This trades query-time scan cost for a much simpler
// writer, acceptable at the scale this engine targets (see DESIGN.md).
type GeoBuffer struct {
	points  map[uint32]GeoPoint
	removed map[uint32]uint16
}

// NewGeoBuffer returns an empty geo buffer.
func NewGeoBuffer() *GeoBuffer {
	return &GeoBuffer{points: make(map[uint32]GeoPoint), removed: make(map[uint32]uint16)}
}

// Set records that docID carries point (lat, lng) for fieldID.
func (b *GeoBuffer) Set(p GeoPoint) {
	b.points[p.DocID] = p
	delete(b.removed, p.DocID)
}

// Remove records that docID no longer carries a geo point for fieldID.
func (b *GeoBuffer) Remove(fieldID uint16, docID uint32) {
	b.removed[docID] = fieldID
	delete(b.points, docID)
}

// Flush merges the buffer into storage.
func (b *GeoBuffer) Flush(w *storage.WriteTxn) error {
	touched := make(map[uint16]bool)

	docIDs := make([]uint32, 0, len(b.points))
	for id := range b.points {
		docIDs = append(docIDs, id)
	}
	sort.Slice(docIDs, func(i, j int) bool { return docIDs[i] < docIDs[j] })

	for _, docID := range docIDs {
		p := b.points[docID]
		touched[p.FieldID] = true
		key := geoPointKey(docID)
		if err := w.Put(storage.BucketGeoPoints, key, encodeGeoPoint(p)); err != nil {
			return err
		}
	}

	removedDocIDs := make([]uint32, 0, len(b.removed))
	for id := range b.removed {
		removedDocIDs = append(removedDocIDs, id)
	}
	sort.Slice(removedDocIDs, func(i, j int) bool { return removedDocIDs[i] < removedDocIDs[j] })
	for _, docID := range removedDocIDs {
		fieldID := b.removed[docID]
		touched[fieldID] = true
		if err := w.Delete(storage.BucketGeoPoints, geoPointKey(docID)); err != nil {
			return err
		}
	}

	for fieldID := range touched {
		if err := rebuildGeoFacetedBitmap(w, fieldID); err != nil {
			return err
		}
	}
	return nil
}

func rebuildGeoFacetedBitmap(w *storage.WriteTxn, fieldID uint16) error {
	bm := roaring.New()
	err := w.ForEach(storage.BucketGeoPoints, func(k, v []byte) error {
		p := decodeGeoPoint(v)
		if p.FieldID != fieldID {
			return nil
		}
		bm.Add(decodeGeoPointDocID(k))
		return nil
	})
	if err != nil {
		return err
	}
	key := make([]byte, 2)
	binary.BigEndian.PutUint16(key, fieldID)
	if bm.IsEmpty() {
		return w.Delete(storage.BucketGeoFacetedDocids, key)
	}
	buf, err := bm.MarshalBinary()
	if err != nil {
		return err
	}
	return w.Put(storage.BucketGeoFacetedDocids, key, buf)
}

func geoPointKey(docID uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, docID)
	return buf
}

func decodeGeoPointDocID(key []byte) uint32 {
	return binary.BigEndian.Uint32(key)
}

func encodeGeoPoint(p GeoPoint) []byte {
	buf := make([]byte, 2+8+8)
	binary.BigEndian.PutUint16(buf[0:2], p.FieldID)
	binary.BigEndian.PutUint64(buf[2:10], math.Float64bits(p.Lat))
	binary.BigEndian.PutUint64(buf[10:18], math.Float64bits(p.Lng))
	return buf
}

func decodeGeoPoint(buf []byte) GeoPoint {
	return GeoPoint{
		FieldID: binary.BigEndian.Uint16(buf[0:2]),
		Lat:     math.Float64frombits(binary.BigEndian.Uint64(buf[2:10])),
		Lng:     math.Float64frombits(binary.BigEndian.Uint64(buf[10:18])),
	}
}

const earthRadiusMeters = 6371000.0

// HaversineMeters returns the great-circle distance between two points,
// also used by the query executor's _geoPoint sort to populate a hit's
// geo distance display field.
func HaversineMeters(lat1, lng1, lat2, lng2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// WithinRadius returns every docID whose fieldID geo point lies within
// radiusMeters of (lat, lng).
func WithinRadius(r *storage.ReadTxn, fieldID uint16, lat, lng, radiusMeters float64) (*roaring.Bitmap, error) {
	out := roaring.New()
	err := r.ForEach(storage.BucketGeoPoints, func(k, v []byte) error {
		p := decodeGeoPoint(v)
		if p.FieldID != fieldID {
			return nil
		}
		if HaversineMeters(lat, lng, p.Lat, p.Lng) <= radiusMeters {
			out.Add(decodeGeoPointDocID(k))
		}
		return nil
	})
	return out, err
}

// WithinBoundingBox returns every docID whose fieldID geo point lies within
// the box defined by its north-west and south-east corners.
func WithinBoundingBox(r *storage.ReadTxn, fieldID uint16, nwLat, nwLng, seLat, seLng float64) (*roaring.Bitmap, error) {
	out := roaring.New()
	err := r.ForEach(storage.BucketGeoPoints, func(k, v []byte) error {
		p := decodeGeoPoint(v)
		if p.FieldID != fieldID {
			return nil
		}
		if p.Lat <= nwLat && p.Lat >= seLat && p.Lng >= nwLng && p.Lng <= seLng {
			out.Add(decodeGeoPointDocID(k))
		}
		return nil
	})
	return out, err
}
