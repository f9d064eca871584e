package facet

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/quillsearch/quill/internal/storage"
)

// NumericOp is a DelAdd operation against one field's numeric facet value.
type NumericOp struct {
	FieldID uint16
	Value   float64
	DocID   uint32
	Add     bool
}

// NumericBuffer accumulates level-0 numeric facet postings. Keys are encoded
// so that bbolt's byte order equals numeric order, which lets range queries
// (spec's facet range filters) select values by comparing encoded keys
// rather than parsing floats.
type NumericBuffer struct {
	entries map[string]*numericDelta
}

type numericDelta struct {
	fieldID uint16
	value   float64
	adds    *roaring.Bitmap
	removes *roaring.Bitmap
}

// NewNumericBuffer returns an empty numeric-facet buffer.
func NewNumericBuffer() *NumericBuffer {
	return &NumericBuffer{entries: make(map[string]*numericDelta)}
}

// sortableFloat64Bytes maps a float64 onto a big-endian byte sequence whose
// unsigned lexicographic order matches float64 numeric order (IEEE-754
// order-preserving transform: flip the sign bit for positives, flip every
// bit for negatives).
func sortableFloat64Bytes(v float64) []byte {
	bits := math.Float64bits(v)
	if v >= 0 {
		bits ^= 1 << 63
	} else {
		bits = ^bits
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, bits)
	return buf
}

func numericKey(fieldID uint16, value float64) string {
	buf := make([]byte, 2, 10)
	binary.BigEndian.PutUint16(buf, fieldID)
	return string(append(buf, sortableFloat64Bytes(value)...))
}

// Apply records a NumericOp.
func (b *NumericBuffer) Apply(op NumericOp) {
	key := numericKey(op.FieldID, op.Value)
	d, ok := b.entries[key]
	if !ok {
		d = &numericDelta{fieldID: op.FieldID, value: op.Value, adds: roaring.New(), removes: roaring.New()}
		b.entries[key] = d
	}
	if op.Add {
		d.adds.Add(op.DocID)
		d.removes.Remove(op.DocID)
	} else {
		d.removes.Add(op.DocID)
		d.adds.Remove(op.DocID)
	}
}

// Flush merges the buffer into storage.
func (b *NumericBuffer) Flush(w *storage.WriteTxn) error {
	keys := make([]string, 0, len(b.entries))
	for k := range b.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		d := b.entries[key]
		storageKey := []byte(key)
		existing := roaring.New()
		if raw := w.Get(storage.BucketFacetIDF64Docids, storageKey); raw != nil {
			_ = existing.UnmarshalBinary(raw)
		}
		final := existing.Clone()
		final.Or(d.adds)
		final.AndNot(d.removes)

		if final.IsEmpty() {
			if err := w.Delete(storage.BucketFacetIDF64Docids, storageKey); err != nil {
				return err
			}
			continue
		}
		buf, err := final.MarshalBinary()
		if err != nil {
			return err
		}
		if err := w.Put(storage.BucketFacetIDF64Docids, storageKey, buf); err != nil {
			return err
		}
	}
	return nil
}

// sortableBytesToFloat64 inverts sortableFloat64Bytes.
func sortableBytesToFloat64(buf []byte) float64 {
	bits := binary.BigEndian.Uint64(buf)
	if bits&(1<<63) != 0 {
		bits ^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}

// ForEachNumericValue invokes fn with every distinct numeric facet value for
// fieldID and its posting bitmap. Used by facet_stats min/max computation,
// which needs the raw values rather than a range-bounded bitmap union.
func ForEachNumericValue(r *storage.ReadTxn, fieldID uint16, fn func(value float64, docids *roaring.Bitmap)) error {
	prefix := make([]byte, 2)
	binary.BigEndian.PutUint16(prefix, fieldID)

	return r.ForEach(storage.BucketFacetIDF64Docids, func(k, v []byte) error {
		if len(k) < 10 || string(k[:2]) != string(prefix) {
			return nil
		}
		bm := roaring.New()
		if err := bm.UnmarshalBinary(v); err != nil {
			return err
		}
		fn(sortableBytesToFloat64(k[2:10]), bm)
		return nil
	})
}

// RangeDocids unions every docid whose fieldID facet value falls within
// [min, max] by walking the whole bucket and keeping the keys that fall
// inside the sortable-encoded key range.
func RangeDocids(r *storage.ReadTxn, fieldID uint16, min, max float64) (*roaring.Bitmap, error) {
	out := roaring.New()
	fieldPrefix := make([]byte, 2)
	binary.BigEndian.PutUint16(fieldPrefix, fieldID)
	lowKey := numericKey(fieldID, min)
	highKey := numericKey(fieldID, max)

	err := r.ForEach(storage.BucketFacetIDF64Docids, func(k, v []byte) error {
		if len(k) < 2 || string(k[:2]) != string(fieldPrefix) {
			return nil
		}
		key := string(k)
		if key < lowKey || key > highKey {
			return nil
		}
		bm := roaring.New()
		if err := bm.UnmarshalBinary(v); err != nil {
			return err
		}
		out.Or(bm)
		return nil
	})
	return out, err
}
