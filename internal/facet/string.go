package facet

import (
	"encoding/binary"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/quillsearch/quill/internal/storage"
)

// StringOp is a DelAdd operation against one field's string facet value.
type StringOp struct {
	FieldID uint16
	Value   string
	DocID   uint32
	Add     bool
}

// StringBuffer accumulates string-facet postings for one indexing batch.
type StringBuffer struct {
	entries map[string]*stringDelta
}

type stringDelta struct {
	fieldID uint16
	value   string
	adds    *roaring.Bitmap
	removes *roaring.Bitmap
}

// NewStringBuffer returns an empty string-facet buffer.
func NewStringBuffer() *StringBuffer {
	return &StringBuffer{entries: make(map[string]*stringDelta)}
}

func stringKey(fieldID uint16, value string) string {
	buf := make([]byte, 2, 2+len(value))
	binary.BigEndian.PutUint16(buf, fieldID)
	return string(append(buf, value...))
}

// Apply records a StringOp.
func (b *StringBuffer) Apply(op StringOp) {
	key := stringKey(op.FieldID, op.Value)
	d, ok := b.entries[key]
	if !ok {
		d = &stringDelta{fieldID: op.FieldID, value: op.Value, adds: roaring.New(), removes: roaring.New()}
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

// Flush merges the buffer into storage and rebuilds the facet-search FST for
// every field touched in this batch (spec trades write cost for O(log n)
// facet-value search; an FST rebuild per batch is acceptable since batches
// are already the unit of indexing cost).
func (b *StringBuffer) Flush(w *storage.WriteTxn) error {
	touchedFields := make(map[uint16]bool)
	keys := make([]string, 0, len(b.entries))
	for k := range b.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		d := b.entries[key]
		touchedFields[d.fieldID] = true

		storageKey := []byte(key)
		existing := roaring.New()
		if raw := w.Get(storage.BucketFacetIDStringDocids, storageKey); raw != nil {
			_ = existing.UnmarshalBinary(raw)
		}
		final := existing.Clone()
		final.Or(d.adds)
		final.AndNot(d.removes)

		if final.IsEmpty() {
			if err := w.Delete(storage.BucketFacetIDStringDocids, storageKey); err != nil {
				return err
			}
			continue
		}
		buf, err := final.MarshalBinary()
		if err != nil {
			return err
		}
		if err := w.Put(storage.BucketFacetIDStringDocids, storageKey, buf); err != nil {
			return err
		}
	}

	for fieldID := range touchedFields {
		if err := rebuildFST(w, fieldID); err != nil {
			return err
		}
	}
	return nil
}

// StringDocids returns the posting list for one field's exact facet value.
func StringDocids(r *storage.ReadTxn, fieldID uint16, value string) *roaring.Bitmap {
	bm := roaring.New()
	raw := r.Get(storage.BucketFacetIDStringDocids, []byte(stringKey(fieldID, value)))
	if raw == nil {
		return bm
	}
	_ = bm.UnmarshalBinary(raw)
	return bm
}

// ForEachStringValue invokes fn with every distinct string facet value for
// fieldID and its posting bitmap, in ascending byte order. Used by the query
// executor's CONTAINS filter operator and EXISTS approximation, which both
// need to inspect every value rather than look one up by exact match.
func ForEachStringValue(r *storage.ReadTxn, fieldID uint16, fn func(value string, docids *roaring.Bitmap)) error {
	prefix := make([]byte, 2)
	binary.BigEndian.PutUint16(prefix, fieldID)

	return r.ForEach(storage.BucketFacetIDStringDocids, func(k, v []byte) error {
		if len(k) < 2 || string(k[:2]) != string(prefix) {
			return nil
		}
		bm := roaring.New()
		if err := bm.UnmarshalBinary(v); err != nil {
			return err
		}
		fn(string(k[2:]), bm)
		return nil
	})
}

// Distribution returns every distinct value and its document count for a
// string facet field, used to build the search response's facet distribution.
func Distribution(r *storage.ReadTxn, fieldID uint16) (map[string]uint64, error) {
	prefix := make([]byte, 2)
	binary.BigEndian.PutUint16(prefix, fieldID)

	out := make(map[string]uint64)
	err := r.ForEach(storage.BucketFacetIDStringDocids, func(k, v []byte) error {
		if len(k) < 2 || string(k[:2]) != string(prefix) {
			return nil
		}
		value := string(k[2:])
		bm := roaring.New()
		if err := bm.UnmarshalBinary(v); err != nil {
			return err
		}
		out[value] = bm.GetCardinality()
		return nil
	})
	return out, err
}
