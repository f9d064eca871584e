package facet

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/blevesearch/vellum"

	"github.com/quillsearch/quill/internal/storage"
)

// rebuildFST regenerates the facet-search FST for fieldID from its current
// facet_id_string_docids entries. The FST maps each distinct value to its
// document count, giving facet search (spec §4.5) prefix/fuzzy lookup over
// facet values without a linear scan.
func rebuildFST(w *storage.WriteTxn, fieldID uint16) error {
	dist, err := distributionFromWriteTxn(w, fieldID)
	if err != nil {
		return err
	}

	values := make([]string, 0, len(dist))
	for v := range dist {
		values = append(values, v)
	}
	sort.Strings(values) // vellum requires keys inserted in lexicographic order

	var buf bytes.Buffer
	fstKey := fstBucketKey(fieldID)

	if len(values) == 0 {
		return w.Delete(storage.BucketFacetFST, fstKey)
	}

	builder, err := vellum.New(&buf, nil)
	if err != nil {
		return err
	}
	for _, v := range values {
		if err := builder.Insert([]byte(v), dist[v]); err != nil {
			return err
		}
	}
	if err := builder.Close(); err != nil {
		return err
	}
	return w.Put(storage.BucketFacetFST, fstKey, buf.Bytes())
}

func distributionFromWriteTxn(w *storage.WriteTxn, fieldID uint16) (map[string]uint64, error) {
	prefix := make([]byte, 2)
	binary.BigEndian.PutUint16(prefix, fieldID)

	out := make(map[string]uint64)
	err := w.ForEach(storage.BucketFacetIDStringDocids, func(k, v []byte) error {
		if len(k) < 2 || string(k[:2]) != string(prefix) {
			return nil
		}
		bm := roaring.New()
		if err := bm.UnmarshalBinary(v); err != nil {
			return err
		}
		out[string(k[2:])] = bm.GetCardinality()
		return nil
	})
	return out, err
}

func fstBucketKey(fieldID uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, fieldID)
	return buf
}

// SearchValues returns every facet value for fieldID whose bytes begin with
// prefix, using the persisted FST instead of scanning every posting key.
func SearchValues(r *storage.ReadTxn, fieldID uint16, prefix string) ([]string, error) {
	raw := r.Get(storage.BucketFacetFST, fstBucketKey(fieldID))
	if raw == nil {
		return nil, nil
	}
	fst, err := vellum.Load(raw)
	if err != nil {
		return nil, err
	}
	defer fst.Close()

	var end []byte
	if prefix != "" {
		end = append([]byte(prefix[:len(prefix)-1]), prefix[len(prefix)-1]+1)
	}

	itr, err := fst.Iterator([]byte(prefix), end)
	var out []string
	for err == nil {
		key, _ := itr.Current()
		out = append(out, string(key))
		err = itr.Next()
	}
	if err != nil && err != vellum.ErrIteratorDone {
		return nil, err
	}
	return out, nil
}
