package invindex

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/quillsearch/quill/internal/analysis"
	"github.com/quillsearch/quill/internal/storage"
)

// Op is a single DelAdd operation against a word's posting list: Add merges
// docID into the bitmap, a pure delete (Add=false) removes it. The indexing
// pipeline emits one Del then one Add per changed document per word so that
// re-indexing an unchanged document is a no-op once both are applied.
type Op struct {
	Word  string
	DocID uint32
	Add   bool
}

// PrefixOp mirrors Op but for the word_prefix_docids database: Word here is
// already the prefix (e.g. every length-1..4 prefix of a token, capped by
// the settings' prefix search configuration).
type PrefixOp struct {
	Prefix string
	DocID  uint32
	Add    bool
}

// ProximityOp records that wordA precedes wordB at the given proximity
// (1 = adjacent, capped at 8 per spec, anything further is not indexed)
// within docID.
type ProximityOp struct {
	WordA, WordB string
	Proximity    uint8
	DocID        uint32
	Add          bool
}

// FieldWordCountOp records that docID has wordCount searchable words in
// fieldID, used by the exactness ranking rule to detect whole-field matches.
type FieldWordCountOp struct {
	FieldID   uint16
	WordCount uint32
	DocID     uint32
	Add       bool
}

// delta tracks the adds and removes queued against one posting key within a
// batch, kept apart so a remove can cancel a docID that already exists in
// storage rather than only cancelling an add queued in the same batch.
type delta struct {
	adds    *roaring.Bitmap
	removes *roaring.Bitmap
}

func newDelta() *delta {
	return &delta{adds: roaring.New(), removes: roaring.New()}
}

func (d *delta) apply(docID uint32, add bool) {
	if add {
		d.adds.Add(docID)
		d.removes.Remove(docID)
	} else {
		d.removes.Add(docID)
		d.adds.Remove(docID)
	}
}

// Buffer accumulates postings in memory for a single indexing batch before
// they are flushed into internal/storage. It is not safe for concurrent use;
// the pipeline's serial dispatcher fills a single Buffer per batch after its
// workers have joined.
type Buffer struct {
	words       map[string]*delta
	prefixes    map[string]*delta
	proximities map[string]*delta // key: proximityKey(a,b,prox)
	wordCounts  map[string]*delta // key: fieldWordCountKey(fieldID,count)
}

// NewBuffer returns an empty posting buffer.
func NewBuffer() *Buffer {
	return &Buffer{
		words:       make(map[string]*delta),
		prefixes:    make(map[string]*delta),
		proximities: make(map[string]*delta),
		wordCounts:  make(map[string]*delta),
	}
}

func deltaFor(m map[string]*delta, key string) *delta {
	d, ok := m[key]
	if !ok {
		d = newDelta()
		m[key] = d
	}
	return d
}

// ApplyWord records an Op against the in-memory word buffer.
func (b *Buffer) ApplyWord(op Op) {
	deltaFor(b.words, op.Word).apply(op.DocID, op.Add)
}

// ApplyPrefix records a PrefixOp.
func (b *Buffer) ApplyPrefix(op PrefixOp) {
	deltaFor(b.prefixes, op.Prefix).apply(op.DocID, op.Add)
}

// ApplyProximity records a ProximityOp.
func (b *Buffer) ApplyProximity(op ProximityOp) {
	key := proximityKey(op.WordA, op.WordB, op.Proximity)
	deltaFor(b.proximities, key).apply(op.DocID, op.Add)
}

// ApplyFieldWordCount records a FieldWordCountOp.
func (b *Buffer) ApplyFieldWordCount(op FieldWordCountOp) {
	key := fieldWordCountKey(op.FieldID, op.WordCount)
	deltaFor(b.wordCounts, key).apply(op.DocID, op.Add)
}

// IndexDocumentWords derives and applies every Op/PrefixOp/ProximityOp for
// one field's analyzed token stream of one document, capping proximity
// tracking at maxProximity words apart (spec default: 8) and prefixes at
// maxPrefixLen runes (spec default: 4).
func (b *Buffer) IndexDocumentWords(docID uint32, fieldID uint16, tokens []analysis.Token, maxProximity uint8, maxPrefixLen int) {
	b.applyDocumentWords(docID, fieldID, tokens, maxProximity, maxPrefixLen, true)
}

// DeleteDocumentWords derives and applies the same postings as
// IndexDocumentWords but as removals, so the pipeline can retract a
// document's previous field content before re-tokenizing its new content on
// update, or fully retract it on delete.
func (b *Buffer) DeleteDocumentWords(docID uint32, fieldID uint16, tokens []analysis.Token, maxProximity uint8, maxPrefixLen int) {
	b.applyDocumentWords(docID, fieldID, tokens, maxProximity, maxPrefixLen, false)
}

func (b *Buffer) applyDocumentWords(docID uint32, fieldID uint16, tokens []analysis.Token, maxProximity uint8, maxPrefixLen int, add bool) {
	words := analysis.Words(tokens)
	wordCount := uint32(0)

	for i, tok := range words {
		if tok.Normalized == "" {
			continue
		}
		wordCount++
		b.ApplyWord(Op{Word: tok.Normalized, DocID: docID, Add: add})

		for plen := 1; plen <= maxPrefixLen && plen < len([]rune(tok.Normalized)); plen++ {
			prefix := string([]rune(tok.Normalized)[:plen])
			b.ApplyPrefix(PrefixOp{Prefix: prefix, DocID: docID, Add: add})
		}

		for j := i + 1; j < len(words) && j-i <= int(maxProximity); j++ {
			other := words[j]
			if other.Normalized == "" {
				continue
			}
			prox := uint8(j - i)
			b.ApplyProximity(ProximityOp{
				WordA: tok.Normalized, WordB: other.Normalized,
				Proximity: prox, DocID: docID, Add: add,
			})
		}
	}

	if wordCount > 0 {
		b.ApplyFieldWordCount(FieldWordCountOp{FieldID: fieldID, WordCount: wordCount, DocID: docID, Add: add})
	}
}

// Flush merges the buffer into the storage write transaction, unioning each
// touched bitmap with whatever is already persisted and deleting entries
// that become empty (a word with zero remaining docs is pruned so stale
// keys don't accumulate across many small edits).
func (b *Buffer) Flush(w *storage.WriteTxn) error {
	if err := flushBitmaps(w, storage.BucketWordDocids, b.words); err != nil {
		return err
	}
	if err := flushBitmaps(w, storage.BucketWordPrefixDocids, b.prefixes); err != nil {
		return err
	}
	if err := flushBitmaps(w, storage.BucketWordPairProximityDocids, b.proximities); err != nil {
		return err
	}
	if err := flushBitmaps(w, storage.BucketFieldIDWordCountDocids, b.wordCounts); err != nil {
		return err
	}
	return nil
}

func flushBitmaps(w *storage.WriteTxn, bucket []byte, pending map[string]*delta) error {
	keys := make([]string, 0, len(pending))
	for k := range pending {
		keys = append(keys, k)
	}
	sort.Strings(keys) // deterministic commit order for reproducible snapshots

	for _, key := range keys {
		d := pending[key]
		existing := roaring.New()
		if raw := w.Get(bucket, []byte(key)); raw != nil {
			if err := existing.UnmarshalBinary(raw); err != nil {
				return fmt.Errorf("invindex: decode existing postings for %q: %w", key, err)
			}
		}

		final := existing.Clone()
		final.Or(d.adds)
		final.AndNot(d.removes)
		if final.IsEmpty() {
			if err := w.Delete(bucket, []byte(key)); err != nil {
				return err
			}
			continue
		}
		buf, err := final.MarshalBinary()
		if err != nil {
			return fmt.Errorf("invindex: encode postings for %q: %w", key, err)
		}
		if err := w.Put(bucket, []byte(key), buf); err != nil {
			return err
		}
	}
	return nil
}

func proximityKey(a, b string, proximity uint8) string {
	var buf bytes.Buffer
	buf.WriteString(a)
	buf.WriteByte(0)
	buf.WriteString(b)
	buf.WriteByte(0)
	buf.WriteByte(proximity)
	return buf.String()
}

func fieldWordCountKey(fieldID uint16, count uint32) string {
	buf := make([]byte, 2+4)
	binary.BigEndian.PutUint16(buf[:2], fieldID)
	binary.BigEndian.PutUint32(buf[2:], count)
	return string(buf)
}
