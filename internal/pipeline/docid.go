package pipeline

import (
	"encoding/binary"

	qerrors "github.com/quillsearch/quill/internal/errors"
	"github.com/quillsearch/quill/internal/storage"
)

// nextIDKey is a sentinel key in docid_internal reserved for the monotonic
// internal-id counter; it can never collide with an external id since every
// real key there is a user-supplied primary-key string.
var nextIDKey = []byte{0x00}

func encodeDocID(id uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, id)
	return buf
}

func decodeDocID(buf []byte) uint32 {
	return binary.BigEndian.Uint32(buf)
}

// lookupDocID returns the internal id already assigned to externalID, if any.
func lookupDocID(w *storage.WriteTxn, externalID string) (uint32, bool) {
	raw := w.Get(storage.BucketDocidInternal, []byte(externalID))
	if raw == nil {
		return 0, false
	}
	return decodeDocID(raw), true
}

// allocateDocID assigns a fresh internal id to externalID and records both
// directions of the bijection (docid_internal/docid_external), per the
// primary-key bijection property every committed snapshot must hold.
func allocateDocID(w *storage.WriteTxn, externalID string) (uint32, error) {
	counterRaw := w.Get(storage.BucketDocidInternal, nextIDKey)
	var next uint32
	if counterRaw != nil {
		next = decodeDocID(counterRaw)
	}
	id := next
	next++

	if err := w.Put(storage.BucketDocidInternal, nextIDKey, encodeDocID(next)); err != nil {
		return 0, err
	}
	if err := w.Put(storage.BucketDocidInternal, []byte(externalID), encodeDocID(id)); err != nil {
		return 0, err
	}
	if err := w.Put(storage.BucketDocidExternal, encodeDocID(id), []byte(externalID)); err != nil {
		return 0, err
	}
	return id, nil
}

// deleteDocID removes both directions of the id bijection for docID/externalID.
func deleteDocID(w *storage.WriteTxn, externalID string, docID uint32) error {
	if err := w.Delete(storage.BucketDocidInternal, []byte(externalID)); err != nil {
		return err
	}
	return w.Delete(storage.BucketDocidExternal, encodeDocID(docID))
}

func externalIDFor(w *storage.WriteTxn, docID uint32) (string, error) {
	raw := w.Get(storage.BucketDocidExternal, encodeDocID(docID))
	if raw == nil {
		return "", qerrors.StateError(qerrors.ErrCodeDocumentNotFound,
			"no document is registered for internal id", nil)
	}
	return string(raw), nil
}
