package query

import (
	"encoding/binary"

	"github.com/quillsearch/quill/internal/storage"
)

func encodeDocID(id uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, id)
	return buf
}

func decodeDocID(buf []byte) uint32 {
	return binary.BigEndian.Uint32(buf)
}

// externalIDFor resolves docID's primary-key string for result formatting.
// A miss means the document was deleted after the candidate bitmap was
// built from a read snapshot that no longer reflects the latest commit; the
// caller skips the hit rather than failing the whole search.
func externalIDFor(r *storage.ReadTxn, docID uint32) (string, bool) {
	raw := r.Get(storage.BucketDocidExternal, encodeDocID(docID))
	if raw == nil {
		return "", false
	}
	return string(raw), true
}

func documentFor(r *storage.ReadTxn, docID uint32) []byte {
	return r.Get(storage.BucketDocuments, encodeDocID(docID))
}
