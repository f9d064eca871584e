package invindex

import (
	"github.com/RoaringBitmap/roaring/v2"

	"github.com/quillsearch/quill/internal/storage"
)

// WordDocids returns the posting list for an exact word, or an empty bitmap
// if the word has never been indexed.
func WordDocids(r *storage.ReadTxn, word string) *roaring.Bitmap {
	return readBitmap(r, storage.BucketWordDocids, word)
}

// PrefixDocids returns the posting list for every document containing a word
// starting with prefix.
func PrefixDocids(r *storage.ReadTxn, prefix string) *roaring.Bitmap {
	return readBitmap(r, storage.BucketWordPrefixDocids, prefix)
}

// ProximityDocids returns the posting list for documents where wordA
// precedes wordB at exactly the given proximity.
func ProximityDocids(r *storage.ReadTxn, wordA, wordB string, proximity uint8) *roaring.Bitmap {
	return readBitmap(r, storage.BucketWordPairProximityDocids, proximityKey(wordA, wordB, proximity))
}

// FieldWordCountDocids returns documents whose fieldID has exactly wordCount
// searchable words, used to detect an exact whole-field match.
func FieldWordCountDocids(r *storage.ReadTxn, fieldID uint16, wordCount uint32) *roaring.Bitmap {
	return readBitmap(r, storage.BucketFieldIDWordCountDocids, fieldWordCountKey(fieldID, wordCount))
}

func readBitmap(r *storage.ReadTxn, bucket []byte, key string) *roaring.Bitmap {
	bm := roaring.New()
	raw := r.Get(bucket, []byte(key))
	if raw == nil {
		return bm
	}
	_ = bm.UnmarshalBinary(raw)
	return bm
}
