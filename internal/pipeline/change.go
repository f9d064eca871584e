package pipeline

import (
	"regexp"
	"strconv"

	qerrors "github.com/quillsearch/quill/internal/errors"
)

// Policy selects how an existing document's fields are combined with a
// DocumentChange's Fields: Replace discards everything not present in
// Fields, Update deep-merges on top-level keys only (nested values replace
// wholesale, per spec §4.7 step 2).
type Policy int

const (
	PolicyReplace Policy = iota
	PolicyUpdate
)

// DocumentChange is one document mutation within a batch: an add/update
// (Delete=false, Fields populated) or a delete (Delete=true, Fields unused).
// ExternalID is resolved by the caller before dispatch for delete-by-filter
// tasks (C8's filter evaluation resolves the candidate ids; C7 only ever
// sees concrete ids to retract).
type DocumentChange struct {
	ExternalID string
	Policy     Policy
	Delete     bool
	Fields     map[string]any
}

const maxPrimaryKeyBytes = 511

var primaryKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// extractPrimaryKey reads and validates the primary key value out of fields,
// returning its canonical string form. Integers are accepted and rendered
// via their decimal string, matching spec §4.7 step 1.
func extractPrimaryKey(fields map[string]any, primaryKey string) (string, error) {
	v, ok := fields[primaryKey]
	if !ok || v == nil {
		return "", qerrors.ClientInputError(qerrors.ErrCodeMissingDocumentId,
			"document is missing its primary key field \""+primaryKey+"\"", nil)
	}

	switch t := v.(type) {
	case string:
		if len(t) == 0 || len(t) > maxPrimaryKeyBytes || !primaryKeyPattern.MatchString(t) {
			return "", invalidDocumentID(t)
		}
		return t, nil
	case float64:
		if t != float64(int64(t)) {
			return "", invalidDocumentID(strconv.FormatFloat(t, 'f', -1, 64))
		}
		return strconv.FormatInt(int64(t), 10), nil
	default:
		return "", invalidDocumentID("")
	}
}

func invalidDocumentID(raw string) error {
	return qerrors.ClientInputError(qerrors.ErrCodeInvalidDocumentId,
		"document id must be a string of up to 511 bytes matching [A-Za-z0-9_-], or an integer; got "+strconv.Quote(raw), nil)
}
