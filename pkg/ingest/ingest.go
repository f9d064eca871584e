package ingest

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	qerrors "github.com/quillsearch/quill/internal/errors"
)

// Format names the payload encodings spec §6.1 recognizes.
type Format string

const (
	FormatJSON   Format = "application/json"
	FormatNDJSON Format = "application/x-ndjson"
	FormatCSV    Format = "text/csv"
)

// Document is one parsed document, flattened to dotted paths. Values are the
// encoding/json decode types (string, float64, bool, nil, []any, map[string]any
// before flattening removes nested maps).
type Document map[string]any

// Options configures CSV parsing; JSON and NDJSON need no options.
type Options struct {
	// CSVDelimiter is the single byte separating CSV fields, default ','.
	CSVDelimiter byte
}

// Parse decodes r per format into a slice of flattened documents. An empty
// JSON array or empty NDJSON/CSV body succeeds with a zero-length result.
func Parse(format Format, r io.Reader, opts Options) ([]Document, error) {
	switch format {
	case FormatJSON:
		return parseJSON(r)
	case FormatNDJSON:
		return parseNDJSON(r)
	case FormatCSV:
		return parseCSV(r, opts)
	default:
		return nil, qerrors.ClientInputError(qerrors.ErrCodeMalformedPayload,
			fmt.Sprintf("unrecognized payload content type %q", format), nil)
	}
}

func parseJSON(r io.Reader) ([]Document, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, qerrors.ClientInputError(qerrors.ErrCodeMalformedPayload, "failed to read JSON payload", err)
	}
	raw = []byte(strings.TrimSpace(string(raw)))
	if len(raw) == 0 {
		return nil, nil
	}

	var docs []map[string]any
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &docs); err != nil {
			return nil, qerrors.ClientInputError(qerrors.ErrCodeMalformedPayload, "malformed JSON array payload", err)
		}
	} else {
		var single map[string]any
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil, qerrors.ClientInputError(qerrors.ErrCodeMalformedPayload, "malformed JSON object payload", err)
		}
		docs = []map[string]any{single}
	}

	out := make([]Document, len(docs))
	for i, d := range docs {
		out[i] = flatten(d)
	}
	return out, nil
}

func parseNDJSON(r io.Reader) ([]Document, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var out []Document
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var d map[string]any
		if err := json.Unmarshal([]byte(line), &d); err != nil {
			return nil, qerrors.ClientInputError(qerrors.ErrCodeMalformedPayload, "malformed NDJSON line", err)
		}
		out = append(out, flatten(d))
	}
	if err := scanner.Err(); err != nil {
		return nil, qerrors.ClientInputError(qerrors.ErrCodeMalformedPayload, "failed to read NDJSON payload", err)
	}
	return out, nil
}

// csvHeader is one parsed CSV column header, optionally carrying a
// ":type" suffix ("price:number" -> name "price", typ "number").
type csvHeader struct {
	name string
	typ  string
}

func parseCSV(r io.Reader, opts Options) ([]Document, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	if opts.CSVDelimiter != 0 {
		reader.Comma = rune(opts.CSVDelimiter)
	}

	rawHeaders, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, qerrors.ClientInputError(qerrors.ErrCodeMalformedPayload, "failed to read CSV header row", err)
	}

	headers := make([]csvHeader, len(rawHeaders))
	for i, h := range rawHeaders {
		name, typ, _ := strings.Cut(h, ":")
		if typ == "" {
			typ = "string"
		}
		headers[i] = csvHeader{name: name, typ: typ}
	}

	var out []Document
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, qerrors.ClientInputError(qerrors.ErrCodeMalformedPayload, "malformed CSV row", err)
		}
		d := make(Document, len(headers))
		for i, h := range headers {
			if i >= len(record) {
				continue
			}
			v, err := csvCellValue(record[i], h.typ)
			if err != nil {
				return nil, qerrors.ClientInputError(qerrors.ErrCodeMalformedPayload,
					fmt.Sprintf("column %q: %s", h.name, err.Error()), err)
			}
			d[h.name] = v
		}
		out = append(out, d)
	}
	return out, nil
}

func csvCellValue(raw, typ string) (any, error) {
	if raw == "" {
		return nil, nil
	}
	switch typ {
	case "number":
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("expected a number, got %q", raw)
		}
		return f, nil
	case "boolean":
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("expected a boolean, got %q", raw)
		}
		return b, nil
	case "string":
		return raw, nil
	default:
		return nil, fmt.Errorf("unrecognized column type %q", typ)
	}
}

// flatten collapses nested maps onto dotted-path keys at the top level.
// Arrays and scalar values are left as-is (a multi-valued filterable field
// stays a JSON array value under its flat key).
func flatten(d map[string]any) Document {
	out := make(Document)
	flattenInto(out, "", d)
	return out
}

func flattenInto(out Document, prefix string, d map[string]any) {
	for k, v := range d {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flattenInto(out, key, nested)
			continue
		}
		out[key] = v
	}
}
