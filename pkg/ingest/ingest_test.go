package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_JSONArray(t *testing.T) {
	docs, err := Parse(FormatJSON, strings.NewReader(`[{"id":1,"t":"a"},{"id":2,"t":"b"}]`), Options{})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0]["t"])
}

func TestParse_JSONSingleObjectIsAutoWrapped(t *testing.T) {
	docs, err := Parse(FormatJSON, strings.NewReader(`{"id":1,"t":"a"}`), Options{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
}

func TestParse_JSONEmptyArraySucceedsWithZeroDocuments(t *testing.T) {
	docs, err := Parse(FormatJSON, strings.NewReader(`[]`), Options{})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestParse_JSONMalformedPayloadFails(t *testing.T) {
	_, err := Parse(FormatJSON, strings.NewReader(`{not json`), Options{})
	assert.Error(t, err)
}

func TestParse_NDJSON(t *testing.T) {
	body := "{\"id\":1}\n{\"id\":2}\n\n"
	docs, err := Parse(FormatNDJSON, strings.NewReader(body), Options{})
	require.NoError(t, err)
	require.Len(t, docs, 2)
}

func TestParse_FlattensNestedObjectsToDottedPaths(t *testing.T) {
	docs, err := Parse(FormatJSON, strings.NewReader(`[{"id":1,"_geo":{"lat":1.5,"lng":2.5}}]`), Options{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, 1.5, docs[0]["_geo.lat"])
	assert.Equal(t, 2.5, docs[0]["_geo.lng"])
	_, hasNested := docs[0]["_geo"]
	assert.False(t, hasNested)
}

func TestParse_CSVWithTypedHeaders(t *testing.T) {
	body := "id:number,t:string,active:boolean\n1,hello,true\n2,,false\n"
	docs, err := Parse(FormatCSV, strings.NewReader(body), Options{})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, 1.0, docs[0]["id"])
	assert.Equal(t, "hello", docs[0]["t"])
	assert.Equal(t, true, docs[0]["active"])
	assert.Nil(t, docs[1]["t"])
}

func TestParse_CSVWithCustomDelimiter(t *testing.T) {
	body := "id;t\n1;a\n"
	docs, err := Parse(FormatCSV, strings.NewReader(body), Options{CSVDelimiter: ';'})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "a", docs[0]["t"])
}

func TestParse_CSVMalformedNumberColumnFails(t *testing.T) {
	body := "id:number\nabc\n"
	_, err := Parse(FormatCSV, strings.NewReader(body), Options{})
	assert.Error(t, err)
}

func TestParse_UnrecognizedFormatFails(t *testing.T) {
	_, err := Parse(Format("text/plain"), strings.NewReader(""), Options{})
	assert.Error(t, err)
}
