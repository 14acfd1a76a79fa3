package feature_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koordinates/kart/pkg/feature"
	"github.com/koordinates/kart/pkg/pathenc"
	"github.com/koordinates/kart/pkg/schema"
)

func intPtr(v int) *int { return &v }

func testSchema() schema.Schema {
	return schema.Schema{Columns: []schema.ColumnSchema{
		{ID: "col-id", Name: "id", DataType: schema.DataTypeInteger, PrimaryKeyIndex: intPtr(0)},
		{ID: "col-name", Name: "name", DataType: schema.DataTypeText},
	}}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	s := testSchema()
	legend, err := schema.BuildLegend(s)
	require.NoError(t, err)
	legendHash, err := legend.HexHash()
	require.NoError(t, err)

	path, body, err := feature.Encode(map[string]interface{}{"id": int64(42), "name": "hello"}, s, legend, pathenc.GeneralHashEncoder{})
	require.NoError(t, err)
	assert.Contains(t, path, "feature/")

	basename := path[len(path)-lastSegmentLen(path):]
	lookup := func(hash string) (schema.Legend, error) {
		require.Equal(t, legendHash, hash)
		return legend, nil
	}

	decoded, err := feature.Decode(basename, body, lookup)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{int64(42)}, decoded.PKValues)

	presented := feature.Present(decoded.RawByID, s)
	assert.Equal(t, int64(42), presented["id"])
	assert.Equal(t, "hello", presented["name"])
}

func lastSegmentLen(path string) int {
	n := 0
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			break
		}
		n++
	}
	return n
}

func TestPresentFillsDroppedColumnsAsNull(t *testing.T) {
	s := testSchema()
	raw := map[string]interface{}{"col-id": int64(1)} // "col-name" missing, as if from an older legend
	presented := feature.Present(raw, s)
	assert.Equal(t, int64(1), presented["id"])
	assert.Nil(t, presented["name"])
}

func TestCanReuseBlobWhenValueUnchanged(t *testing.T) {
	s := testSchema()
	legend, err := schema.BuildLegend(s)
	require.NoError(t, err)

	path, body, err := feature.Encode(map[string]interface{}{"id": int64(1), "name": "same"}, s, legend, pathenc.GeneralHashEncoder{})
	require.NoError(t, err)
	basename := path[len(path)-lastSegmentLen(path):]

	legendHash, err := legend.HexHash()
	require.NoError(t, err)
	lookup := func(hash string) (schema.Legend, error) {
		assert.Equal(t, legendHash, hash)
		return legend, nil
	}

	reusable, err := feature.CanReuseBlob(basename, body, lookup, s, map[string]interface{}{"id": int64(1), "name": "same"})
	require.NoError(t, err)
	assert.True(t, reusable)

	reusable, err = feature.CanReuseBlob(basename, body, lookup, s, map[string]interface{}{"id": int64(1), "name": "different"})
	require.NoError(t, err)
	assert.False(t, reusable)
}
