package schema_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koordinates/kart/pkg/schema"
)

func intPtr(v int) *int { return &v }

func sampleSchema() schema.Schema {
	return schema.Schema{Columns: []schema.ColumnSchema{
		{ID: "col-id", Name: "id", DataType: schema.DataTypeInteger, PrimaryKeyIndex: intPtr(0), Size: intPtr(64)},
		{ID: "col-name", Name: "name", DataType: schema.DataTypeText, Length: intPtr(80)},
		{ID: "col-geom", Name: "geom", DataType: schema.DataTypeGeometry},
	}}
}

func TestSchemaRoundTrip(t *testing.T) {
	s := sampleSchema()
	data, err := s.Dumps()
	require.NoError(t, err)

	got, err := schema.Load(data)
	require.NoError(t, err)
	assert.Equal(t, s.Columns, got.Columns)

	data2, err := got.Dumps()
	require.NoError(t, err)
	assert.Equal(t, data, data2, "hashing must be reproducible across load/dump cycles")
}

func TestValidatePKIndices(t *testing.T) {
	s := sampleSchema()
	assert.NoError(t, s.ValidatePKIndices())

	bad := sampleSchema()
	bad.Columns[0].PrimaryKeyIndex = intPtr(1)
	assert.Error(t, bad.ValidatePKIndices())
}

func TestIsSingleIntegerPK(t *testing.T) {
	s := sampleSchema()
	assert.True(t, s.IsSingleIntegerPK())

	multiPK := sampleSchema()
	multiPK.Columns[1].PrimaryKeyIndex = intPtr(1)
	assert.False(t, multiPK.IsSingleIntegerPK())
}

func TestFeatureToRawDictByName(t *testing.T) {
	s := sampleSchema()
	raw, err := s.FeatureToRawDict(map[string]interface{}{"id": int64(1), "name": "a", "geom": nil})
	require.NoError(t, err)
	assert.Equal(t, int64(1), raw["col-id"])
	assert.Equal(t, "a", raw["col-name"])
}

func TestFeatureToRawDictPositional(t *testing.T) {
	s := sampleSchema()
	raw, err := s.FeatureToRawDict([]interface{}{int64(1), "a", nil})
	require.NoError(t, err)
	assert.Equal(t, int64(1), raw["col-id"])
}

func TestFeatureFromRawDictFillsMissingAsNull(t *testing.T) {
	s := sampleSchema()
	out := s.FeatureFromRawDict(map[string]interface{}{"col-id": int64(5)})
	assert.Equal(t, int64(5), out["id"])
	assert.Nil(t, out["name"])
	assert.Nil(t, out["geom"])
}

func TestNewColumnIDIsUniqueAndNonEmpty(t *testing.T) {
	a := schema.NewColumnID()
	b := schema.NewColumnID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
