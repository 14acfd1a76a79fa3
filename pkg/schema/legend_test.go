package schema_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koordinates/kart/pkg/schema"
)

func TestBuildLegendSplitsPKAndNonPK(t *testing.T) {
	s := sampleSchema()
	l, err := schema.BuildLegend(s)
	require.NoError(t, err)
	assert.Equal(t, []string{"col-id"}, l.PKIDs)
	assert.Equal(t, []string{"col-name", "col-geom"}, l.NonPKIDs)
}

func TestBuildLegendRejectsNonContiguousPKIndices(t *testing.T) {
	s := sampleSchema()
	s.Columns[0].PrimaryKeyIndex = intPtr(1)
	_, err := schema.BuildLegend(s)
	assert.Error(t, err)
}

func TestLegendRoundTrip(t *testing.T) {
	s := sampleSchema()
	l, err := schema.BuildLegend(s)
	require.NoError(t, err)

	data, err := l.Dumps()
	require.NoError(t, err)

	got, err := schema.LoadLegend(data)
	require.NoError(t, err)
	assert.Equal(t, l, got)
}

func TestLegendHexHashIsStable(t *testing.T) {
	s := sampleSchema()
	l, err := schema.BuildLegend(s)
	require.NoError(t, err)

	h1, err := l.HexHash()
	require.NoError(t, err)
	h2, err := l.HexHash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 40)
}

func TestLegendPKCompatible(t *testing.T) {
	a := schema.Legend{PKIDs: []string{"x"}, NonPKIDs: []string{"y"}}
	b := schema.Legend{PKIDs: []string{"x"}, NonPKIDs: []string{"z", "y"}}
	c := schema.Legend{PKIDs: []string{"x", "w"}, NonPKIDs: []string{"y"}}

	assert.True(t, a.PKCompatible(b))
	assert.False(t, a.PKCompatible(c))
}
