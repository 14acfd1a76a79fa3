package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConfigSource map[string]string

func key(section, subsection, k string) string {
	if subsection == "" {
		return section + "." + k
	}
	return section + "." + subsection + "." + k
}

func (f fakeConfigSource) ConfigValue(section, subsection, k string) (string, bool, error) {
	v, ok := f[key(section, subsection, k)]
	return v, ok, nil
}

func TestSpatialFilterReadsAllFourKeys(t *testing.T) {
	rc := RepoConfig{source: fakeConfigSource{
		"kart.spatialfilter.geometry":  "POLYGON((...))",
		"kart.spatialfilter.crs":       "EPSG:4326",
		"kart.spatialfilter.reference": "refs/filters/office",
		"kart.spatialfilter.objectid":  "fid",
	}}

	sf, err := rc.SpatialFilter()
	require.NoError(t, err)
	assert.Equal(t, "POLYGON((...))", sf.Geometry)
	assert.Equal(t, "EPSG:4326", sf.CRS)
	assert.Equal(t, "refs/filters/office", sf.Reference)
	assert.Equal(t, "fid", sf.ObjectID)
	assert.False(t, sf.IsZero())
}

func TestSpatialFilterZeroWhenUnset(t *testing.T) {
	rc := RepoConfig{source: fakeConfigSource{}}
	sf, err := rc.SpatialFilter()
	require.NoError(t, err)
	assert.True(t, sf.IsZero())
}

func TestRepoStructureVersionOverrideFallsBackToLegacyKey(t *testing.T) {
	rc := RepoConfig{source: fakeConfigSource{
		"sno.repository.version": "2",
	}}
	v, ok, err := rc.RepoStructureVersionOverride()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2", v)
}

func TestRepoStructureVersionOverridePrefersNewKey(t *testing.T) {
	rc := RepoConfig{source: fakeConfigSource{
		"kart.repostructure.version": "3",
		"sno.repository.version":     "2",
	}}
	v, ok, err := rc.RepoStructureVersionOverride()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "3", v)
}

func TestRepoStructureVersionOverrideUnset(t *testing.T) {
	rc := RepoConfig{source: fakeConfigSource{}}
	_, ok, err := rc.RepoStructureVersionOverride()
	require.NoError(t, err)
	assert.False(t, ok)
}
