package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSettingsMissingFileReturnsZeroValue(t *testing.T) {
	s, err := LoadSettings(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Settings{}, s)
}

func TestLoadSettingsParsesAuthorAndSpatialFilterDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kart-settings.yaml")
	content := "author:\n  name: Jess\n  email: jess@example.com\nspatialFilter:\n  defaultReference: refs/filters/office\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "Jess", s.Author.Name)
	assert.Equal(t, "jess@example.com", s.Author.Email)
	assert.Equal(t, "refs/filters/office", s.SpatialFilter.DefaultReference)
}

func TestLoadSettingsRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("author: [this is not a mapping"), 0o644))

	_, err := LoadSettings(path)
	require.Error(t, err)
}
