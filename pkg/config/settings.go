package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/koordinates/kart/pkg/karterrors"
)

// Settings is a local, per-checkout YAML settings file (not part of the
// repository or its git config) that the CLI loads for defaults it has no
// other source for: the author identity patch.ApplyAndCommit falls back to
// when a patch document omits one, and the default spatial filter reference
// a clone uses when kart.spatialfilter.reference isn't set. This mirrors how
// warren's `apply -f service.yaml` reads a YAML manifest for settings that
// aren't runtime state.
type Settings struct {
	Author struct {
		Name  string `yaml:"name"`
		Email string `yaml:"email"`
	} `yaml:"author"`
	SpatialFilter struct {
		DefaultReference string `yaml:"defaultReference"`
	} `yaml:"spatialFilter"`
}

// LoadSettings reads and parses a Settings file at path. A missing file is
// not an error; it returns the zero Settings so callers can layer defaults
// unconditionally.
func LoadSettings(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Settings{}, nil
	}
	if err != nil {
		return Settings{}, karterrors.InvalidOperation.Wrap(err)
	}
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, karterrors.InvalidFileFormat.Wrap(err)
	}
	return s, nil
}
