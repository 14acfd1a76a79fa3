// Package config reads the git-config-shaped settings spec §6 lists as
// "config keys the core consumes": the repo structure version override and
// the kart.spatialfilter.* keys that point a clone at its spatial filter.
// It never touches go-git directly -- pkg/objectstore is the only package
// that knows about git, so this package reads through its ConfigValue
// accessor.
package config

import "github.com/koordinates/kart/pkg/objectstore"

// configSource is the subset of *objectstore.Store this package depends on.
type configSource interface {
	ConfigValue(section, subsection, key string) (value string, ok bool, err error)
}

// SpatialFilterConfig is the kart.spatialfilter.* section: which geometry a
// partial clone is filtered to, in what CRS, loaded from what reference, and
// (per the filter's object-id extension) which column identifies a feature.
type SpatialFilterConfig struct {
	Geometry  string
	CRS       string
	Reference string
	ObjectID  string
}

// IsZero reports whether no kart.spatialfilter.* keys were set at all.
func (c SpatialFilterConfig) IsZero() bool {
	return c == SpatialFilterConfig{}
}

// RepoConfig is a read-only view over a Kart repository's git config.
type RepoConfig struct {
	source configSource
}

// New wraps store's git config for reading.
func New(store *objectstore.Store) RepoConfig {
	return RepoConfig{source: store}
}

// RepoStructureVersionOverride reads kart.repostructure.version (falling
// back to the legacy sno.repository.version key), returning ok=false if
// neither is set. This is a config-level override of the version normally
// recorded in the .kart.repostructure.version tree blob -- see
// objectstore.Store.RepoVersion for the canonical on-disk marker.
func (c RepoConfig) RepoStructureVersionOverride() (value string, ok bool, err error) {
	value, ok, err = c.source.ConfigValue("kart", "repostructure", "version")
	if err != nil || ok {
		return value, ok, err
	}
	return c.source.ConfigValue("sno", "repository", "version")
}

// SpatialFilter reads the kart.spatialfilter.* keys. Any subset may be
// unset; callers decide whether a partial configuration is usable.
func (c RepoConfig) SpatialFilter() (SpatialFilterConfig, error) {
	var sf SpatialFilterConfig
	var err error
	if sf.Geometry, _, err = c.source.ConfigValue("kart", "spatialfilter", "geometry"); err != nil {
		return SpatialFilterConfig{}, err
	}
	if sf.CRS, _, err = c.source.ConfigValue("kart", "spatialfilter", "crs"); err != nil {
		return SpatialFilterConfig{}, err
	}
	if sf.Reference, _, err = c.source.ConfigValue("kart", "spatialfilter", "reference"); err != nil {
		return SpatialFilterConfig{}, err
	}
	if sf.ObjectID, _, err = c.source.ConfigValue("kart", "spatialfilter", "objectid"); err != nil {
		return SpatialFilterConfig{}, err
	}
	return sf, nil
}
