// Package spatialfilter implements the region-matching model from §4.9: a
// user-provided region resolves to a CRS + polygon, gets re-projected
// once per dataset, and is tested against each feature's geometry during
// iteration, quick-rejecting via envelope before falling back to a full
// ring-intersection test.
package spatialfilter

import (
	"encoding/hex"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/encoding/wkt"

	"github.com/koordinates/kart/pkg/kartenc"
	"github.com/koordinates/kart/pkg/kartlog"
	"github.com/koordinates/kart/pkg/karterrors"
)

// MatchResult is the outcome of testing one feature against a filter.
type MatchResult int

const (
	Matching MatchResult = iota
	NonMatching
	Nonexistent
	Promised
)

// Transform maps a point from one CRS to another. Constructing a real
// transform from two WKT strings needs a geodesy/projection library; none
// of the example repos in this pack pull one in (no PROJ binding, no
// go-spatial/geom), so this package only ships IdentityTransform and
// expects a caller with access to such a library to supply a Transform
// for the non-trivial case. See DESIGN.md.
type Transform interface {
	TransformPoint(x, y float64) (float64, float64, error)
}

// IdentityTransform is used when the patch/filter CRS textually matches
// the dataset's CRS, so no reprojection is needed.
type IdentityTransform struct{}

func (IdentityTransform) TransformPoint(x, y float64) (float64, float64, error) {
	return x, y, nil
}

// Region is a user-provided filter specification: either a literal
// (CRS, geometry) or a pointer to an in-repository blob holding those two
// parts separated by a blank line.
type Region struct {
	CRS      string
	Geometry string // WKT or WKB text, as supplied
}

// ParseRegionBlob splits a blob of the form "<crs>\n\n<geometry>" as
// stored at a spatial-filter reference object.
func ParseRegionBlob(data []byte) (Region, error) {
	s := string(data)
	for i := 0; i+1 < len(s); i++ {
		if s[i] == '\n' && s[i+1] == '\n' {
			return Region{CRS: s[:i], Geometry: s[i+2:]}, nil
		}
	}
	return Region{}, karterrors.InvalidFileFormat.New("spatial filter blob must contain a blank line separating CRS from geometry")
}

// Resolved holds a CRS and a non-empty polygon/multipolygon in that CRS.
type Resolved struct {
	CRS     string
	Polygon orb.MultiPolygon
}

// Resolve parses a Region's geometry text (WKT, or hex-encoded WKB) into a
// Resolved filter.
func Resolve(region Region) (Resolved, error) {
	geom, err := wkt.Unmarshal(region.Geometry)
	if err != nil {
		wkbBytes, hexErr := hex.DecodeString(strings.TrimSpace(region.Geometry))
		if hexErr != nil {
			return Resolved{}, karterrors.GeometryError.Wrap(err)
		}
		if geom, err = wkb.Unmarshal(wkbBytes); err != nil {
			return Resolved{}, karterrors.GeometryError.Wrap(err)
		}
	}
	mp, err := toMultiPolygon(geom)
	if err != nil {
		return Resolved{}, err
	}
	if len(mp) == 0 {
		return Resolved{}, karterrors.InvalidOperation.New("spatial filter geometry must be non-empty")
	}
	return Resolved{CRS: region.CRS, Polygon: mp}, nil
}

func toMultiPolygon(geom orb.Geometry) (orb.MultiPolygon, error) {
	switch g := geom.(type) {
	case orb.Polygon:
		return orb.MultiPolygon{g}, nil
	case orb.MultiPolygon:
		return g, nil
	default:
		return nil, karterrors.InvalidOperation.New("spatial filter geometry must be a polygon or multipolygon, got %T", geom)
	}
}

// PerDataset is a filter re-projected into one dataset's CRS, or the
// match-all filter used when the dataset has no geometry column/CRS.
type PerDataset struct {
	matchAll bool
	bound    orb.Bound
	polygon  orb.MultiPolygon
}

// MatchAll is the filter that matches every feature, used for datasets
// with no geometry column or no known CRS.
var MatchAll = PerDataset{matchAll: true}

// ForDataset transforms filter's polygon into the dataset's CRS via t,
// producing a per-dataset filter ready for repeated Matches calls.
func ForDataset(filter Resolved, t Transform) (PerDataset, error) {
	transformed := make(orb.MultiPolygon, len(filter.Polygon))
	for pi, poly := range filter.Polygon {
		tpoly := make(orb.Polygon, len(poly))
		for ri, ring := range poly {
			tring := make(orb.Ring, len(ring))
			for vi, pt := range ring {
				x, y, err := t.TransformPoint(pt[0], pt[1])
				if err != nil {
					return PerDataset{}, karterrors.CrsError.Wrap(err)
				}
				tring[vi] = orb.Point{x, y}
			}
			tpoly[ri] = tring
		}
		transformed[pi] = tpoly
	}
	return PerDataset{polygon: transformed, bound: transformed.Bound()}, nil
}

// Matches implements §4.9's algorithm. geomBlob is the feature's
// GPB-framed geometry column value, or nil if the feature has no
// geometry / the column is null.
func (f PerDataset) Matches(geomBlob []byte) MatchResult {
	if f.matchAll {
		return Matching
	}
	if geomBlob == nil {
		return Matching
	}

	bound, ok, err := kartenc.Envelope2D(geomBlob)
	if err != nil {
		kartlog.Logger.Debug().Err(err).Msg("spatial filter: failed to read feature envelope, treating as matching")
		return Matching
	}
	if !ok {
		// Empty geometry: never filtered out.
		return Matching
	}
	if !f.bound.Intersects(bound) {
		return NonMatching
	}

	geom, err := parseForIntersectTest(geomBlob)
	if err != nil {
		kartlog.Logger.Debug().Err(err).Msg("spatial filter: failed to parse feature geometry, treating as matching")
		return Matching
	}
	if intersects(f.polygon, geom, bound) {
		return Matching
	}
	return NonMatching
}
