package patch

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"

	"github.com/koordinates/kart/pkg/kartenc"
	"github.com/koordinates/kart/pkg/karterrors"
	"github.com/koordinates/kart/pkg/spatialfilter"
)

// base64BlobPrefix marks a patch-document blob-column literal per §6:
// "base64-prefixed strings".
const base64BlobPrefix = "base64:"

// decodeBlobLiteral reverses a patch document's "base64:..." blob literal.
func decodeBlobLiteral(s string) ([]byte, error) {
	rest, ok := strings.CutPrefix(s, base64BlobPrefix)
	if !ok {
		return nil, karterrors.InvalidFileFormat.New("blob literal %q missing %q prefix", truncateForError(s), base64BlobPrefix)
	}
	data, err := kartenc.B64DecodeBytes(rest)
	if err != nil {
		return nil, karterrors.InvalidFileFormat.Wrap(err)
	}
	return data, nil
}

// decodeHexWKBGeometry reverses a patch document's hex-WKB geometry
// literal, normalizes it to Kart's canonical GPKG-binary form, and
// optionally reprojects it through t (IdentityTransform if the patch's CRS
// matches the dataset's).
func decodeHexWKBGeometry(hexWKB string, t spatialfilter.Transform) (kartenc.Geometry, error) {
	wkbBytes, err := hex.DecodeString(hexWKB)
	if err != nil {
		return nil, karterrors.GeometryError.Wrap(err)
	}

	if _, isIdentity := t.(spatialfilter.IdentityTransform); !isIdentity {
		geom, err := wkb.Unmarshal(wkbBytes)
		if err != nil {
			return nil, karterrors.GeometryError.Wrap(err)
		}
		transformed, err := transformGeometry(geom, t)
		if err != nil {
			return nil, karterrors.CrsError.Wrap(err)
		}
		wkbBytes, err = wkb.Marshal(transformed, binary.LittleEndian)
		if err != nil {
			return nil, karterrors.GeometryError.Wrap(err)
		}
	}

	gpb, err := kartenc.NormalizeGeometry(wkbBytes)
	if err != nil {
		return nil, err
	}
	return kartenc.Geometry(gpb), nil
}

// transformGeometry recursively applies t to every coordinate of geom. orb
// has no built-in generic coordinate-transform walk, so this mirrors the
// type switch pkg/spatialfilter's intersects() already uses to cover the
// same geometry type set.
func transformGeometry(geom orb.Geometry, t spatialfilter.Transform) (orb.Geometry, error) {
	switch g := geom.(type) {
	case orb.Point:
		return transformPoint(g, t)
	case orb.MultiPoint:
		out := make(orb.MultiPoint, len(g))
		for i, p := range g {
			tp, err := transformPoint(p, t)
			if err != nil {
				return nil, err
			}
			out[i] = tp
		}
		return out, nil
	case orb.LineString:
		return transformLineString(g, t)
	case orb.MultiLineString:
		out := make(orb.MultiLineString, len(g))
		for i, l := range g {
			tl, err := transformLineString(l, t)
			if err != nil {
				return nil, err
			}
			out[i] = tl
		}
		return out, nil
	case orb.Ring:
		tl, err := transformLineString(orb.LineString(g), t)
		if err != nil {
			return nil, err
		}
		return orb.Ring(tl), nil
	case orb.Polygon:
		return transformPolygon(g, t)
	case orb.MultiPolygon:
		out := make(orb.MultiPolygon, len(g))
		for i, p := range g {
			tp, err := transformPolygon(p, t)
			if err != nil {
				return nil, err
			}
			out[i] = tp
		}
		return out, nil
	case orb.Collection:
		out := make(orb.Collection, len(g))
		for i, sub := range g {
			tsub, err := transformGeometry(sub, t)
			if err != nil {
				return nil, err
			}
			out[i] = tsub
		}
		return out, nil
	default:
		return nil, karterrors.GeometryError.New("unsupported geometry type %T for CRS transform", geom)
	}
}

func transformPoint(p orb.Point, t spatialfilter.Transform) (orb.Point, error) {
	x, y, err := t.TransformPoint(p[0], p[1])
	if err != nil {
		return orb.Point{}, err
	}
	return orb.Point{x, y}, nil
}

func transformLineString(l orb.LineString, t spatialfilter.Transform) (orb.LineString, error) {
	out := make(orb.LineString, len(l))
	for i, p := range l {
		tp, err := transformPoint(p, t)
		if err != nil {
			return nil, err
		}
		out[i] = tp
	}
	return out, nil
}

func transformPolygon(poly orb.Polygon, t spatialfilter.Transform) (orb.Polygon, error) {
	out := make(orb.Polygon, len(poly))
	for i, ring := range poly {
		tl, err := transformLineString(orb.LineString(ring), t)
		if err != nil {
			return nil, err
		}
		out[i] = orb.Ring(tl)
	}
	return out, nil
}

func truncateForError(s string) string {
	const max = 64
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
