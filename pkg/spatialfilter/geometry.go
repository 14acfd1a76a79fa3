package spatialfilter

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"

	"github.com/koordinates/kart/pkg/kartenc"
)

func parseForIntersectTest(gpb []byte) (orb.Geometry, error) {
	_, wkbBody, err := kartenc.ParseGPB(gpb)
	if err != nil {
		return nil, err
	}
	return wkb.Unmarshal(wkbBody)
}

// pointInRing is a standard ray-casting point-in-polygon test.
func pointInRing(pt orb.Point, ring orb.Ring) bool {
	inside := false
	n := len(ring)
	if n < 3 {
		return false
	}
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := ring[i][0], ring[i][1]
		xj, yj := ring[j][0], ring[j][1]
		intersect := ((yi > pt[1]) != (yj > pt[1])) &&
			(pt[0] < (xj-xi)*(pt[1]-yi)/(yj-yi)+xi)
		if intersect {
			inside = !inside
		}
	}
	return inside
}

// pointInPolygon tests containment in the outer ring, excluding holes.
func pointInPolygon(pt orb.Point, poly orb.Polygon) bool {
	if len(poly) == 0 {
		return false
	}
	if !pointInRing(pt, poly[0]) {
		return false
	}
	for _, hole := range poly[1:] {
		if pointInRing(pt, hole) {
			return false
		}
	}
	return true
}

func pointInMultiPolygon(pt orb.Point, mp orb.MultiPolygon) bool {
	for _, poly := range mp {
		if pointInPolygon(pt, poly) {
			return true
		}
	}
	return false
}

// segmentsIntersect reports whether segments p1-p2 and q1-q2 cross,
// including collinear-overlap cases, via the standard orientation test.
func segmentsIntersect(p1, p2, q1, q2 orb.Point) bool {
	o1 := orientation(p1, p2, q1)
	o2 := orientation(p1, p2, q2)
	o3 := orientation(q1, q2, p1)
	o4 := orientation(q1, q2, p2)

	if o1 != o2 && o3 != o4 {
		return true
	}
	if o1 == 0 && onSegment(p1, q1, p2) {
		return true
	}
	if o2 == 0 && onSegment(p1, q2, p2) {
		return true
	}
	if o3 == 0 && onSegment(q1, p1, q2) {
		return true
	}
	if o4 == 0 && onSegment(q1, p2, q2) {
		return true
	}
	return false
}

func orientation(a, b, c orb.Point) int {
	val := (b[1]-a[1])*(c[0]-b[0]) - (b[0]-a[0])*(c[1]-b[1])
	switch {
	case val > 0:
		return 1
	case val < 0:
		return 2
	default:
		return 0
	}
}

func onSegment(a, b, c orb.Point) bool {
	return b[0] <= max(a[0], c[0]) && b[0] >= min(a[0], c[0]) &&
		b[1] <= max(a[1], c[1]) && b[1] >= min(a[1], c[1])
}

func ringEdgesIntersect(r1, r2 orb.Ring) bool {
	for i := 0; i < len(r1); i++ {
		a1 := r1[i]
		a2 := r1[(i+1)%len(r1)]
		for j := 0; j < len(r2); j++ {
			b1 := r2[j]
			b2 := r2[(j+1)%len(r2)]
			if segmentsIntersect(a1, a2, b1, b2) {
				return true
			}
		}
	}
	return false
}

func ringIntersectsMultiPolygon(ring orb.Ring, mp orb.MultiPolygon) bool {
	for _, pt := range ring {
		if pointInMultiPolygon(pt, mp) {
			return true
		}
	}
	for _, poly := range mp {
		if len(poly) > 0 {
			for _, pt := range poly[0] {
				if pointInRing(pt, ring) {
					return true
				}
			}
		}
		for _, r := range poly {
			if ringEdgesIntersect(ring, r) {
				return true
			}
		}
	}
	return false
}

func lineIntersectsMultiPolygon(line orb.LineString, mp orb.MultiPolygon) bool {
	for _, pt := range line {
		if pointInMultiPolygon(pt, mp) {
			return true
		}
	}
	for _, poly := range mp {
		for _, r := range poly {
			for i := 0; i+1 < len(line); i++ {
				for j := 0; j < len(r); j++ {
					b1 := r[j]
					b2 := r[(j+1)%len(r)]
					if segmentsIntersect(line[i], line[i+1], b1, b2) {
						return true
					}
				}
			}
		}
	}
	return false
}

func polygonIntersectsMultiPolygon(poly orb.Polygon, mp orb.MultiPolygon) bool {
	if len(poly) == 0 {
		return false
	}
	if ringIntersectsMultiPolygon(poly[0], mp) {
		return true
	}
	for _, filterPoly := range mp {
		if len(filterPoly) > 0 && pointInPolygon(filterPoly[0][0], poly) {
			return true
		}
	}
	return false
}

func intersects(filter orb.MultiPolygon, geom orb.Geometry, _ orb.Bound) bool {
	switch g := geom.(type) {
	case orb.Point:
		return pointInMultiPolygon(g, filter)
	case orb.MultiPoint:
		for _, p := range g {
			if pointInMultiPolygon(p, filter) {
				return true
			}
		}
		return false
	case orb.LineString:
		return lineIntersectsMultiPolygon(g, filter)
	case orb.MultiLineString:
		for _, l := range g {
			if lineIntersectsMultiPolygon(l, filter) {
				return true
			}
		}
		return false
	case orb.Ring:
		return lineIntersectsMultiPolygon(orb.LineString(g), filter)
	case orb.Polygon:
		return polygonIntersectsMultiPolygon(g, filter)
	case orb.MultiPolygon:
		for _, p := range g {
			if polygonIntersectsMultiPolygon(p, filter) {
				return true
			}
		}
		return false
	case orb.Collection:
		for _, sub := range g {
			if intersects(filter, sub, orb.Bound{}) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
