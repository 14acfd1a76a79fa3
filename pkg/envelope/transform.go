package envelope

import (
	"math"

	"github.com/paulmach/orb"

	"github.com/koordinates/kart/pkg/karterrors"
	"github.com/koordinates/kart/pkg/spatialfilter"
)

// minmaxEnvelope is a bounding box in an arbitrary source CRS, in
// (min-x, min-y, max-x, max-y) axis order (unlike Envelope's w/s/e/n,
// this has no antimeridian convention - it is just the two corners).
type minmaxEnvelope [4]float64

func minmaxDimensions(env minmaxEnvelope) (width, height float64) {
	return env[2] - env[0], env[3] - env[1]
}

func maxAbsY(env minmaxEnvelope) float64 {
	return math.Max(math.Abs(env[1]), math.Abs(env[3]))
}

func bufferMinmaxEnvelope(env minmaxEnvelope, buffer float64) minmaxEnvelope {
	return minmaxEnvelope{
		env[0] - buffer,
		math.Max(env[1]-buffer, -90),
		env[2] + buffer,
		math.Min(env[3]+buffer, 90),
	}
}

func anticlockwiseRingFromMinmaxEnvelope(env minmaxEnvelope, segmentsPerSide int) []orb.Point {
	ring := []orb.Point{
		{env[0], env[1]},
		{env[2], env[1]},
		{env[2], env[3]},
		{env[0], env[3]},
		{env[0], env[1]},
	}
	if segmentsPerSide <= 0 {
		return ring
	}
	width, height := minmaxDimensions(env)
	largerSide := math.Max(width, height)
	smallerSide := math.Min(width, height)
	var segmentLength float64
	if smallerSide < largerSide/4 {
		segmentLength = largerSide / float64(segmentsPerSide)
	} else {
		segmentLength = smallerSide / float64(segmentsPerSide)
	}
	return segmentizeRing(ring, segmentLength)
}

// segmentizeRing inserts extra vertices along each edge of ring so that no
// edge is longer than segmentLength.
func segmentizeRing(ring []orb.Point, segmentLength float64) []orb.Point {
	if segmentLength <= 0 {
		return ring
	}
	out := make([]orb.Point, 0, len(ring))
	for i := 0; i+1 < len(ring); i++ {
		a, b := ring[i], ring[i+1]
		out = append(out, a)
		dx, dy := b[0]-a[0], b[1]-a[1]
		length := math.Hypot(dx, dy)
		n := int(math.Ceil(length / segmentLength))
		for k := 1; k < n; k++ {
			f := float64(k) / float64(n)
			out = append(out, orb.Point{a[0] + dx*f, a[1] + dy*f})
		}
	}
	out = append(out, ring[len(ring)-1])
	return out
}

func transformRing(ring []orb.Point, t spatialfilter.Transform) ([]orb.Point, error) {
	out := make([]orb.Point, len(ring))
	for i, pt := range ring {
		x, y, err := t.TransformPoint(pt[0], pt[1])
		if err != nil {
			return nil, karterrors.CrsError.Wrap(err)
		}
		out[i] = orb.Point{x, y}
	}
	return out, nil
}

func ringBounds(ring []orb.Point) minmaxEnvelope {
	env := minmaxEnvelope{math.Inf(1), math.Inf(1), math.Inf(-1), math.Inf(-1)}
	for _, pt := range ring {
		env[0] = math.Min(env[0], pt[0])
		env[1] = math.Min(env[1], pt[1])
		env[2] = math.Max(env[2], pt[0])
		env[3] = math.Max(env[3], pt[1])
	}
	return env
}

// isClockwise applies the shoelace formula to a closed ring (first point
// equal to the last).
func isClockwise(ring []orb.Point) bool {
	var result float64
	for i := 0; i+1 < len(ring); i++ {
		result += ring[i][0]*ring[i+1][1] - ring[i+1][0]*ring[i][1]
	}
	return result < 0
}

func reinterpretToBeEastOf(splitX float64, ring []orb.Point) {
	for i, pt := range ring {
		if pt[0] < splitX {
			ring[i] = orb.Point{pt[0] + 360, pt[1]}
		}
	}
}

// fixRingWindingOrder shifts points eastward by 360 degrees, one candidate
// split at a time, until ring's winding order becomes anticlockwise. It
// mutates ring in place and returns the x value everything was shifted to
// be east of.
func fixRingWindingOrder(ring []orb.Point) (splitX float64, shifted bool) {
	if !isClockwise(ring) {
		return 0, false
	}
	xs := make([]float64, 0, len(ring))
	seen := map[float64]bool{}
	for _, pt := range ring {
		if !seen[pt[0]] {
			seen[pt[0]] = true
			xs = append(xs, pt[0])
		}
	}
	for i := 0; i < len(xs); i++ {
		for j := i + 1; j < len(xs); j++ {
			if xs[j] < xs[i] {
				xs[i], xs[j] = xs[j], xs[i]
			}
		}
	}
	for i := 0; i+1 < len(xs); i++ {
		candidate := (xs[i] + xs[i+1]) / 2
		reinterpretToBeEastOf(candidate, ring)
		if !isClockwise(ring) {
			return candidate, true
		}
	}
	return 0, false
}

// TransformMinmaxEnvelope transforms a (min-x, min-y, max-x, max-y)
// envelope in any CRS into EPSG:4326 via t, returning an axis-aligned
// (w, s, e, n) envelope that bounds the original, per §4.10. It returns a
// karterrors.CannotIndex(DueToWrongCrs) error when the result fails
// plausibility checks. When bufferForCurvature is true (the normal case),
// the result is buffered to also contain the original envelope's curved
// edges, not just its corner vertices.
func TransformMinmaxEnvelope(env minmaxEnvelope, t spatialfilter.Transform, bufferForCurvature bool) (Envelope, error) {
	if env[0] == env[2] && env[1] == env[3] {
		x, y, err := t.TransformPoint(env[0], env[1])
		if err != nil {
			return Envelope{}, karterrors.CrsError.Wrap(err)
		}
		x = wrapLon(x)
		polarmostY := math.Abs(y)
		if polarmostY > 1000 {
			return Envelope{}, karterrors.CannotIndexDueToWrongCrs.New("transformed point (%v, %v) is implausibly far from the planet", x, y)
		}
		if polarmostY > 90 {
			return Envelope{}, karterrors.CannotIndex.New("transformed point (%v, %v) is outside valid latitude range", x, y)
		}
		return Envelope{W: x, S: y, E: x, N: y}, nil
	}

	ring := anticlockwiseRingFromMinmaxEnvelope(env, 0)
	transformed, err := transformRing(ring, t)
	if err != nil {
		return Envelope{}, err
	}
	transformedEnv := ringBounds(transformed)
	width, height := minmaxDimensions(transformedEnv)

	var splitX float64
	var didSplit bool
	if width >= 180 && isClockwise(transformed) {
		splitX, didSplit = fixRingWindingOrder(transformed)
		transformedEnv = ringBounds(transformed)
		width, height = minmaxDimensions(transformedEnv)
	}

	polarmostY := maxAbsY(transformedEnv)
	if width >= 1000 || height >= 1000 || polarmostY > 1000 {
		return Envelope{}, karterrors.CannotIndexDueToWrongCrs.New("transformed envelope %v is implausibly large", transformedEnv)
	}
	if width >= 180 {
		return Envelope{}, karterrors.CannotIndex.New("transformed envelope %v is too wide to interpret unambiguously", transformedEnv)
	}
	if polarmostY > 90 {
		return Envelope{}, karterrors.CannotIndex.New("transformed envelope %v extends outside valid latitude range", transformedEnv)
	}

	if bufferForCurvature {
		biggest := math.Max(width, height)
		if biggest < 1.0 {
			transformedEnv = bufferMinmaxEnvelope(transformedEnv, 0.1*biggest)
		} else {
			segmentsPerSide := int(math.Max(10, math.Ceil(biggest)))
			ring2 := anticlockwiseRingFromMinmaxEnvelope(env, segmentsPerSide)
			transformed2, err := transformRing(ring2, t)
			if err != nil {
				return Envelope{}, err
			}
			if didSplit {
				reinterpretToBeEastOf(splitX, transformed2)
			}
			transformedEnv = ringBounds(transformed2)
			transformedEnv = bufferMinmaxEnvelope(transformedEnv, 0.1)
		}
	}

	return Envelope{
		W: wrapLon(transformedEnv[0]),
		S: clampLat(transformedEnv[1]),
		E: wrapLon(transformedEnv[2]),
		N: clampLat(transformedEnv[3]),
	}, nil
}

// GetEnvelopeForIndexing tries every candidate transform for a feature's
// native-CRS envelope and returns the union of the plausible results, per
// §4.10. It returns karterrors.CannotIndex if every transform fails, or if
// the unioned result is not a valid EPSG:4326 envelope.
func GetEnvelopeForIndexing(nativeEnv minmaxEnvelope, transforms []spatialfilter.Transform) (Envelope, error) {
	var result *Envelope
	var lastErr error
	for _, t := range transforms {
		env, err := TransformMinmaxEnvelope(nativeEnv, t, true)
		if err != nil {
			if karterrors.Is(err, &karterrors.CannotIndexDueToWrongCrs) && len(transforms) > 1 {
				lastErr = err
				continue
			}
			return Envelope{}, err
		}
		u := UnionOfEnvelopes(result, env)
		result = &u
	}
	if result == nil {
		if lastErr != nil {
			return Envelope{}, lastErr
		}
		return Envelope{}, karterrors.CannotIndex.New("no transforms supplied")
	}
	if !isValidEnvelope(*result) {
		return Envelope{}, karterrors.CannotIndex.New("resulting envelope %v is not valid", *result)
	}
	return *result, nil
}
