// Geometry framing implements Kart's GeoPackage-Binary variant (§4.2): a
// small header in front of standard WKB, normalized at write time so two
// geometries that describe the same shape always hash to the same blob.
package kartenc

import (
	"encoding/binary"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"

	"github.com/koordinates/kart/pkg/karterrors"
)

// EnvelopeCode is the 3-bit envelope-shape tag in the GPB flags byte.
type EnvelopeCode byte

const (
	EnvelopeNone EnvelopeCode = 0
	EnvelopeXY   EnvelopeCode = 1
	EnvelopeXYZ  EnvelopeCode = 2
	EnvelopeXYM  EnvelopeCode = 3
	EnvelopeXYZM EnvelopeCode = 4
)

func envelopeByteLen(code EnvelopeCode) (int, error) {
	switch code {
	case EnvelopeNone:
		return 0, nil
	case EnvelopeXY:
		return 32, nil
	case EnvelopeXYZ, EnvelopeXYM:
		return 48, nil
	case EnvelopeXYZM:
		return 64, nil
	default:
		return 0, karterrors.InvalidFileFormat.New("invalid geometry envelope code %d", code)
	}
}

const (
	gpbFlagLE       = 0x01
	gpbFlagEmpty    = 0x10
	gpbFlagExtended = 0x20
	gpbEnvelopeMask = 0x0e
)

// GPBHeader is the parsed GeoPackage-Binary header preceding the WKB body.
type GPBHeader struct {
	SRSID        int32
	Empty        bool
	EnvelopeCode EnvelopeCode
	Envelope     []float64 // raw doubles in header order (minx,maxx,miny,maxy[,...]), or nil
}

// ParseGPB splits a GPB-framed geometry blob into its header and the
// trailing standard-WKB body.
func ParseGPB(b []byte) (GPBHeader, []byte, error) {
	if len(b) < 8 || b[0] != 'G' || b[1] != 'P' {
		return GPBHeader{}, nil, karterrors.InvalidFileFormat.New("not a GeoPackage binary geometry: bad magic")
	}
	if b[2] != 0 {
		return GPBHeader{}, nil, karterrors.InvalidFileFormat.New("unsupported GeoPackage binary geometry version %d", b[2])
	}
	flags := b[3]
	if flags&gpbFlagExtended != 0 {
		return GPBHeader{}, nil, karterrors.NotYetImplemented.New("extended GeoPackage binary geometry is not supported")
	}
	var bo binary.ByteOrder = binary.LittleEndian
	if flags&gpbFlagLE == 0 {
		bo = binary.BigEndian
	}
	envCode := EnvelopeCode((flags & gpbEnvelopeMask) >> 1)
	envLen, err := envelopeByteLen(envCode)
	if err != nil {
		return GPBHeader{}, nil, err
	}
	if len(b) < 8+envLen {
		return GPBHeader{}, nil, karterrors.InvalidFileFormat.New("geometry blob truncated before envelope")
	}
	var env []float64
	if envLen > 0 {
		n := envLen / 8
		env = make([]float64, n)
		for i := 0; i < n; i++ {
			bits := bo.Uint64(b[8+i*8 : 8+(i+1)*8])
			env[i] = math.Float64frombits(bits)
		}
	}
	hdr := GPBHeader{
		SRSID:        int32(bo.Uint32(b[4:8])),
		Empty:        flags&gpbFlagEmpty != 0,
		EnvelopeCode: envCode,
		Envelope:     env,
	}
	return hdr, b[8+envLen:], nil
}

// wkbGeometryInfo is the minimal structural information NormalizeGeometry
// needs: whether the WKB is a point, whether it carries a Z ordinate, and
// its axis-aligned bounds.
type wkbGeometryInfo struct {
	isPoint bool
	hasZ    bool
	minX, minY, minZ, maxX, maxY, maxZ float64
	empty   bool
}

func scanWKB(wkbBytes []byte) (wkbGeometryInfo, error) {
	info := wkbGeometryInfo{minX: math.Inf(1), minY: math.Inf(1), minZ: math.Inf(1),
		maxX: math.Inf(-1), maxY: math.Inf(-1), maxZ: math.Inf(-1), empty: true}
	if err := scanWKBInto(wkbBytes, &info, true); err != nil {
		return wkbGeometryInfo{}, err
	}
	return info, nil
}

// scanWKBInto walks one WKB geometry (recursing into collections), updating
// the running bounds. topLevel is used only to set isPoint accurately.
func scanWKBInto(b []byte, info *wkbGeometryInfo, topLevel bool) error {
	if len(b) < 5 {
		return karterrors.GeometryError.New("truncated WKB header")
	}
	var bo binary.ByteOrder = binary.LittleEndian
	if b[0] == 0 {
		bo = binary.BigEndian
	}
	rawType := bo.Uint32(b[1:5])
	base := rawType % 1000
	dim := rawType / 1000 // 0 = XY, 1 = XYZ, 2 = XYM, 3 = XYZM (ISO convention)
	hasZ := dim == 1 || dim == 3
	coordDims := 2
	if hasZ {
		coordDims = 3
		info.hasZ = true
	}
	if dim == 2 || dim == 3 {
		// XYM/XYZM: an extra M ordinate follows but isn't part of Z.
		coordDims++
	}

	pos := 5
	readCoord := func() error {
		if pos+coordDims*8 > len(b) {
			return karterrors.GeometryError.New("truncated WKB coordinate")
		}
		x := math.Float64frombits(bo.Uint64(b[pos : pos+8]))
		y := math.Float64frombits(bo.Uint64(b[pos+8 : pos+16]))
		if !math.IsNaN(x) && !math.IsNaN(y) {
			info.empty = false
			if x < info.minX {
				info.minX = x
			}
			if x > info.maxX {
				info.maxX = x
			}
			if y < info.minY {
				info.minY = y
			}
			if y > info.maxY {
				info.maxY = y
			}
			if hasZ {
				z := math.Float64frombits(bo.Uint64(b[pos+16 : pos+24]))
				if z < info.minZ {
					info.minZ = z
				}
				if z > info.maxZ {
					info.maxZ = z
				}
			}
		}
		pos += coordDims * 8
		return nil
	}

	switch base {
	case 1: // Point
		if topLevel {
			info.isPoint = true
		}
		return readCoord()
	case 2: // LineString
		if pos+4 > len(b) {
			return karterrors.GeometryError.New("truncated WKB linestring count")
		}
		n := bo.Uint32(b[pos : pos+4])
		pos += 4
		for i := uint32(0); i < n; i++ {
			if err := readCoord(); err != nil {
				return err
			}
		}
		return nil
	case 3: // Polygon
		if pos+4 > len(b) {
			return karterrors.GeometryError.New("truncated WKB polygon ring count")
		}
		nRings := bo.Uint32(b[pos : pos+4])
		pos += 4
		for r := uint32(0); r < nRings; r++ {
			if pos+4 > len(b) {
				return karterrors.GeometryError.New("truncated WKB ring")
			}
			n := bo.Uint32(b[pos : pos+4])
			pos += 4
			for i := uint32(0); i < n; i++ {
				if err := readCoord(); err != nil {
					return err
				}
			}
		}
		return nil
	case 4, 5, 6, 7: // MultiPoint, MultiLineString, MultiPolygon, GeometryCollection
		if pos+4 > len(b) {
			return karterrors.GeometryError.New("truncated WKB collection count")
		}
		n := bo.Uint32(b[pos : pos+4])
		pos += 4
		for i := uint32(0); i < n; i++ {
			if pos >= len(b) {
				return karterrors.GeometryError.New("truncated WKB collection member")
			}
			if err := scanWKBInto(b[pos:], info, false); err != nil {
				return err
			}
			memberLen, err := wkbLength(b[pos:])
			if err != nil {
				return err
			}
			pos += memberLen
		}
		return nil
	default:
		return karterrors.GeometryError.New("unsupported WKB geometry type %d", base)
	}
}

// wkbLength returns the byte length of a single WKB geometry value, used to
// step over collection members without re-parsing them from scratch.
func wkbLength(b []byte) (int, error) {
	info := wkbGeometryInfo{minX: math.Inf(1), minY: math.Inf(1), minZ: math.Inf(1),
		maxX: math.Inf(-1), maxY: math.Inf(-1), maxZ: math.Inf(-1), empty: true}
	return wkbLengthTracking(b, &info)
}

// wkbLengthTracking re-walks a geometry purely to compute its byte length,
// using lengthReader, which repeats scanWKBInto's layout rules without
// tracking bounds.
func wkbLengthTracking(b []byte, _ *wkbGeometryInfo) (int, error) {
	lr := &lengthReader{data: b}
	if err := lr.walk(); err != nil {
		return 0, err
	}
	return lr.pos, nil
}

type lengthReader struct {
	data []byte
	pos  int
}

func (lr *lengthReader) walk() error {
	b := lr.data[lr.pos:]
	if len(b) < 5 {
		return karterrors.GeometryError.New("truncated WKB header")
	}
	var bo binary.ByteOrder = binary.LittleEndian
	if b[0] == 0 {
		bo = binary.BigEndian
	}
	rawType := bo.Uint32(b[1:5])
	base := rawType % 1000
	dim := rawType / 1000
	coordDims := 2
	if dim == 1 || dim == 3 {
		coordDims = 3
	}
	if dim == 2 || dim == 3 {
		coordDims++
	}
	lr.pos += 5

	switch base {
	case 1:
		lr.pos += coordDims * 8
		return nil
	case 2:
		n := bo.Uint32(lr.data[lr.pos : lr.pos+4])
		lr.pos += 4 + int(n)*coordDims*8
		return nil
	case 3:
		nRings := bo.Uint32(lr.data[lr.pos : lr.pos+4])
		lr.pos += 4
		for r := uint32(0); r < nRings; r++ {
			n := bo.Uint32(lr.data[lr.pos : lr.pos+4])
			lr.pos += 4 + int(n)*coordDims*8
		}
		return nil
	case 4, 5, 6, 7:
		n := bo.Uint32(lr.data[lr.pos : lr.pos+4])
		lr.pos += 4
		for i := uint32(0); i < n; i++ {
			if err := lr.walk(); err != nil {
				return err
			}
		}
		return nil
	default:
		return karterrors.GeometryError.New("unsupported WKB geometry type %d", base)
	}
}

// NormalizeGeometry applies the write-time normalization policy from §4.2
// to a raw standard-WKB geometry body: force little-endian byte order,
// zero the SRS id, and attach an XY (or XYZ, if the geometry is 3D)
// envelope unless the geometry is a point or empty.
//
// Big-endian 2D input is byte-swapped by round-tripping it through orb's
// WKB codec. That codec only understands the plain 2D geometry types, so
// big-endian input carrying a Z ordinate is rejected with NotYetImplemented
// rather than byte-swapped; see DESIGN.md.
func NormalizeGeometry(wkbBytes []byte) ([]byte, error) {
	info, err := scanWKB(wkbBytes)
	if err != nil {
		return nil, err
	}

	leWKB := wkbBytes
	if wkbBytes[0] == 0 { // big-endian input
		if info.hasZ {
			return nil, karterrors.NotYetImplemented.New("cannot byte-swap big-endian WKB with Z/M ordinates")
		}
		geom, err := wkb.Unmarshal(wkbBytes)
		if err != nil {
			return nil, karterrors.GeometryError.Wrap(err)
		}
		leWKB, err = wkb.Marshal(geom, binary.LittleEndian)
		if err != nil {
			return nil, karterrors.GeometryError.Wrap(err)
		}
	}

	if info.empty && info.isPoint {
		// WKB has no encoding for an empty point; Kart's convention is
		// POINT(NaN, NaN).
		leWKB = encodeEmptyPointLE(info.hasZ)
	}

	var envCode EnvelopeCode
	var envelope []byte
	if !info.isPoint && !info.empty {
		if info.hasZ {
			envCode = EnvelopeXYZ
			envelope = encodeEnvelopeLE(info.minX, info.minY, info.maxX, info.maxY, &info.minZ, &info.maxZ)
		} else {
			envCode = EnvelopeXY
			envelope = encodeEnvelopeLE(info.minX, info.minY, info.maxX, info.maxY, nil, nil)
		}
	}

	flags := byte(gpbFlagLE) | byte(envCode)<<1
	if info.empty {
		flags |= gpbFlagEmpty
	}

	out := make([]byte, 0, 8+len(envelope)+len(leWKB))
	out = append(out, 'G', 'P', 0, flags)
	out = binary.LittleEndian.AppendUint32(out, 0) // srs_id zeroed at commit time
	out = append(out, envelope...)
	out = append(out, leWKB...)
	return out, nil
}

func encodeEnvelopeLE(minX, minY, maxX, maxY float64, minZ, maxZ *float64) []byte {
	vals := []float64{minX, maxX, minY, maxY}
	if minZ != nil {
		vals = append(vals, *minZ, *maxZ)
	}
	buf := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(buf[i*8:(i+1)*8], math.Float64bits(v))
	}
	return buf
}

func encodeEmptyPointLE(hasZ bool) []byte {
	n := 2
	if hasZ {
		n = 3
	}
	out := make([]byte, 5+n*8)
	out[0] = 1 // little-endian
	geomType := uint32(1)
	if hasZ {
		geomType = 1001
	}
	binary.LittleEndian.PutUint32(out[1:5], geomType)
	nan := math.Float64bits(math.NaN())
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint64(out[5+i*8:5+(i+1)*8], nan)
	}
	return out
}

// Envelope2D returns the XY bounding rectangle of a GPB-framed geometry
// blob, preferring the header's precomputed envelope and falling back to a
// direct WKB scan when the header carries none.
func Envelope2D(gpb []byte) (orb.Bound, bool, error) {
	hdr, wkbBytes, err := ParseGPB(gpb)
	if err != nil {
		return orb.Bound{}, false, err
	}
	if hdr.Empty {
		return orb.Bound{}, false, nil
	}
	if len(hdr.Envelope) >= 4 {
		return orb.Bound{Min: orb.Point{hdr.Envelope[0], hdr.Envelope[2]}, Max: orb.Point{hdr.Envelope[1], hdr.Envelope[3]}}, true, nil
	}
	info, err := scanWKB(wkbBytes)
	if err != nil {
		return orb.Bound{}, false, err
	}
	if info.empty {
		return orb.Bound{}, false, nil
	}
	return orb.Bound{Min: orb.Point{info.minX, info.minY}, Max: orb.Point{info.maxX, info.maxY}}, true, nil
}
