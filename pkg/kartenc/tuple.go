package kartenc

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/koordinates/kart/pkg/karterrors"
)

// geometryExtID is the msgpack extension tag used for Geometry values —
// Kart's "G" (0x47) extension code, mirrored here as the small integer the
// vmihailenco/msgpack ext registry expects.
const geometryExtID = 71

func init() {
	msgpack.RegisterExt(geometryExtID, (*Geometry)(nil))
}

// Geometry is a value of the user-extension kind required by §4.2: a raw
// GeoPackage-Binary-framed geometry blob (see geometry.go), carried through
// the canonical tuple encoding as a msgpack extension rather than as bytes,
// so feature bodies can distinguish "this column is a geometry" from
// "this column is a blob" on read-back.
type Geometry []byte

// MarshalBinary implements encoding.BinaryMarshaler, which msgpack's
// extension registry uses to serialize the ext payload.
func (g Geometry) MarshalBinary() ([]byte, error) {
	return []byte(g), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (g *Geometry) UnmarshalBinary(data []byte) error {
	*g = append([]byte(nil), data...)
	return nil
}

// EncodeTuple canonically encodes an ordered sequence of values (null,
// bool, ints, floats, string, bytes, Geometry, or nested []interface{}
// arrays) to its deterministic binary form. Because the top-level value is
// always an array (never a map), byte-identical input always produces
// byte-identical output across platforms — msgpack doesn't need a
// stable-map-key convention here that would otherwise complicate §2(b) of
// the spec.
func EncodeTuple(values []interface{}) ([]byte, error) {
	b, err := msgpack.Marshal(values)
	if err != nil {
		return nil, karterrors.InvalidFileFormat.Wrap(err)
	}
	return b, nil
}

// DecodeTuple reverses EncodeTuple.
func DecodeTuple(data []byte) ([]interface{}, error) {
	var values []interface{}
	if err := msgpack.Unmarshal(data, &values); err != nil {
		return nil, karterrors.InvalidFileFormat.Wrap(err)
	}
	return values, nil
}

// EncodeFeatureBody canonically encodes a feature's stored body: the
// two-element array [legend_hash, non_pk_values].
func EncodeFeatureBody(legendHash string, nonPKValues []interface{}) ([]byte, error) {
	return EncodeTuple([]interface{}{legendHash, nonPKValues})
}

// DecodeFeatureBody reverses EncodeFeatureBody.
func DecodeFeatureBody(data []byte) (legendHash string, nonPKValues []interface{}, err error) {
	values, err := DecodeTuple(data)
	if err != nil {
		return "", nil, err
	}
	if len(values) != 2 {
		return "", nil, karterrors.InvalidFileFormat.New("feature body must be a 2-element array, got %d elements", len(values))
	}
	hash, ok := values[0].(string)
	if !ok {
		return "", nil, karterrors.InvalidFileFormat.New("feature body legend hash is not a string")
	}
	nonPK, ok := values[1].([]interface{})
	if !ok {
		return "", nil, karterrors.InvalidFileFormat.New("feature body non-pk tuple is not an array")
	}
	return hash, nonPK, nil
}

// EncodeFilename produces the final path segment for a feature: the
// base64(msgpack(pk_values)) basename shared by every path encoder.
func EncodeFilename(pkValues []interface{}) (string, error) {
	packed, err := EncodeTuple(pkValues)
	if err != nil {
		return "", err
	}
	return B64EncodeBytes(packed), nil
}

// DecodeFilename reverses EncodeFilename.
func DecodeFilename(name string) ([]interface{}, error) {
	packed, err := B64DecodeBytes(name)
	if err != nil {
		return nil, karterrors.InvalidFileFormat.Wrap(err)
	}
	return DecodeTuple(packed)
}
