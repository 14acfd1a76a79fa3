// Package pathenc implements the three path-encoding schemes from §4.4: a
// primary key tuple maps deterministically to a relative path under
// feature/, and the mapping in use is fixed for a dataset's lifetime.
package pathenc

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/koordinates/kart/pkg/kartenc"
	"github.com/koordinates/kart/pkg/karterrors"
)

// Scheme names the encoding recorded in meta/path-structure.json.
type Scheme string

const (
	SchemeLegacyHash     Scheme = "legacy-hash"
	SchemeGeneralHash    Scheme = "general-hash"
	SchemeIntegerModulus Scheme = "integer-modulus"
)

// Encoding names the alphabet a scheme's tree levels are drawn from.
type Encoding string

const (
	EncodingHex    Encoding = "hex"
	EncodingBase64 Encoding = "base64"
)

// Encoder maps PK tuples to paths. Implementations are stateless value
// types; there's deliberately no shared base class beyond the parameters
// each variant already carries.
type Encoder interface {
	// EncodePKsToPath returns the feature's full relative path, including
	// the basename.
	EncodePKsToPath(pkValues []interface{}) (string, error)
	// TreeNames returns every possible immediate child name at any level
	// of this encoder's tree, used for density sampling and to find the
	// edge of an auto-generated PK range.
	TreeNames() ([]string, error)
	// ToMetaJSON serializes the encoder's parameters for
	// meta/path-structure.json.
	ToMetaJSON() ([]byte, error)
}

type pathStructureJSON struct {
	Scheme   Scheme   `json:"scheme"`
	Branches int      `json:"branches"`
	Levels   int      `json:"levels"`
	Encoding Encoding `json:"encoding"`
}

func basename(pkValues []interface{}) (string, error) {
	name, err := kartenc.EncodeFilename(pkValues)
	if err != nil {
		return "", err
	}
	return name, nil
}

// LegacyHashEncoder is the 2-level, 256-branch, hex encoder used by
// datasets written before path-structure.json existed. Its absence from
// meta/ is itself the signal to use this encoder.
type LegacyHashEncoder struct{}

func (LegacyHashEncoder) EncodePKsToPath(pkValues []interface{}) (string, error) {
	packed, err := kartenc.EncodeTuple(pkValues)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(packed)
	digest := hex.EncodeToString(sum[:])
	name, err := basename(pkValues)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s/%s", digest[0:2], digest[2:4], name), nil
}

func (LegacyHashEncoder) TreeNames() ([]string, error) {
	return kartenc.TreeNames("hex", 256)
}

func (LegacyHashEncoder) ToMetaJSON() ([]byte, error) {
	return json.Marshal(pathStructureJSON{Scheme: SchemeLegacyHash, Branches: 256, Levels: 2, Encoding: EncodingHex})
}

// GeneralHashEncoder is the default for datasets with non-integer or
// composite primary keys: 4 levels, 64-branch, base64.
type GeneralHashEncoder struct{}

func (GeneralHashEncoder) EncodePKsToPath(pkValues []interface{}) (string, error) {
	packed, err := kartenc.EncodeTuple(pkValues)
	if err != nil {
		return "", err
	}
	digest := kartenc.B64Hash(packed)
	if len(digest) < 4 {
		return "", karterrors.InvalidFileFormat.New("b64 hash too short to derive 4 path levels")
	}
	name, err := basename(pkValues)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%c/%c/%c/%c/%s", digest[0], digest[1], digest[2], digest[3], name), nil
}

func (GeneralHashEncoder) TreeNames() ([]string, error) {
	return kartenc.TreeNames("base64", 64)
}

func (GeneralHashEncoder) ToMetaJSON() ([]byte, error) {
	return json.Marshal(pathStructureJSON{Scheme: SchemeGeneralHash, Branches: 64, Levels: 4, Encoding: EncodingBase64})
}

// IntegerModulusEncoder is used for a dataset with a single integer
// primary key: consecutive PKs share their lower tree levels, so bulk
// inserts touch few trees.
type IntegerModulusEncoder struct {
	// Levels is the tree depth, 1..5.
	Levels int
}

func (e IntegerModulusEncoder) validate() error {
	if e.Levels < 1 || e.Levels > 5 {
		return karterrors.InvalidOperation.New("integer-modulus encoder levels must be in 1..5, got %d", e.Levels)
	}
	return nil
}

func singleIntPK(pkValues []interface{}) (int64, error) {
	if len(pkValues) != 1 {
		return 0, karterrors.InvalidOperation.New("integer-modulus encoder requires exactly one primary key column, got %d", len(pkValues))
	}
	switch v := pkValues[0].(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	default:
		return 0, karterrors.InvalidOperation.New("integer-modulus encoder requires an integer primary key, got %T", pkValues[0])
	}
}

// floorDiv and floorMod implement Python-style floor division/modulus,
// which B64EncodeInt's digit extraction assumes for negative primary keys.
func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func floorMod(a, b int64) int64 {
	m := a % b
	if m != 0 && ((m < 0) != (b < 0)) {
		m += b
	}
	return m
}

func (e IntegerModulusEncoder) EncodePKsToPath(pkValues []interface{}) (string, error) {
	if err := e.validate(); err != nil {
		return "", err
	}
	pk, err := singleIntPK(pkValues)
	if err != nil {
		return "", err
	}
	modulus := int64(1)
	for i := 0; i < e.Levels; i++ {
		modulus *= 64
	}
	t := floorMod(floorDiv(pk, 64), modulus)
	encoded, err := kartenc.B64EncodeInt(t)
	if err != nil {
		return "", err
	}
	// encoded is always 5 characters; only the last Levels of them are
	// significant once t has been reduced modulo 64**Levels.
	digits := encoded[5-e.Levels:]
	name, err := basename(pkValues)
	if err != nil {
		return "", err
	}
	parts := make([]byte, 0, e.Levels*2)
	for i, d := range []byte(digits) {
		if i > 0 {
			parts = append(parts, '/')
		}
		parts = append(parts, d)
	}
	return fmt.Sprintf("%s/%s", string(parts), name), nil
}

func (e IntegerModulusEncoder) TreeNames() ([]string, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	return kartenc.TreeNames("base64", 64)
}

func (e IntegerModulusEncoder) ToMetaJSON() ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(pathStructureJSON{Scheme: SchemeIntegerModulus, Branches: 64, Levels: e.Levels, Encoding: EncodingBase64})
}

// FromMetaJSON parses meta/path-structure.json. A nil/empty payload means
// the dataset predates this file and uses LegacyHashEncoder.
func FromMetaJSON(data []byte) (Encoder, error) {
	if len(data) == 0 {
		return LegacyHashEncoder{}, nil
	}
	var parsed pathStructureJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, karterrors.InvalidFileFormat.Wrap(err)
	}
	switch parsed.Scheme {
	case SchemeLegacyHash:
		return LegacyHashEncoder{}, nil
	case SchemeGeneralHash:
		return GeneralHashEncoder{}, nil
	case SchemeIntegerModulus:
		enc := IntegerModulusEncoder{Levels: parsed.Levels}
		if err := enc.validate(); err != nil {
			return nil, err
		}
		return enc, nil
	default:
		return nil, karterrors.InvalidFileFormat.New("unknown path-structure scheme %q", parsed.Scheme)
	}
}
