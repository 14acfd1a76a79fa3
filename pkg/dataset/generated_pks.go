package dataset

import (
	"encoding/json"
	"strconv"

	"github.com/koordinates/kart/pkg/karterrors"
	"github.com/koordinates/kart/pkg/schema"
)

// GeneratedPKsItem is the meta-item name holding the persisted
// auto-generated-PK state: meta/generated-pks.json (§12 SUPPLEMENTED
// FEATURES). A dataset imported without a natural primary key gets one
// assigned, and the assignment is recorded here so a second import of the
// same (or similar) source data reuses the PK already assigned to an
// unchanged row, rather than restarting the sequence from 1 and turning
// every row into an insert+delete pair.
const GeneratedPKsItem = "generated-pks.json"

// DefaultGeneratedPKColumn is the column schema installed the first time a
// PK-less dataset is imported: a single 64-bit integer column named
// auto_pk, mirroring pk_generation.py's PkGeneratingTableImportSource.DEFAULT_PK_COL.
func DefaultGeneratedPKColumn() schema.ColumnSchema {
	zero := 0
	size := 64
	return schema.ColumnSchema{
		ID:              schema.NewColumnID(),
		Name:            "auto_pk",
		DataType:        schema.DataTypeInteger,
		PrimaryKeyIndex: &zero,
		Size:            &size,
	}
}

// GeneratedPKState is meta/generated-pks.json's in-memory form: the column
// schema of the auto-generated PK, plus the inverse map
// {assigned pk -> content hash of the feature (sans PK) it was assigned
// to}, used to recognize a previously-seen feature on reimport.
type GeneratedPKState struct {
	PKColumn schema.ColumnSchema
	PKToHash map[int64]string
}

type generatedPKsJSON struct {
	PrimaryKeySchema     schema.ColumnSchema `json:"primaryKeySchema"`
	GeneratedPrimaryKeys map[string]string   `json:"generatedPrimaryKeys"`
}

// LoadGeneratedPKState reads meta/generated-pks.json from v. Its absence
// means no auto-PK import has happened yet: state starts fresh from
// DefaultGeneratedPKColumn with no prior assignments.
func LoadGeneratedPKState(v *View) (GeneratedPKState, error) {
	data, ok, err := v.getBlobAt("meta/" + GeneratedPKsItem)
	if err != nil {
		return GeneratedPKState{}, err
	}
	if !ok {
		return GeneratedPKState{PKColumn: DefaultGeneratedPKColumn(), PKToHash: map[int64]string{}}, nil
	}
	return decodeGeneratedPKState(data)
}

func decodeGeneratedPKState(data []byte) (GeneratedPKState, error) {
	var raw generatedPKsJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return GeneratedPKState{}, karterrors.InvalidFileFormat.Wrap(err)
	}
	pkToHash := make(map[int64]string, len(raw.GeneratedPrimaryKeys))
	for k, h := range raw.GeneratedPrimaryKeys {
		pk, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return GeneratedPKState{}, karterrors.InvalidFileFormat.Wrap(err)
		}
		pkToHash[pk] = h
	}
	return GeneratedPKState{PKColumn: raw.PrimaryKeySchema, PKToHash: pkToHash}, nil
}

// Dumps serializes the state back to meta/generated-pks.json's wire shape:
// JSON object keys are strings, so integer PKs are formatted as decimal.
func (s GeneratedPKState) Dumps() ([]byte, error) {
	raw := generatedPKsJSON{
		PrimaryKeySchema:     s.PKColumn,
		GeneratedPrimaryKeys: make(map[string]string, len(s.PKToHash)),
	}
	for pk, h := range s.PKToHash {
		raw.GeneratedPrimaryKeys[strconv.FormatInt(pk, 10)] = h
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, karterrors.InvalidFileFormat.Wrap(err)
	}
	return data, nil
}

// NextPK returns the high-water mark to resume assigning from: one past
// the largest PK ever assigned, or 1 if none has been. Mirrors
// pk_generation.py's `first_new_pk = max(pk_to_hash) + 1 if pk_to_hash
// else 1`.
func (s GeneratedPKState) NextPK() int64 {
	var max int64
	found := false
	for pk := range s.PKToHash {
		if !found || pk > max {
			max, found = pk, true
		}
	}
	if !found {
		return 1
	}
	return max + 1
}

// ReuseForHash looks for a historical PK already assigned to contentHash
// that hasn't been reused yet during the current import (tracked in
// claimed, so a second occurrence of an identical feature in the same
// import gets a fresh PK instead of colliding with the first). Returns
// ok=false if no such PK is available.
func (s GeneratedPKState) ReuseForHash(contentHash string, claimed map[int64]bool) (int64, bool) {
	for pk, h := range s.PKToHash {
		if h == contentHash && !claimed[pk] {
			return pk, true
		}
	}
	return 0, false
}

// Assign records that pk was assigned to contentHash, so it survives in
// the map a subsequent Dumps() persists.
func (s GeneratedPKState) Assign(pk int64, contentHash string) {
	s.PKToHash[pk] = contentHash
}
