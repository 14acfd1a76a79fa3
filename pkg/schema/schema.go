// Package schema implements the Schema and Legend model from §4.3: typed
// column descriptors plus the derived ordered-id list used to decode a
// stored row.
package schema

import (
	"encoding/json"
	"sort"

	"github.com/google/uuid"

	"github.com/koordinates/kart/pkg/karterrors"
)

// DataType is one of the column types a ColumnSchema can declare.
type DataType string

const (
	DataTypeInteger   DataType = "integer"
	DataTypeFloat     DataType = "float"
	DataTypeText      DataType = "text"
	DataTypeBlob      DataType = "blob"
	DataTypeBoolean   DataType = "boolean"
	DataTypeNumeric   DataType = "numeric"
	DataTypeDate      DataType = "date"
	DataTypeTime      DataType = "time"
	DataTypeTimestamp DataType = "timestamp"
	DataTypeInterval  DataType = "interval"
	DataTypeGeometry  DataType = "geometry"
)

// ColumnSchema is one column descriptor: §4.3's {id, name, data_type,
// optional primaryKeyIndex, plus type-specific attributes}.
type ColumnSchema struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	DataType        DataType `json:"dataType"`
	PrimaryKeyIndex *int     `json:"primaryKeyIndex,omitempty"`

	Size         *int    `json:"size,omitempty"`         // integer: signed bit width
	Length       *int    `json:"length,omitempty"`       // text (chars) / blob (bytes)
	Precision    *int    `json:"precision,omitempty"`     // numeric
	Scale        *int    `json:"scale,omitempty"`         // numeric
	GeometryType *string `json:"geometryType,omitempty"`
	GeometryCRS  *string `json:"geometryCRS,omitempty"`
	Timezone     *string `json:"timezone,omitempty"`
}

func (c ColumnSchema) IsPK() bool {
	return c.PrimaryKeyIndex != nil
}

// NewColumnID generates a fresh column id: §4.3 requires id be "stable
// across renames and reorders", so a schema-evolution operation adding a
// column mints one of these rather than deriving it from the column's name.
func NewColumnID() string {
	return uuid.NewString()
}

// Schema is an ordered sequence of columns, the constructed view over the
// schema.json meta item.
type Schema struct {
	Columns []ColumnSchema
}

// Load normalizes raw schema.json bytes into a Schema: optional fields
// whose value is null are dropped (handled naturally by the pointer
// fields above via omitempty on the way back out), and is otherwise a
// straightforward unmarshal.
func Load(data []byte) (Schema, error) {
	var columns []ColumnSchema
	if err := json.Unmarshal(data, &columns); err != nil {
		return Schema{}, karterrors.InvalidFileFormat.Wrap(err)
	}
	return Schema{Columns: columns}, nil
}

// Dumps re-serializes the Schema using the same normalization applied on
// load, so content hashing is reproducible: the same logical schema
// always dumps to the same bytes regardless of how it arrived in memory.
func (s Schema) Dumps() ([]byte, error) {
	cols := s.Columns
	if cols == nil {
		cols = []ColumnSchema{}
	}
	b, err := json.Marshal(cols)
	if err != nil {
		return nil, karterrors.InvalidFileFormat.Wrap(err)
	}
	return b, nil
}

// PKColumns returns the primary-key columns in pk-index order.
func (s Schema) PKColumns() []ColumnSchema {
	var pks []ColumnSchema
	for _, c := range s.Columns {
		if c.IsPK() {
			pks = append(pks, c)
		}
	}
	sort.Slice(pks, func(i, j int) bool { return *pks[i].PrimaryKeyIndex < *pks[j].PrimaryKeyIndex })
	return pks
}

// NonPKColumns returns the non-primary-key columns, in schema order.
func (s Schema) NonPKColumns() []ColumnSchema {
	var rest []ColumnSchema
	for _, c := range s.Columns {
		if !c.IsPK() {
			rest = append(rest, c)
		}
	}
	return rest
}

// ColumnByID finds a column by its stable id.
func (s Schema) ColumnByID(id string) (ColumnSchema, bool) {
	for _, c := range s.Columns {
		if c.ID == id {
			return c, true
		}
	}
	return ColumnSchema{}, false
}

// ColumnByName finds a column by its current display name.
func (s Schema) ColumnByName(name string) (ColumnSchema, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnSchema{}, false
}

// IsSingleIntegerPK reports whether this schema has exactly one PK column
// and its type is integer -- the precondition for integer-modulus path
// encoding (§4.4).
func (s Schema) IsSingleIntegerPK() bool {
	pks := s.PKColumns()
	return len(pks) == 1 && pks[0].DataType == DataTypeInteger
}

// ValidatePKIndices checks that primaryKeyIndex values form the
// contiguous range 0..k-1 for the k PK columns, per §4.3's invariant.
func (s Schema) ValidatePKIndices() error {
	pks := s.PKColumns()
	for i, c := range pks {
		if *c.PrimaryKeyIndex != i {
			return karterrors.SchemaViolation.New("primary key indices must be contiguous starting at 0, column %q has index %d at position %d", c.Name, *c.PrimaryKeyIndex, i)
		}
	}
	return nil
}

// FeatureToRawDict accepts either a mapping by column name or a
// positional sequence in schema order and produces {column_id: value}.
func (s Schema) FeatureToRawDict(feature interface{}) (map[string]interface{}, error) {
	raw := make(map[string]interface{}, len(s.Columns))
	switch f := feature.(type) {
	case map[string]interface{}:
		for _, c := range s.Columns {
			if v, ok := f[c.Name]; ok {
				raw[c.ID] = v
			}
		}
	case []interface{}:
		if len(f) != len(s.Columns) {
			return nil, karterrors.InvalidOperation.New("positional feature has %d values, schema has %d columns", len(f), len(s.Columns))
		}
		for i, c := range s.Columns {
			raw[c.ID] = f[i]
		}
	default:
		return nil, karterrors.InvalidOperation.New("feature must be a map[string]interface{} or []interface{}, got %T", feature)
	}
	return raw, nil
}

// FeatureFromRawDict produces {name: value}, filling any column present
// in the current schema but missing from raw with null.
func (s Schema) FeatureFromRawDict(raw map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(s.Columns))
	for _, c := range s.Columns {
		v, ok := raw[c.ID]
		if !ok {
			v = nil
		}
		out[c.Name] = v
	}
	return out
}
