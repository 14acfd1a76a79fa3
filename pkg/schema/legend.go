package schema

import (
	"github.com/koordinates/kart/pkg/kartenc"
	"github.com/koordinates/kart/pkg/karterrors"
)

// Legend is the pair of ordered column-id sequences used to interpret a
// feature blob written at some point in history: (pk_ids, non_pk_ids).
// Legends are a pure function of the schema that produced them and are
// never back-referenced from the schema, so there's no schema<->legend
// cycle to manage (§4.6's note on avoiding that cycle).
type Legend struct {
	PKIDs    []string
	NonPKIDs []string
}

// BuildLegend derives s's legend, validating that pk-indices are
// contiguous starting at 0.
func BuildLegend(s Schema) (Legend, error) {
	if err := s.ValidatePKIndices(); err != nil {
		return Legend{}, err
	}
	pkCols := s.PKColumns()
	pkIDs := make([]string, len(pkCols))
	for i, c := range pkCols {
		pkIDs[i] = c.ID
	}
	nonPKCols := s.NonPKColumns()
	nonPKIDs := make([]string, len(nonPKCols))
	for i, c := range nonPKCols {
		nonPKIDs[i] = c.ID
	}
	return Legend{PKIDs: pkIDs, NonPKIDs: nonPKIDs}, nil
}

// Dumps canonically encodes the legend as a 2-tuple of id arrays, the
// binary form its hex hash is computed over.
func (l Legend) Dumps() ([]byte, error) {
	pk := make([]interface{}, len(l.PKIDs))
	for i, id := range l.PKIDs {
		pk[i] = id
	}
	nonPK := make([]interface{}, len(l.NonPKIDs))
	for i, id := range l.NonPKIDs {
		nonPK[i] = id
	}
	return kartenc.EncodeTuple([]interface{}{pk, nonPK})
}

// LoadLegend reverses Dumps.
func LoadLegend(data []byte) (Legend, error) {
	values, err := kartenc.DecodeTuple(data)
	if err != nil {
		return Legend{}, err
	}
	if len(values) != 2 {
		return Legend{}, karterrors.InvalidFileFormat.New("legend must be a 2-element array, got %d elements", len(values))
	}
	pk, err := toStringSlice(values[0])
	if err != nil {
		return Legend{}, karterrors.InvalidFileFormat.Wrap(err)
	}
	nonPK, err := toStringSlice(values[1])
	if err != nil {
		return Legend{}, karterrors.InvalidFileFormat.Wrap(err)
	}
	return Legend{PKIDs: pk, NonPKIDs: nonPK}, nil
}

func toStringSlice(v interface{}) ([]string, error) {
	arr, ok := v.([]interface{})
	if !ok {
		return nil, karterrors.InvalidFileFormat.New("expected an array of ids, got %T", v)
	}
	out := make([]string, len(arr))
	for i, e := range arr {
		s, ok := e.(string)
		if !ok {
			return nil, karterrors.InvalidFileFormat.New("expected a string id, got %T", e)
		}
		out[i] = s
	}
	return out, nil
}

// HexHash is the content-derived path component: meta/legend/<hexhash>.
func (l Legend) HexHash() (string, error) {
	data, err := l.Dumps()
	if err != nil {
		return "", err
	}
	return kartenc.HexHash(data), nil
}

// AllIDs returns pk_ids followed by non_pk_ids, the order the tuple
// values are zipped against on read.
func (l Legend) AllIDs() []string {
	ids := make([]string, 0, len(l.PKIDs)+len(l.NonPKIDs))
	ids = append(ids, l.PKIDs...)
	ids = append(ids, l.NonPKIDs...)
	return ids
}

// PKCompatible reports whether two legends share identical pk-id tuples,
// the precondition from §4.3 for in-place schema upgrades of unchanged
// rows: old blobs stay readable, without rewriting, under the new schema.
func (l Legend) PKCompatible(other Legend) bool {
	if len(l.PKIDs) != len(other.PKIDs) {
		return false
	}
	for i := range l.PKIDs {
		if l.PKIDs[i] != other.PKIDs[i] {
			return false
		}
	}
	return true
}
