// Package feature implements the row <-> (path, blob bytes) codec from
// spec §4.6, including the schema-evolution handling between write-time
// and read-time and the reimport blob-reuse optimization.
package feature

import (
	"reflect"

	"github.com/koordinates/kart/pkg/kartenc"
	"github.com/koordinates/kart/pkg/pathenc"
	"github.com/koordinates/kart/pkg/schema"
)

// LegendLookup resolves a legend by its hex hash, as stored under
// meta/legend/<hash>. Decoding a feature never writes a legend; only
// Patch apply does, so this is read-only.
type LegendLookup func(hash string) (schema.Legend, error)

// Encode implements §4.6's write path: build raw, split via the current
// legend, compute the path and the canonically-encoded body.
func Encode(value interface{}, s schema.Schema, legend schema.Legend, encoder pathenc.Encoder) (path string, body []byte, err error) {
	raw, err := s.FeatureToRawDict(value)
	if err != nil {
		return "", nil, err
	}

	pkTuple := make([]interface{}, len(legend.PKIDs))
	for i, id := range legend.PKIDs {
		pkTuple[i] = raw[id]
	}
	nonPKTuple := make([]interface{}, len(legend.NonPKIDs))
	for i, id := range legend.NonPKIDs {
		nonPKTuple[i] = raw[id]
	}

	subpath, err := encoder.EncodePKsToPath(pkTuple)
	if err != nil {
		return "", nil, err
	}
	legendHash, err := legend.HexHash()
	if err != nil {
		return "", nil, err
	}
	body, err = kartenc.EncodeFeatureBody(legendHash, nonPKTuple)
	if err != nil {
		return "", nil, err
	}
	return "feature/" + subpath, body, nil
}

// Decoded is a feature as read off disk: the stored legend's {column_id:
// value} dict (which may reference ids no longer present in the current
// schema) plus the primary key tuple recovered from the path basename.
type Decoded struct {
	PKValues []interface{}
	RawByID  map[string]interface{}
	Legend   schema.Legend
}

// Decode implements §4.6's read path given the feature's basename (the
// last path segment) and its blob body.
func Decode(basename string, body []byte, lookup LegendLookup) (Decoded, error) {
	pkTuple, err := kartenc.DecodeFilename(basename)
	if err != nil {
		return Decoded{}, err
	}
	legendHash, nonPKTuple, err := kartenc.DecodeFeatureBody(body)
	if err != nil {
		return Decoded{}, err
	}
	legend, err := lookup(legendHash)
	if err != nil {
		return Decoded{}, err
	}

	raw := make(map[string]interface{}, len(legend.PKIDs)+len(legend.NonPKIDs))
	for i, id := range legend.PKIDs {
		if i < len(pkTuple) {
			raw[id] = pkTuple[i]
		}
	}
	for i, id := range legend.NonPKIDs {
		if i < len(nonPKTuple) {
			raw[id] = nonPKTuple[i]
		}
	}
	return Decoded{PKValues: pkTuple, RawByID: raw, Legend: legend}, nil
}

// Present projects a decoded feature's raw {column_id: value} dict
// through the current schema, producing {column_name: value} with nulls
// for columns not present in the stored legend.
func Present(raw map[string]interface{}, currentSchema schema.Schema) map[string]interface{} {
	return currentSchema.FeatureFromRawDict(raw)
}

// CanReuseBlob implements the reimport optimization from §4.6: when
// re-encoding a feature during an import that replaces a dataset, if the
// old blob's contents decode under the new schema to the same value that
// is about to be imported, the caller should re-emit the old blob
// identifier unchanged rather than writing a new one. presentedNewValue
// is the {column_name: value} the importer is about to write, built the
// same way Present builds it.
func CanReuseBlob(oldBasename string, oldBody []byte, lookup LegendLookup, newSchema schema.Schema, presentedNewValue map[string]interface{}) (bool, error) {
	decoded, err := Decode(oldBasename, oldBody, lookup)
	if err != nil {
		return false, nil // an undecodable old blob is never reusable; not an error worth surfacing here
	}
	presentedOldValue := Present(decoded.RawByID, newSchema)
	return reflect.DeepEqual(presentedOldValue, presentedNewValue), nil
}
