// Package diff implements the RepoDiff model from §4.7: a per-dataset,
// per-section (meta, feature) set of ordered inserts/updates/deletes
// between two Dataset views, or between a view and absence (dataset
// create/delete).
package diff

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/koordinates/kart/pkg/dataset"
	"github.com/koordinates/kart/pkg/karterrors"
	"github.com/koordinates/kart/pkg/kartenc"
	"github.com/koordinates/kart/pkg/objectstore"
)

// ChangeType classifies one Delta.
type ChangeType int

const (
	Insert ChangeType = iota
	Update
	Delete
)

func (c ChangeType) String() string {
	switch c {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// Delta is one insert/update/delete, per §4.7. OldKey and NewKey are equal
// for everything but a renamed primary key; for meta deltas they are always
// equal (the meta-item name never changes under a delta).
type Delta struct {
	Type ChangeType

	OldKey   interface{}
	OldValue interface{}

	NewKey   interface{}
	NewValue interface{}
}

// Section is one dataset-diff section (meta or feature): an ordered list of
// deltas, sorted by key.
type Section struct {
	Deltas []Delta
}

// TypeCounts aggregates deltas per type, for status output.
func (s Section) TypeCounts() map[string]int {
	counts := map[string]int{"inserts": 0, "updates": 0, "deletes": 0}
	for _, d := range s.Deltas {
		switch d.Type {
		case Insert:
			counts["inserts"]++
		case Update:
			counts["updates"]++
		case Delete:
			counts["deletes"]++
		}
	}
	return counts
}

// DatasetDiff is one dataset's diff: its meta-item changes and its feature
// changes. Tile datasets (out of scope here) would add a third section.
type DatasetDiff struct {
	Meta    Section
	Feature Section
}

// IsEmpty reports whether this dataset has no changes at all, and so should
// be omitted from a RepoDiff.
func (d DatasetDiff) IsEmpty() bool {
	return len(d.Meta.Deltas) == 0 && len(d.Feature.Deltas) == 0
}

// RepoDiff maps dataset path to that dataset's diff. Datasets with no
// changes are never present as keys.
type RepoDiff map[string]DatasetDiff

// sortedKeySet returns the sorted union of two string sets' keys.
func sortedKeySet(a, b map[string][]byte) []string {
	seen := make(map[string]bool, len(a)+len(b))
	for k := range a {
		seen[k] = true
	}
	for k := range b {
		seen[k] = true
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// normalizeMetaBytes canonicalizes a meta-item blob for comparison: if it
// parses as JSON, strip keys whose value is null (recursively) and
// re-marshal with map keys in their natural sorted order, so that
// {"x":1,"y":null} compares equal to {"x":1}. Non-JSON meta items (CRS WKT,
// title) compare as raw bytes.
func normalizeMetaBytes(data []byte) []byte {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return data
	}
	out, err := json.Marshal(stripNulls(v))
	if err != nil {
		return data
	}
	return out
}

func stripNulls(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			if val == nil {
				continue
			}
			out[k] = stripNulls(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = stripNulls(val)
		}
		return out
	default:
		return v
	}
}

// DiffMeta compares two datasets' meta items by name and (normalized)
// value. Either view may be nil, meaning "this dataset doesn't exist here"
// (every item the other side has becomes an insert or delete).
func DiffMeta(oldView, newView *dataset.View) (Section, error) {
	var oldItems, newItems map[string][]byte
	var err error
	if oldView != nil {
		if oldItems, err = oldView.MetaItems(); err != nil {
			return Section{}, err
		}
	}
	if newView != nil {
		if newItems, err = newView.MetaItems(); err != nil {
			return Section{}, err
		}
	}

	var deltas []Delta
	for _, name := range sortedKeySet(oldItems, newItems) {
		ov, hasOld := oldItems[name]
		nv, hasNew := newItems[name]
		switch {
		case hasOld && hasNew:
			if bytes.Equal(normalizeMetaBytes(ov), normalizeMetaBytes(nv)) {
				continue
			}
			deltas = append(deltas, Delta{Type: Update, OldKey: name, OldValue: ov, NewKey: name, NewValue: nv})
		case hasNew:
			deltas = append(deltas, Delta{Type: Insert, NewKey: name, NewValue: nv})
		default:
			deltas = append(deltas, Delta{Type: Delete, OldKey: name, OldValue: ov})
		}
	}
	return Section{Deltas: deltas}, nil
}

// featureEntry pairs a feature's tree-relative blob name with its
// identifier, for the parallel-tree-walk comparison in DiffFeatures.
type featureEntry struct {
	name string
	id   objectstore.Identifier
}

// sortedFeatureEntries returns blobs keyed by their msgpack-canonical PK
// tuple sort key (not their tree-name), since feature deltas key by PK
// value per §4.7 and path encoders disperse PKs across the tree.
func sortedFeatureEntries(view *dataset.View) ([]string, map[string]featureEntry, error) {
	if view == nil {
		return nil, nil, nil
	}
	blobs, err := view.FeatureBlobs()
	if err != nil {
		return nil, nil, err
	}
	byKey := make(map[string]featureEntry, len(blobs))
	keys := make([]string, 0, len(blobs))
	for name, id := range blobs {
		pkValues, err := kartenc.DecodeFilename(name[lastSlash(name)+1:])
		if err != nil {
			return nil, nil, err
		}
		keyBytes, err := kartenc.EncodeTuple(pkValues)
		if err != nil {
			return nil, nil, err
		}
		key := string(keyBytes)
		byKey[key] = featureEntry{name: name, id: id}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, byKey, nil
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

// DiffFeatures walks both datasets' feature trees in PK-sort order,
// short-circuiting entries whose blob identifier is unchanged (identical
// identifiers guarantee identical content), per §4.7's optimization.
// Either view may be nil.
func DiffFeatures(oldView, newView *dataset.View) (Section, error) {
	oldKeys, oldEntries, err := sortedFeatureEntries(oldView)
	if err != nil {
		return Section{}, err
	}
	newKeys, newEntries, err := sortedFeatureEntries(newView)
	if err != nil {
		return Section{}, err
	}

	allKeys := map[string]bool{}
	for _, k := range oldKeys {
		allKeys[k] = true
	}
	for _, k := range newKeys {
		allKeys[k] = true
	}
	sorted := make([]string, 0, len(allKeys))
	for k := range allKeys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	var deltas []Delta
	for _, key := range sorted {
		oldEntry, hasOld := oldEntries[key]
		newEntry, hasNew := newEntries[key]

		if hasOld && hasNew && oldEntry.id == newEntry.id {
			continue
		}

		var (
			oldPK, newPK         []interface{}
			oldValues, newValues map[string]interface{}
		)
		if hasOld {
			feat, err := oldView.DecodeFeatureBlob(oldEntry.name, oldEntry.id)
			if err != nil {
				return Section{}, err
			}
			oldPK, oldValues = feat.PKValues, feat.Values
		}
		if hasNew {
			feat, err := newView.DecodeFeatureBlob(newEntry.name, newEntry.id)
			if err != nil {
				return Section{}, err
			}
			newPK, newValues = feat.PKValues, feat.Values
		}

		switch {
		case hasOld && hasNew:
			deltas = append(deltas, Delta{Type: Update, OldKey: pkKey(oldPK), OldValue: oldValues, NewKey: pkKey(newPK), NewValue: newValues})
		case hasNew:
			deltas = append(deltas, Delta{Type: Insert, NewKey: pkKey(newPK), NewValue: newValues})
		default:
			deltas = append(deltas, Delta{Type: Delete, OldKey: pkKey(oldPK), OldValue: oldValues})
		}
	}
	return Section{Deltas: deltas}, nil
}

// pkKey collapses a single-column PK to its bare value (the common case),
// keeping composite PKs as a slice.
func pkKey(pk []interface{}) interface{} {
	if len(pk) == 1 {
		return pk[0]
	}
	return pk
}

// DiffDataset computes the full DatasetDiff (meta + feature) between two
// views of the same dataset path. Either may be nil.
func DiffDataset(oldView, newView *dataset.View) (DatasetDiff, error) {
	meta, err := DiffMeta(oldView, newView)
	if err != nil {
		return DatasetDiff{}, err
	}
	feat, err := DiffFeatures(oldView, newView)
	if err != nil {
		return DatasetDiff{}, err
	}
	return DatasetDiff{Meta: meta, Feature: feat}, nil
}

// findDatasetPaths recursively walks a repo tree, returning the path of
// every dataset present in it (every directory whose immediate child is
// the hidden inner tree).
func findDatasetPaths(objects *objectstore.Store, treeID objectstore.Identifier, prefix string) ([]string, error) {
	if treeID.IsZero() {
		return nil, nil
	}
	entries, err := objects.WalkChildren(treeID)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.Kind != objectstore.KindTree {
			continue
		}
		if e.Name == dataset.InnerTreeName {
			if prefix != "" {
				paths = append(paths, prefix)
			}
			continue
		}
		childPrefix := e.Name
		if prefix != "" {
			childPrefix = prefix + "/" + e.Name
		}
		sub, err := findDatasetPaths(objects, e.ID, childPrefix)
		if err != nil {
			return nil, err
		}
		paths = append(paths, sub...)
	}
	return paths, nil
}

// resolveSubtree walks slash-separated path from treeID, returning the
// tree identifier found there, or ok=false if any component is absent or
// not a directory.
func resolveSubtree(objects *objectstore.Store, treeID objectstore.Identifier, path string) (objectstore.Identifier, bool, error) {
	cur := treeID
	for _, part := range strings.Split(path, "/") {
		entries, err := objects.WalkChildren(cur)
		if err != nil {
			return objectstore.Identifier{}, false, err
		}
		found := false
		for _, e := range entries {
			if e.Name == part && e.Kind == objectstore.KindTree {
				cur = e.ID
				found = true
				break
			}
		}
		if !found {
			return objectstore.Identifier{}, false, nil
		}
	}
	return cur, true, nil
}

// openOrNil opens the dataset at path in root, returning (nil, nil) if
// root is the null tree (initial commit) or the dataset is absent there.
func openOrNil(objects *objectstore.Store, root objectstore.Identifier, path string) (*dataset.View, error) {
	if root.IsZero() {
		return nil, nil
	}
	subtree, ok, err := resolveSubtree(objects, root, path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	view, err := dataset.Open(objects, subtree, path)
	if err != nil {
		if karterrors.Is(err, &karterrors.NotFound) {
			return nil, nil
		}
		return nil, err
	}
	return view, nil
}

// DiffRepo computes the RepoDiff between two repo-root trees (oldRoot may
// be the zero Identifier for an initial commit), discovering dataset paths
// by walking both trees for the hidden inner-tree marker.
func DiffRepo(objects *objectstore.Store, oldRoot, newRoot objectstore.Identifier) (RepoDiff, error) {
	oldPaths, err := findDatasetPaths(objects, oldRoot, "")
	if err != nil {
		return nil, err
	}
	newPaths, err := findDatasetPaths(objects, newRoot, "")
	if err != nil {
		return nil, err
	}

	union := map[string]bool{}
	for _, p := range oldPaths {
		union[p] = true
	}
	for _, p := range newPaths {
		union[p] = true
	}
	sortedPaths := make([]string, 0, len(union))
	for p := range union {
		sortedPaths = append(sortedPaths, p)
	}
	sort.Strings(sortedPaths)

	result := RepoDiff{}
	for _, path := range sortedPaths {
		oldView, err := openOrNil(objects, oldRoot, path)
		if err != nil {
			return nil, err
		}
		newView, err := openOrNil(objects, newRoot, path)
		if err != nil {
			return nil, err
		}
		dd, err := DiffDataset(oldView, newView)
		if err != nil {
			return nil, err
		}
		if !dd.IsEmpty() {
			result[path] = dd
		}
	}
	return result, nil
}
