// Package dataset implements the read-only Dataset view from §4.5: given
// a tree representing one dataset, it resolves meta items, the current
// Schema and Legend, CRS definitions, and a lazy stream of decoded
// features, optionally filtered spatially.
package dataset

import (
	"sort"
	"strings"
	"sync"

	"github.com/koordinates/kart/pkg/feature"
	"github.com/koordinates/kart/pkg/kartenc"
	"github.com/koordinates/kart/pkg/karterrors"
	"github.com/koordinates/kart/pkg/metrics"
	"github.com/koordinates/kart/pkg/objectstore"
	"github.com/koordinates/kart/pkg/pathenc"
	"github.com/koordinates/kart/pkg/schema"
	"github.com/koordinates/kart/pkg/spatialfilter"
)

// innerTreeName is the hidden subtree every dataset stores its structured
// content under; all relative paths in this package are relative to it.
const innerTreeName = ".table-dataset"

// InnerTreeName is innerTreeName, exported for callers (pkg/diff) that need
// to recognize a dataset's presence while walking a repo tree themselves.
const InnerTreeName = innerTreeName

// View is a read-only Dataset view at one tree, per §4.5.
type View struct {
	objects *objectstore.Store
	path    string
	outer   objectstore.Identifier
	inner   objectstore.Identifier

	mu           sync.Mutex
	schemaCache  *schema.Schema
	legendCache  map[string]schema.Legend
	encoderCache pathenc.Encoder
}

// Open resolves the dataset at outer path path, whose root tree (the
// user-visible "a/b/mylayer" entry) is rootTreeID. Returns NotFound if the
// inner tree is absent, meaning no dataset is live at this path in this tree.
func Open(objects *objectstore.Store, rootTreeID objectstore.Identifier, path string) (*View, error) {
	entries, err := objects.WalkChildren(rootTreeID)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Name == innerTreeName && e.Kind == objectstore.KindTree {
			return &View{objects: objects, path: path, outer: rootTreeID, inner: e.ID, legendCache: map[string]schema.Legend{}}, nil
		}
	}
	return nil, karterrors.NotFound.New("no dataset at %q in this tree", path)
}

// Path returns the dataset's outer path.
func (v *View) Path() string {
	return v.path
}

// resolvePath walks slash-separated relPath from the inner tree,
// returning the final TreeEntry, or ok=false if any component is absent.
func (v *View) resolvePath(relPath string) (objectstore.TreeEntry, bool, error) {
	parts := strings.Split(relPath, "/")
	cur := v.inner
	var entry objectstore.TreeEntry
	for i, part := range parts {
		entries, err := v.objects.WalkChildren(cur)
		if err != nil {
			return objectstore.TreeEntry{}, false, err
		}
		found := false
		for _, e := range entries {
			if e.Name == part {
				entry = e
				found = true
				break
			}
		}
		if !found {
			return objectstore.TreeEntry{}, false, nil
		}
		if i < len(parts)-1 {
			if entry.Kind != objectstore.KindTree {
				return objectstore.TreeEntry{}, false, karterrors.InvalidOperation.New("%q is not a directory inside dataset %q", strings.Join(parts[:i+1], "/"), v.path)
			}
			cur = entry.ID
		}
	}
	return entry, true, nil
}

// getBlobAt reads the blob at relPath, or (nil, false, nil) if absent.
func (v *View) getBlobAt(relPath string) ([]byte, bool, error) {
	entry, ok, err := v.resolvePath(relPath)
	if err != nil || !ok {
		return nil, false, err
	}
	if entry.Kind != objectstore.KindBlob {
		return nil, false, karterrors.InvalidOperation.New("%q is a directory, not a meta item, in dataset %q", relPath, v.path)
	}
	data, err := v.objects.GetBlob(entry.ID)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// walkTreeRecursive lists every blob reachable under relPath (relative to
// the inner tree), with names joined by "/".
func (v *View) walkTreeRecursive(relPath string) (map[string]objectstore.Identifier, error) {
	entry, ok, err := v.resolvePath(relPath)
	if err != nil {
		return nil, err
	}
	if !ok {
		return map[string]objectstore.Identifier{}, nil
	}
	result := map[string]objectstore.Identifier{}
	var walk func(treeID objectstore.Identifier, prefix string) error
	walk = func(treeID objectstore.Identifier, prefix string) error {
		entries, err := v.objects.WalkChildren(treeID)
		if err != nil {
			return err
		}
		for _, e := range entries {
			name := e.Name
			if prefix != "" {
				name = prefix + "/" + e.Name
			}
			if e.Kind == objectstore.KindTree {
				if err := walk(e.ID, name); err != nil {
					return err
				}
			} else {
				result[name] = e.ID
			}
		}
		return nil
	}
	if entry.Kind != objectstore.KindTree {
		result[relPath] = entry.ID
		return result, nil
	}
	if err := walk(entry.ID, relPath); err != nil {
		return nil, err
	}
	return result, nil
}

// attachmentMetaItems names meta-items that may also be attached outside
// meta/, sibling to the dataset's inner tree, per §13.2's resolved Open
// Question: a dataset can carry its metadata.xml either way, and a reader
// must check both.
var attachmentMetaItems = []string{"metadata.xml"}

// MetaItems returns every meta/ blob, keyed by its name relative to meta/
// (e.g. "schema.json", "legend/<hash>", "crs/EPSG:4326.wkt"), plus any
// attachment meta-item found at its outer location when absent from
// meta/. The inner meta/ copy always takes precedence over the outer one.
func (v *View) MetaItems() (map[string][]byte, error) {
	blobs, err := v.walkTreeRecursive("meta")
	if err != nil {
		return nil, err
	}
	result := make(map[string][]byte, len(blobs))
	for name, id := range blobs {
		relName := strings.TrimPrefix(name, "meta/")
		data, err := v.objects.GetBlob(id)
		if err != nil {
			return nil, err
		}
		result[relName] = data
	}

	for _, name := range attachmentMetaItems {
		if _, ok := result[name]; ok {
			continue
		}
		data, ok, err := v.getOuterBlob(name)
		if err != nil {
			return nil, err
		}
		if ok {
			result[name] = data
		}
	}
	return result, nil
}

// getOuterBlob reads a blob sibling to the dataset's inner tree -- i.e. an
// entry of v.outer with the given name -- or (nil, false, nil) if absent.
func (v *View) getOuterBlob(name string) ([]byte, bool, error) {
	entries, err := v.objects.WalkChildren(v.outer)
	if err != nil {
		return nil, false, err
	}
	for _, e := range entries {
		if e.Name == name && e.Kind == objectstore.KindBlob {
			data, err := v.objects.GetBlob(e.ID)
			if err != nil {
				return nil, false, err
			}
			return data, true, nil
		}
	}
	return nil, false, nil
}

// Schema loads and caches meta/schema.json.
func (v *View) Schema() (schema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.schemaCache != nil {
		return *v.schemaCache, nil
	}
	data, ok, err := v.getBlobAt("meta/schema.json")
	if err != nil {
		return schema.Schema{}, err
	}
	if !ok {
		return schema.Schema{}, karterrors.NotFound.New("dataset %q has no schema.json", v.path)
	}
	s, err := schema.Load(data)
	if err != nil {
		return schema.Schema{}, err
	}
	v.schemaCache = &s
	return s, nil
}

// GetLegend loads and caches meta/legend/<hash>.
func (v *View) GetLegend(hash string) (schema.Legend, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if l, ok := v.legendCache[hash]; ok {
		return l, nil
	}
	data, ok, err := v.getBlobAt("meta/legend/" + hash)
	if err != nil {
		return schema.Legend{}, err
	}
	if !ok {
		return schema.Legend{}, karterrors.NotFound.New("dataset %q has no legend %q", v.path, hash)
	}
	legend, err := schema.LoadLegend(data)
	if err != nil {
		return schema.Legend{}, err
	}
	v.legendCache[hash] = legend
	return legend, nil
}

// PathEncoder loads and caches meta/path-structure.json, defaulting to
// LegacyHashEncoder when absent.
func (v *View) PathEncoder() (pathenc.Encoder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.encoderCache != nil {
		return v.encoderCache, nil
	}
	data, _, err := v.getBlobAt("meta/path-structure.json")
	if err != nil {
		return nil, err
	}
	enc, err := pathenc.FromMetaJSON(data)
	if err != nil {
		return nil, err
	}
	v.encoderCache = enc
	return enc, nil
}

// CRSDefinitions iterates meta/crs/*.wkt, keyed by CRS identifier.
func (v *View) CRSDefinitions() (map[string]string, error) {
	blobs, err := v.walkTreeRecursive("meta/crs")
	if err != nil {
		return nil, err
	}
	result := make(map[string]string, len(blobs))
	for name, id := range blobs {
		ident := strings.TrimSuffix(name, ".wkt")
		ident = strings.TrimPrefix(ident, "meta/crs/")
		if parsed, err := schema.ParseCRSIdentifier(ident); err == nil {
			ident = parsed.String()
		}
		data, err := v.objects.GetBlob(id)
		if err != nil {
			return nil, err
		}
		result[ident] = string(data)
	}
	return result, nil
}

// FeatureCount returns the exact number of feature blobs by counting leaves
// under feature/.
func (v *View) FeatureCount() (int, error) {
	blobs, err := v.walkTreeRecursive("feature")
	if err != nil {
		return 0, err
	}
	metrics.DatasetFeatureCount.WithLabelValues(v.path).Set(float64(len(blobs)))
	return len(blobs), nil
}

// Feature is one decoded row, as yielded by IterFeatures: the presented
// {column_name: value} map plus the PK tuple it was found under.
type Feature struct {
	PKValues []interface{}
	Values   map[string]interface{}
}

// geometryColumnName returns the name of this dataset's geometry column,
// if any.
func geometryColumnName(s schema.Schema) (string, bool) {
	for _, c := range s.Columns {
		if c.DataType == schema.DataTypeGeometry {
			return c.Name, true
		}
	}
	return "", false
}

// FeatureBlobs returns every feature blob identifier in this dataset, keyed
// by its tree-relative name under "feature/" (e.g.
// "feature/49/07/kQg"), without decoding any of them. Callers that
// need to compare two trees (pkg/diff) use this to short-circuit on
// matching identifiers before paying for a decode.
func (v *View) FeatureBlobs() (map[string]objectstore.Identifier, error) {
	return v.walkTreeRecursive("feature")
}

// DecodeFeatureBlob decodes and presents the feature blob at name (as
// returned by FeatureBlobs) whose identifier is id, against this dataset's
// current schema.
func (v *View) DecodeFeatureBlob(name string, id objectstore.Identifier) (Feature, error) {
	s, err := v.Schema()
	if err != nil {
		return Feature{}, err
	}
	body, err := v.objects.GetBlob(id)
	if err != nil {
		return Feature{}, err
	}
	basename := name[strings.LastIndex(name, "/")+1:]
	lookup := func(hash string) (schema.Legend, error) { return v.GetLegend(hash) }
	decoded, err := feature.Decode(basename, body, lookup)
	if err != nil {
		return Feature{}, err
	}
	return Feature{PKValues: decoded.PKValues, Values: feature.Present(decoded.RawByID, s)}, nil
}

// IterFeatures walks feature/** in tree-name order, decoding and
// presenting each blob, applying filter (spatialfilter.MatchAll matches
// everything). It streams lazily: features are decoded and yielded one at
// a time via the returned channel, and the error channel carries any
// terminal error (closed with no error on success). Per §5, iteration
// order is name-sorted, not PK order.
func (v *View) IterFeatures(filter spatialfilter.PerDataset) (<-chan Feature, <-chan error) {
	out := make(chan Feature)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		s, err := v.Schema()
		if err != nil {
			errc <- err
			return
		}
		geomCol, hasGeom := geometryColumnName(s)

		blobs, err := v.FeatureBlobs()
		if err != nil {
			errc <- err
			return
		}
		names := make([]string, 0, len(blobs))
		for name := range blobs {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			feat, err := v.DecodeFeatureBlob(name, blobs[name])
			if err != nil {
				errc <- err
				return
			}

			if hasGeom {
				var geomBytes []byte
				if g, ok := feat.Values[geomCol].(kartenc.Geometry); ok {
					geomBytes = []byte(g)
				}
				if filter.Matches(geomBytes) != spatialfilter.Matching {
					continue
				}
			}

			out <- feat
		}
	}()

	return out, errc
}

// GetFeature encodes pkValues to a path via this dataset's path encoder,
// reads the blob, and decodes+presents it.
func (v *View) GetFeature(pkValues []interface{}) (Feature, error) {
	s, err := v.Schema()
	if err != nil {
		return Feature{}, err
	}
	encoder, err := v.PathEncoder()
	if err != nil {
		return Feature{}, err
	}
	relPath, err := encoder.EncodePKsToPath(pkValues)
	if err != nil {
		return Feature{}, err
	}
	body, ok, err := v.getBlobAt("feature/" + relPath)
	if err != nil {
		return Feature{}, err
	}
	if !ok {
		return Feature{}, karterrors.NotFound.New("no feature %v in dataset %q", pkValues, v.path)
	}
	basename := relPath[strings.LastIndex(relPath, "/")+1:]
	lookup := func(hash string) (schema.Legend, error) { return v.GetLegend(hash) }
	decoded, err := feature.Decode(basename, body, lookup)
	if err != nil {
		return Feature{}, err
	}
	return Feature{PKValues: decoded.PKValues, Values: feature.Present(decoded.RawByID, s)}, nil
}

// GetRawFeature is GetFeature without presentation: it returns the stored
// {column_id: value} dict, which may reference ids no longer present in
// the current schema.
func (v *View) GetRawFeature(pkValues []interface{}) (map[string]interface{}, error) {
	encoder, err := v.PathEncoder()
	if err != nil {
		return nil, err
	}
	relPath, err := encoder.EncodePKsToPath(pkValues)
	if err != nil {
		return nil, err
	}
	body, ok, err := v.getBlobAt("feature/" + relPath)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, karterrors.NotFound.New("no feature %v in dataset %q", pkValues, v.path)
	}
	basename := relPath[strings.LastIndex(relPath, "/")+1:]
	lookup := func(hash string) (schema.Legend, error) { return v.GetLegend(hash) }
	decoded, err := feature.Decode(basename, body, lookup)
	if err != nil {
		return nil, err
	}
	return decoded.RawByID, nil
}
