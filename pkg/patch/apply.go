package patch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/koordinates/kart/pkg/dataset"
	"github.com/koordinates/kart/pkg/feature"
	"github.com/koordinates/kart/pkg/kartenc"
	"github.com/koordinates/kart/pkg/karterrors"
	"github.com/koordinates/kart/pkg/metrics"
	"github.com/koordinates/kart/pkg/objectstore"
	"github.com/koordinates/kart/pkg/pathenc"
	"github.com/koordinates/kart/pkg/schema"
	"github.com/koordinates/kart/pkg/spatialfilter"
)

// Options configures one Apply call, per §4.8's {allow_missing_old_values,
// resolve_missing_values_from} plus the no-commit working-copy-apply mode.
type Options struct {
	// AllowMissingOldValues relaxes precondition checks when the expected
	// "-" side can't be found in the base tree (or ResolveMissingValuesFrom).
	AllowMissingOldValues bool

	// ResolveMissingValuesFrom is consulted for a feature delta's "-"
	// precondition when the feature isn't present in the base tree at all.
	// Meta-item preconditions are checked against the base tree only.
	ResolveMissingValuesFrom *dataset.View

	// NoCommit means this apply targets a working copy directly rather
	// than producing a commit; dataset create/delete is rejected in this
	// mode since those require a commit (§4.8 step 1).
	NoCommit bool

	// ResolveTransform builds a coordinate transform from the patch's
	// declared CRS to a dataset's CRS, when they differ and a base commit
	// is known (§4.8 step 3). Returns spatialfilter.IdentityTransform{} if
	// datasetCRS == patchCRS textually. No geodesy library lives in this
	// module (see pkg/spatialfilter's and pkg/envelope's DESIGN.md note),
	// so building a real non-identity transform is left to the caller.
	// If nil, applying a patch whose declared CRS textually differs from a
	// dataset's geometry CRS (empty when the dataset has no geometry
	// column) fails with NotYetImplemented for that dataset, whether or not
	// its deltas carry geometry.
	ResolveTransform func(patchCRS, datasetCRS string) (spatialfilter.Transform, error)
}

func (o Options) resolveTransform(patchCRS, datasetCRS string) (spatialfilter.Transform, error) {
	if patchCRS == "" || patchCRS == datasetCRS {
		return spatialfilter.IdentityTransform{}, nil
	}
	if o.ResolveTransform == nil {
		return nil, karterrors.NotYetImplemented.New("patch CRS %q differs from dataset CRS %q and no transform resolver was supplied", patchCRS, datasetCRS)
	}
	return o.ResolveTransform(patchCRS, datasetCRS)
}

// changeKind classifies a dataset's schema.json meta delta, per §4.8 step 1.
type changeKind int

const (
	metaUpdate changeKind = iota
	createDataset
	deleteDataset
)

// Apply implements §4.8: stages doc's dataset diffs onto baseRoot (the
// zero Identifier for an initial commit) and returns the new tree
// identifier. Nothing is written outside the object store's staging area.
func Apply(objects *objectstore.Store, baseRoot objectstore.Identifier, doc *Document, opts Options) (objectstore.Identifier, error) {
	timer := metrics.NewTimer()
	tree, err := apply(objects, baseRoot, doc, opts)
	timer.ObserveDuration(metrics.PatchApplyDuration)
	if err != nil {
		metrics.PatchesAppliedTotal.WithLabelValues("rejected").Inc()
		return objectstore.Identifier{}, err
	}
	outcome := "committed"
	if opts.NoCommit {
		outcome = "no-commit"
	}
	metrics.PatchesAppliedTotal.WithLabelValues(outcome).Inc()
	return tree, nil
}

func apply(objects *objectstore.Store, baseRoot objectstore.Identifier, doc *Document, opts Options) (objectstore.Identifier, error) {
	editor, err := newTreeEditor(objects, baseRoot)
	if err != nil {
		return objectstore.Identifier{}, err
	}

	paths := make([]string, 0, len(doc.Diffs))
	for p := range doc.Diffs {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, path := range paths {
		if err := applyDataset(objects, editor, baseRoot, path, doc, opts); err != nil {
			return objectstore.Identifier{}, err
		}
		metrics.PatchFeatureDeltasTotal.WithLabelValues(path).Add(float64(len(doc.Diffs[path].Feature)))
	}
	return editor.Stage()
}

// ApplyAndCommit applies doc and writes the resulting tree as a new
// commit with doc's author/message fields, parented on parents.
func ApplyAndCommit(objects *objectstore.Store, baseRoot objectstore.Identifier, parents []objectstore.Identifier, doc *Document, opts Options) (objectstore.Identifier, objectstore.Identifier, error) {
	if opts.NoCommit {
		return objectstore.Identifier{}, objectstore.Identifier{}, karterrors.InvalidOperation.New("ApplyAndCommit cannot be used with Options.NoCommit")
	}
	newTree, err := Apply(objects, baseRoot, doc, opts)
	if err != nil {
		return objectstore.Identifier{}, objectstore.Identifier{}, err
	}
	when := time.Now()
	if doc.AuthorTime != nil {
		when = *doc.AuthorTime
	}
	sig := objectstore.Signature{Name: doc.AuthorName, Email: doc.AuthorEmail, When: when}
	commitID, err := objects.WriteCommit(newTree, parents, sig, sig, doc.Message)
	if err != nil {
		return objectstore.Identifier{}, objectstore.Identifier{}, err
	}
	return newTree, commitID, nil
}

func innerPath(datasetPath, rel string) string {
	return datasetPath + "/" + dataset.InnerTreeName + "/" + rel
}

// openBaseView opens the dataset at path in baseRoot, or (nil, nil) if
// baseRoot is null or the dataset doesn't exist there yet.
func openBaseView(objects *objectstore.Store, baseRoot objectstore.Identifier, path string) (*dataset.View, error) {
	if baseRoot.IsZero() {
		return nil, nil
	}
	subtree, ok, err := resolveDatasetDir(objects, baseRoot, path)
	if err != nil || !ok {
		return nil, err
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

func resolveDatasetDir(objects *objectstore.Store, treeID objectstore.Identifier, path string) (objectstore.Identifier, bool, error) {
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

// applyDataset runs §4.8's per-dataset algorithm, mutating editor in place.
func applyDataset(objects *objectstore.Store, editor *treeEditor, baseRoot objectstore.Identifier, path string, doc *Document, opts Options) error {
	dd := doc.Diffs[path]
	baseView, err := openBaseView(objects, baseRoot, path)
	if err != nil {
		return err
	}

	oldSchema := schema.Schema{}
	if baseView != nil {
		oldSchema, err = baseView.Schema()
		if err != nil {
			return err
		}
	}

	schemaChange, hasSchemaChange := dd.Meta["schema.json"]
	kind := metaUpdate
	switch {
	case hasSchemaChange && schemaChange.HasNew && !schemaChange.HasOld:
		kind = createDataset
	case hasSchemaChange && schemaChange.HasOld && !schemaChange.HasNew:
		kind = deleteDataset
	}
	if (kind == createDataset || kind == deleteDataset) && opts.NoCommit {
		return karterrors.InvalidOperation.New("dataset %q: cannot create or delete a dataset in a no-commit (working-copy) apply", path)
	}

	newSchema := oldSchema
	if schemaChange.HasNew {
		newSchema, err = schema.Load(schemaChange.New)
		if err != nil {
			return err
		}
	}

	if kind == metaUpdate && hasSchemaChange && baseView != nil {
		oldLegend, err := schema.BuildLegend(oldSchema)
		if err != nil {
			return err
		}
		newLegend, err := schema.BuildLegend(newSchema)
		if err != nil {
			return err
		}
		if !oldLegend.PKCompatible(newLegend) {
			return karterrors.InvalidOperation.New("dataset %q: patch changes the primary key, which is not supported", path)
		}
	}

	if err := applyMetaDeltas(objects, editor, baseView, path, dd.Meta, newSchema, opts); err != nil {
		return err
	}

	if kind == deleteDataset {
		// Every feature blob disappears along with the dataset; nothing
		// further to stage for the feature section.
		return nil
	}

	encoder, err := resolveEncoder(dd.Meta, baseView)
	if err != nil {
		return err
	}
	oldEncoder := encoder
	if baseView != nil {
		oldEncoder, err = baseView.PathEncoder()
		if err != nil {
			return err
		}
	}

	newGeomCRS := geometryCRS(newSchema)
	transform, err := opts.resolveTransform(derefStr(doc.CRS), newGeomCRS)
	if err != nil {
		return err
	}
	_, transformIsIdentity := transform.(spatialfilter.IdentityTransform)
	if !transformIsIdentity {
		for _, fc := range dd.Feature {
			if hasGeometryValue(fc.Old, oldSchema) {
				return karterrors.InvalidOperation.New("dataset %q: patch declares a transformed CRS but carries a \"-\" geometry value, which is not supported", path)
			}
		}
	}

	newLegend, err := schema.BuildLegend(newSchema)
	if err != nil {
		return err
	}
	oldLegend, err := schema.BuildLegend(oldSchema)
	if err != nil {
		return err
	}

	return applyFeatureDeltas(objects, editor, baseView, opts, featureApplyContext{
		datasetPath: path,
		oldSchema:   oldSchema,
		newSchema:   newSchema,
		oldLegend:   oldLegend,
		newLegend:   newLegend,
		oldEncoder:  oldEncoder,
		newEncoder:  encoder,
		transform:   transform,
	}, dd.Feature)
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func geometryCRS(s schema.Schema) string {
	for _, c := range s.Columns {
		if c.DataType == schema.DataTypeGeometry && c.GeometryCRS != nil {
			return *c.GeometryCRS
		}
	}
	return ""
}

func hasGeometryValue(values map[string]interface{}, s schema.Schema) bool {
	if values == nil {
		return false
	}
	for _, c := range s.Columns {
		if c.DataType == schema.DataTypeGeometry {
			if _, ok := values[c.Name]; ok {
				return true
			}
		}
	}
	return false
}

// resolveEncoder determines the dataset's path encoder after this patch's
// meta deltas: the patch's own path-structure.json change if present,
// otherwise the base dataset's existing encoder, otherwise legacy
// (§9's "brand-new dataset" default).
func resolveEncoder(meta map[string]MetaChange, baseView *dataset.View) (pathenc.Encoder, error) {
	if change, ok := meta["path-structure.json"]; ok && change.HasNew {
		return pathenc.FromMetaJSON(change.New)
	}
	if baseView != nil {
		return baseView.PathEncoder()
	}
	return pathenc.LegacyHashEncoder{}, nil
}

// applyMetaDeltas verifies and stages every meta-item delta for one
// dataset, in key order, per §4.8 step 2.
func applyMetaDeltas(objects *objectstore.Store, editor *treeEditor, baseView *dataset.View, datasetPath string, meta map[string]MetaChange, newSchema schema.Schema, opts Options) error {
	names := make([]string, 0, len(meta))
	for name := range meta {
		names = append(names, name)
	}
	sort.Strings(names)

	var current map[string][]byte
	if baseView != nil {
		var err error
		current, err = baseView.MetaItems()
		if err != nil {
			return err
		}
	}

	var failures []string
	for _, name := range names {
		change := meta[name]
		existing, present := current[name]
		if err := verifyMetaPrecondition(name, existing, present, change, opts.AllowMissingOldValues); err != nil {
			failures = append(failures, err.Error())
			continue
		}
		if !change.HasNew {
			if err := editor.Remove(innerPath(datasetPath, "meta/"+name)); err != nil {
				return err
			}
			continue
		}
		if strings.HasSuffix(name, ".xml") {
			var attachments []json.RawMessage
			if json.Unmarshal(change.New, &attachments) == nil && len(attachments) > 1 {
				return karterrors.InvalidOperation.New("dataset %q: meta item %q lists %d XML attachments; committing more than one is not supported", datasetPath, name, len(attachments))
			}
		}
		blobID, err := objects.StageBlob(change.New)
		if err != nil {
			return err
		}
		if err := editor.Set(innerPath(datasetPath, "meta/"+name), blobID); err != nil {
			return err
		}
		if name == "schema.json" {
			legend, err := schema.BuildLegend(newSchema)
			if err != nil {
				return err
			}
			legendBytes, err := legend.Dumps()
			if err != nil {
				return err
			}
			legendHash, err := legend.HexHash()
			if err != nil {
				return err
			}
			legendBlobID, err := objects.StageBlob(legendBytes)
			if err != nil {
				return err
			}
			if err := editor.Set(innerPath(datasetPath, "meta/legend/"+legendHash), legendBlobID); err != nil {
				return err
			}
		}
	}
	if len(failures) > 0 {
		return karterrors.PatchDoesNotApply.New("dataset %q: %d meta precondition(s) failed:\n%s", datasetPath, len(failures), strings.Join(failures, "\n"))
	}
	return nil
}

func verifyMetaPrecondition(name string, existing []byte, present bool, change MetaChange, allowMissing bool) error {
	if !change.HasOld {
		if present && !allowMissing {
			return karterrors.PatchDoesNotApply.New("meta item %q already exists; patch declares it new", name)
		}
		return nil
	}
	if !present {
		if allowMissing {
			return nil
		}
		return karterrors.PatchDoesNotApply.New("trying to update/delete nonexistent meta item: %s", name)
	}
	if !bytes.Equal(existing, change.Old) {
		return karterrors.PatchDoesNotApply.New("out-of-date meta item: %s", name)
	}
	return nil
}

// featureApplyContext carries the schema/legend/encoder pairing needed to
// interpret a dataset's feature deltas: "-" values are read against the old
// (base) schema, "+" values against the new one, which may differ when the
// same patch also updates schema.json.
type featureApplyContext struct {
	datasetPath            string
	oldSchema, newSchema   schema.Schema
	oldLegend, newLegend   schema.Legend
	oldEncoder, newEncoder pathenc.Encoder
	transform              spatialfilter.Transform
}

// applyFeatureDeltas implements §4.8 steps 4-6 for one dataset: decode
// each delta's literals, verify "-" preconditions against the base tree
// (falling back to opts.ResolveMissingValuesFrom), and stage the result.
// Precondition failures across every delta are accumulated and reported
// together rather than failing at the first conflict, per §9's
// error-accumulation guidance.
func applyFeatureDeltas(objects *objectstore.Store, editor *treeEditor, baseView *dataset.View, opts Options, ctx featureApplyContext, deltas []FeatureChange) error {
	identity := spatialfilter.IdentityTransform{}
	var failures []string

	for _, fc := range deltas {
		var oldValues, newValues map[string]interface{}
		var err error
		if fc.Old != nil {
			oldValues, err = decodeValues(fc.Old, ctx.oldSchema, identity)
			if err != nil {
				return err
			}
		}
		if fc.New != nil {
			newValues, err = decodeValues(fc.New, ctx.newSchema, ctx.transform)
			if err != nil {
				return err
			}
		}

		deltaOK := true
		if oldValues != nil {
			pkTuple := pkTupleFromValues(oldValues, ctx.oldSchema)
			current, found, err := lookupFeature(baseView, pkTuple)
			if err != nil {
				return err
			}
			if !found && opts.ResolveMissingValuesFrom != nil {
				current, found, err = lookupFeature(opts.ResolveMissingValuesFrom, pkTuple)
				if err != nil {
					return err
				}
			}
			switch {
			case !found && opts.AllowMissingOldValues:
				// No base value to compare against; treat the precondition
				// as satisfied.
			case !found:
				failures = append(failures, fmt.Sprintf("feature %v: expected to exist, but is missing", pkTuple))
				deltaOK = false
			default:
				for name, want := range oldValues {
					if !valuesEqual(current.Values[name], want) {
						failures = append(failures, fmt.Sprintf("feature %v: column %q does not match patch's expected old value", pkTuple, name))
						deltaOK = false
					}
				}
			}
		}
		if !deltaOK {
			continue
		}

		switch {
		case newValues != nil:
			path, body, err := feature.Encode(newValues, ctx.newSchema, ctx.newLegend, ctx.newEncoder)
			if err != nil {
				return err
			}
			blobID, err := objects.StageBlob(body)
			if err != nil {
				return err
			}
			if err := editor.Set(innerPath(ctx.datasetPath, path), blobID); err != nil {
				return err
			}
			if oldValues != nil {
				oldPK := pkTupleFromValues(oldValues, ctx.oldSchema)
				newPK := pkTupleFromValues(newValues, ctx.newSchema)
				if !reflect.DeepEqual(oldPK, newPK) {
					if err := removeFeatureAt(editor, ctx, oldPK); err != nil {
						return err
					}
				}
			}
		case oldValues != nil:
			oldPK := pkTupleFromValues(oldValues, ctx.oldSchema)
			if err := removeFeatureAt(editor, ctx, oldPK); err != nil {
				return err
			}
		}
	}

	if len(failures) > 0 {
		return karterrors.PatchDoesNotApply.New("dataset %q: %d feature precondition(s) failed:\n%s", ctx.datasetPath, len(failures), strings.Join(failures, "\n"))
	}
	return nil
}

func removeFeatureAt(editor *treeEditor, ctx featureApplyContext, pk []interface{}) error {
	subpath, err := ctx.oldEncoder.EncodePKsToPath(pk)
	if err != nil {
		return err
	}
	return editor.Remove(innerPath(ctx.datasetPath, "feature/"+subpath))
}

func lookupFeature(view *dataset.View, pk []interface{}) (dataset.Feature, bool, error) {
	if view == nil {
		return dataset.Feature{}, false, nil
	}
	feat, err := view.GetFeature(pk)
	if err != nil {
		if karterrors.Is(err, &karterrors.NotFound) {
			return dataset.Feature{}, false, nil
		}
		return dataset.Feature{}, false, err
	}
	return feat, true, nil
}

// valuesEqual compares two decoded column values for a feature
// precondition check. Numeric values are compared by magnitude rather
// than Go type, since the stored value (read back through msgpack) and
// the patch's own decoded value (narrowed from JSON's float64 in
// decodeValues) aren't guaranteed to land on the same concrete integer
// type.
func valuesEqual(a, b interface{}) bool {
	if ag, ok := a.(kartenc.Geometry); ok {
		bg, ok2 := b.(kartenc.Geometry)
		if !ok2 {
			return false
		}
		return bytes.Equal(ag, bg)
	}
	if an, ok := toNumber(a); ok {
		bn, ok2 := toNumber(b)
		return ok2 && an == bn
	}
	return reflect.DeepEqual(a, b)
}

func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}

func pkTupleFromValues(values map[string]interface{}, s schema.Schema) []interface{} {
	cols := s.PKColumns()
	tuple := make([]interface{}, len(cols))
	for i, c := range cols {
		tuple[i] = values[c.Name]
	}
	return tuple
}

// decodeValues converts a patch document's per-column literal values
// (hex-WKB geometry strings, "base64:..." blob strings, plain JSON scalars)
// into the Go values feature.Encode / dataset.Feature comparisons expect,
// keyed by column name.
func decodeValues(raw map[string]interface{}, s schema.Schema, transform spatialfilter.Transform) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(raw))
	for _, c := range s.Columns {
		v, ok := raw[c.Name]
		if !ok {
			continue
		}
		if v == nil {
			out[c.Name] = nil
			continue
		}
		switch c.DataType {
		case schema.DataTypeGeometry:
			str, ok := v.(string)
			if !ok {
				return nil, karterrors.InvalidFileFormat.New("column %q: expected hex-WKB string, got %T", c.Name, v)
			}
			geom, err := decodeHexWKBGeometry(str, transform)
			if err != nil {
				return nil, err
			}
			out[c.Name] = geom
		case schema.DataTypeBlob:
			str, ok := v.(string)
			if !ok {
				return nil, karterrors.InvalidFileFormat.New("column %q: expected a base64 blob literal, got %T", c.Name, v)
			}
			data, err := decodeBlobLiteral(str)
			if err != nil {
				return nil, err
			}
			out[c.Name] = data
		case schema.DataTypeInteger:
			// encoding/json decodes every number as float64; the canonical
			// msgpack tuple encoding (used both for PK path hashing and for
			// feature body bytes) distinguishes int from float, so an
			// integer column's value has to be narrowed back before it's
			// used as a PK or compared/staged.
			n, ok := toInt64(v)
			if !ok {
				return nil, karterrors.InvalidFileFormat.New("column %q: expected an integer, got %T", c.Name, v)
			}
			out[c.Name] = n
		default:
			out[c.Name] = v
		}
	}
	return out, nil
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}
