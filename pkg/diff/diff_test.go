package diff_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koordinates/kart/pkg/dataset"
	"github.com/koordinates/kart/pkg/diff"
	"github.com/koordinates/kart/pkg/feature"
	"github.com/koordinates/kart/pkg/objectstore"
	"github.com/koordinates/kart/pkg/pathenc"
	"github.com/koordinates/kart/pkg/schema"
)

func intPtr(v int) *int { return &v }

// buildTree stages every (relative path -> content) pair in files as blobs
// and assembles the minimal set of directory trees needed to reach them.
func buildTree(t *testing.T, store *objectstore.Store, files map[string][]byte) objectstore.Identifier {
	t.Helper()

	type node struct {
		files map[string][]byte
		dirs  map[string]*node
	}
	newNode := func() *node { return &node{files: map[string][]byte{}, dirs: map[string]*node{}} }

	root := newNode()
	for path, data := range files {
		parts := strings.Split(path, "/")
		cur := root
		for i, p := range parts {
			if i == len(parts)-1 {
				cur.files[p] = data
			} else {
				if cur.dirs[p] == nil {
					cur.dirs[p] = newNode()
				}
				cur = cur.dirs[p]
			}
		}
	}

	var stage func(n *node) objectstore.Identifier
	stage = func(n *node) objectstore.Identifier {
		entries := map[string]objectstore.TreeEntry{}
		for name, data := range n.files {
			id, err := store.StageBlob(data)
			require.NoError(t, err)
			entries[name] = objectstore.TreeEntry{Name: name, Kind: objectstore.KindBlob, ID: id}
		}
		for name, child := range n.dirs {
			id := stage(child)
			entries[name] = objectstore.TreeEntry{Name: name, Kind: objectstore.KindTree, ID: id}
		}
		id, err := store.StageTree(entries)
		require.NoError(t, err)
		return id
	}
	return stage(root)
}

func testSchema() schema.Schema {
	return schema.Schema{Columns: []schema.ColumnSchema{
		{ID: "col-id", Name: "id", DataType: schema.DataTypeInteger, PrimaryKeyIndex: intPtr(0)},
		{ID: "col-name", Name: "name", DataType: schema.DataTypeText},
	}}
}

// datasetTree builds a dataset tree (the "layer" entry containing
// .table-dataset) with the given schema, title and rows, returning the
// outer tree's identifier. title == "" omits the meta/title item (so
// DiffMeta's insert/delete cases get exercised too).
func datasetTree(t *testing.T, store *objectstore.Store, s schema.Schema, title string, rows []map[string]interface{}) objectstore.Identifier {
	t.Helper()
	legend, err := schema.BuildLegend(s)
	require.NoError(t, err)
	legendHash, err := legend.HexHash()
	require.NoError(t, err)
	schemaBytes, err := s.Dumps()
	require.NoError(t, err)
	legendBytes, err := legend.Dumps()
	require.NoError(t, err)

	files := map[string][]byte{
		"meta/schema.json":          schemaBytes,
		"meta/legend/" + legendHash: legendBytes,
	}
	if title != "" {
		files["meta/title"] = []byte(title)
	}
	for _, row := range rows {
		path, body, err := feature.Encode(row, s, legend, pathenc.LegacyHashEncoder{})
		require.NoError(t, err)
		files[path] = body
	}

	innerTreeID := buildTree(t, store, files)
	outerTreeID, err := store.StageTree(map[string]objectstore.TreeEntry{
		".table-dataset": {Name: ".table-dataset", Kind: objectstore.KindTree, ID: innerTreeID},
	})
	require.NoError(t, err)
	return outerTreeID
}

func TestDiffMetaDetectsInsertUpdateDelete(t *testing.T) {
	store, err := objectstore.Init(t.TempDir())
	require.NoError(t, err)
	s := testSchema()

	oldTree := datasetTree(t, store, s, "old title", nil)
	newTree := datasetTree(t, store, s, "new title", nil)

	oldView, err := dataset.Open(store, oldTree, "layer")
	require.NoError(t, err)
	newView, err := dataset.Open(store, newTree, "layer")
	require.NoError(t, err)

	section, err := diff.DiffMeta(oldView, newView)
	require.NoError(t, err)

	var titleDelta *diff.Delta
	for i := range section.Deltas {
		if section.Deltas[i].OldKey == "title" || section.Deltas[i].NewKey == "title" {
			titleDelta = &section.Deltas[i]
		}
	}
	require.NotNil(t, titleDelta)
	assert.Equal(t, diff.Update, titleDelta.Type)
	assert.Equal(t, []byte("old title"), titleDelta.OldValue)
	assert.Equal(t, []byte("new title"), titleDelta.NewValue)
}

func TestDiffMetaNormalizesNullKeys(t *testing.T) {
	store, err := objectstore.Init(t.TempDir())
	require.NoError(t, err)

	oldBlob, err := store.StageBlob([]byte(`{"x":1,"y":null}`))
	require.NoError(t, err)
	newBlob, err := store.StageBlob([]byte(`{"x":1}`))
	require.NoError(t, err)

	oldMeta, err := store.StageTree(map[string]objectstore.TreeEntry{
		"extra.json": {Name: "extra.json", Kind: objectstore.KindBlob, ID: oldBlob},
	})
	require.NoError(t, err)
	newMeta, err := store.StageTree(map[string]objectstore.TreeEntry{
		"extra.json": {Name: "extra.json", Kind: objectstore.KindBlob, ID: newBlob},
	})
	require.NoError(t, err)

	oldInnerTree, err := store.StageTree(map[string]objectstore.TreeEntry{
		"meta": {Name: "meta", Kind: objectstore.KindTree, ID: oldMeta},
	})
	require.NoError(t, err)
	newInnerTree, err := store.StageTree(map[string]objectstore.TreeEntry{
		"meta": {Name: "meta", Kind: objectstore.KindTree, ID: newMeta},
	})
	require.NoError(t, err)

	oldOuter, err := store.StageTree(map[string]objectstore.TreeEntry{
		".table-dataset": {Name: ".table-dataset", Kind: objectstore.KindTree, ID: oldInnerTree},
	})
	require.NoError(t, err)
	newOuter, err := store.StageTree(map[string]objectstore.TreeEntry{
		".table-dataset": {Name: ".table-dataset", Kind: objectstore.KindTree, ID: newInnerTree},
	})
	require.NoError(t, err)

	oldView, err := dataset.Open(store, oldOuter, "layer")
	require.NoError(t, err)
	newView, err := dataset.Open(store, newOuter, "layer")
	require.NoError(t, err)

	section, err := diff.DiffMeta(oldView, newView)
	require.NoError(t, err)
	assert.Empty(t, section.Deltas)
}

func TestDiffFeaturesShortCircuitsIdenticalBlobs(t *testing.T) {
	store, err := objectstore.Init(t.TempDir())
	require.NoError(t, err)
	s := testSchema()
	rows := []map[string]interface{}{
		{"id": int64(1), "name": "alice"},
		{"id": int64(2), "name": "bob"},
	}
	oldTree := datasetTree(t, store, s, "layer", rows)

	updatedRows := []map[string]interface{}{
		{"id": int64(1), "name": "alice"},
		{"id": int64(2), "name": "robert"},
		{"id": int64(3), "name": "carol"},
	}
	newTree := datasetTree(t, store, s, "layer", updatedRows)

	oldView, err := dataset.Open(store, oldTree, "layer")
	require.NoError(t, err)
	newView, err := dataset.Open(store, newTree, "layer")
	require.NoError(t, err)

	section, err := diff.DiffFeatures(oldView, newView)
	require.NoError(t, err)
	require.Len(t, section.Deltas, 2)

	counts := section.TypeCounts()
	assert.Equal(t, 1, counts["inserts"])
	assert.Equal(t, 1, counts["updates"])
	assert.Equal(t, 0, counts["deletes"])

	for _, d := range section.Deltas {
		switch d.Type {
		case diff.Insert:
			assert.Equal(t, int64(3), d.NewKey)
		case diff.Update:
			assert.Equal(t, int64(2), d.NewKey)
			assert.Equal(t, "bob", d.OldValue.(map[string]interface{})["name"])
			assert.Equal(t, "robert", d.NewValue.(map[string]interface{})["name"])
		}
	}
}

func TestDiffDatasetCreateIsAllInserts(t *testing.T) {
	store, err := objectstore.Init(t.TempDir())
	require.NoError(t, err)
	s := testSchema()
	rows := []map[string]interface{}{{"id": int64(1), "name": "alice"}}
	newTree := datasetTree(t, store, s, "layer", rows)

	newView, err := dataset.Open(store, newTree, "layer")
	require.NoError(t, err)

	dd, err := diff.DiffDataset(nil, newView)
	require.NoError(t, err)
	assert.False(t, dd.IsEmpty())
	assert.Equal(t, 1, dd.Feature.TypeCounts()["inserts"])
	for _, d := range dd.Meta.Deltas {
		assert.Equal(t, diff.Insert, d.Type)
	}
}

func TestDiffRepoFindsDatasetAcrossRoots(t *testing.T) {
	store, err := objectstore.Init(t.TempDir())
	require.NoError(t, err)
	s := testSchema()

	oldDataset := datasetTree(t, store, s, "layer", []map[string]interface{}{{"id": int64(1), "name": "alice"}})
	oldRoot, err := store.StageTree(map[string]objectstore.TreeEntry{
		"layer": {Name: "layer", Kind: objectstore.KindTree, ID: oldDataset},
	})
	require.NoError(t, err)

	newDataset := datasetTree(t, store, s, "layer", []map[string]interface{}{
		{"id": int64(1), "name": "alice"},
		{"id": int64(2), "name": "bob"},
	})
	newRoot, err := store.StageTree(map[string]objectstore.TreeEntry{
		"layer": {Name: "layer", Kind: objectstore.KindTree, ID: newDataset},
	})
	require.NoError(t, err)

	repoDiff, err := diff.DiffRepo(store, oldRoot, newRoot)
	require.NoError(t, err)
	require.Contains(t, repoDiff, "layer")
	assert.Equal(t, 1, repoDiff["layer"].Feature.TypeCounts()["inserts"])
}

func TestDiffRepoHandlesNullBaseTree(t *testing.T) {
	store, err := objectstore.Init(t.TempDir())
	require.NoError(t, err)
	s := testSchema()

	newDataset := datasetTree(t, store, s, "layer", []map[string]interface{}{{"id": int64(1), "name": "alice"}})
	newRoot, err := store.StageTree(map[string]objectstore.TreeEntry{
		"layer": {Name: "layer", Kind: objectstore.KindTree, ID: newDataset},
	})
	require.NoError(t, err)

	repoDiff, err := diff.DiffRepo(store, objectstore.Identifier{}, newRoot)
	require.NoError(t, err)
	require.Contains(t, repoDiff, "layer")
	assert.Equal(t, 1, repoDiff["layer"].Feature.TypeCounts()["inserts"])
}
