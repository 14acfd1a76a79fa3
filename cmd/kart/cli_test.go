package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koordinates/kart/pkg/envelope"
	"github.com/koordinates/kart/pkg/feature"
	"github.com/koordinates/kart/pkg/objectstore"
	"github.com/koordinates/kart/pkg/pathenc"
	"github.com/koordinates/kart/pkg/schema"
)

func intPtr(v int) *int { return &v }

func testSchema() schema.Schema {
	return schema.Schema{Columns: []schema.ColumnSchema{
		{ID: "col-id", Name: "id", DataType: schema.DataTypeInteger, PrimaryKeyIndex: intPtr(0)},
		{ID: "col-name", Name: "name", DataType: schema.DataTypeText},
	}}
}

// buildTree stages a nested tree from a flat map of path -> blob contents.
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

// datasetTree builds a minimal repo root tree containing one dataset
// "layer" with s's schema and the given rows.
func datasetTree(t *testing.T, store *objectstore.Store, s schema.Schema, rows []map[string]interface{}) objectstore.Identifier {
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
	for _, row := range rows {
		path, body, err := feature.Encode(row, s, legend, pathenc.LegacyHashEncoder{})
		require.NoError(t, err)
		files[path] = body
	}

	innerTreeID := buildTree(t, store, files)
	layerTreeID, err := store.StageTree(map[string]objectstore.TreeEntry{
		".table-dataset": {Name: ".table-dataset", Kind: objectstore.KindTree, ID: innerTreeID},
	})
	require.NoError(t, err)
	rootTreeID, err := store.StageTree(map[string]objectstore.TreeEntry{
		"layer": {Name: "layer", Kind: objectstore.KindTree, ID: layerTreeID},
	})
	require.NoError(t, err)
	return rootTreeID
}

func initRepoWithLayer(t *testing.T) (repoPath string, firstCommit objectstore.Identifier) {
	t.Helper()
	repoPath = t.TempDir()
	store, err := objectstore.Init(repoPath)
	require.NoError(t, err)

	root := datasetTree(t, store, testSchema(), []map[string]interface{}{
		{"id": float64(1), "name": "alice"},
	})
	sig := objectstore.Signature{Name: "kart", Email: "kart@example.com"}
	commitID, err := store.WriteCommit(root, nil, sig, sig, "initial commit")
	require.NoError(t, err)
	require.NoError(t, store.SetBranchHead("main", commitID))
	return repoPath, commitID
}

// runCLI invokes rootCmd with args, capturing and returning everything the
// command writes to os.Stdout (the run functions print directly, like the
// teacher's cobra commands do, rather than through cmd.OutOrStdout()).
func runCLI(t *testing.T, args ...string) string {
	t.Helper()
	real := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w
	defer func() { os.Stdout = real }()

	rootCmd.SetArgs(args)
	runErr := rootCmd.Execute()

	require.NoError(t, w.Close())
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(r)
	require.NoError(t, runErr)
	return buf.String()
}

func TestApplyCommandAddsFeatureAndAdvancesBranch(t *testing.T) {
	repoPath, firstCommit := initRepoWithLayer(t)

	patchJSON := `{
		"kart.patch/v1": {"message": "add bob", "authorName": "tester", "authorEmail": "tester@example.com"},
		"kart.diff/v1+hexwkb": {
			"layer": {
				"feature": [
					{"+": {"id": 2, "name": "bob"}}
				]
			}
		}
	}`
	patchPath := filepath.Join(t.TempDir(), "add-bob.patch.json")
	require.NoError(t, os.WriteFile(patchPath, []byte(patchJSON), 0o644))

	rootCmd.SetArgs([]string{"apply", "--repo", repoPath, patchPath})
	require.NoError(t, rootCmd.Execute())

	store, err := objectstore.Open(repoPath)
	require.NoError(t, err)
	newHead, err := store.ResolveRef("main")
	require.NoError(t, err)
	assert.NotEqual(t, firstCommit, newHead)

	commit, err := store.GetCommit(newHead)
	require.NoError(t, err)
	assert.Equal(t, "add bob", commit.Message)
	assert.Equal(t, []objectstore.Identifier{firstCommit}, commit.Parents)
}

func TestApplyCommandNoCommitDoesNotAdvanceBranch(t *testing.T) {
	repoPath, firstCommit := initRepoWithLayer(t)

	patchJSON := `{
		"kart.patch/v1": {"message": "add carol", "authorName": "tester", "authorEmail": "tester@example.com"},
		"kart.diff/v1+hexwkb": {
			"layer": {
				"feature": [
					{"+": {"id": 3, "name": "carol"}}
				]
			}
		}
	}`
	patchPath := filepath.Join(t.TempDir(), "add-carol.patch.json")
	require.NoError(t, os.WriteFile(patchPath, []byte(patchJSON), 0o644))

	rootCmd.SetArgs([]string{"apply", "--repo", repoPath, "--no-commit", patchPath})
	require.NoError(t, rootCmd.Execute())

	store, err := objectstore.Open(repoPath)
	require.NoError(t, err)
	head, err := store.ResolveRef("main")
	require.NoError(t, err)
	assert.Equal(t, firstCommit, head)
}

func TestDiffCommandReportsInsert(t *testing.T) {
	repoPath, _ := initRepoWithLayer(t)

	patchJSON := `{
		"kart.patch/v1": {"message": "add dana", "authorName": "tester", "authorEmail": "tester@example.com"},
		"kart.diff/v1+hexwkb": {
			"layer": {
				"feature": [
					{"+": {"id": 4, "name": "dana"}}
				]
			}
		}
	}`
	patchPath := filepath.Join(t.TempDir(), "add-dana.patch.json")
	require.NoError(t, os.WriteFile(patchPath, []byte(patchJSON), 0o644))
	rootCmd.SetArgs([]string{"apply", "--repo", repoPath, patchPath})
	require.NoError(t, rootCmd.Execute())

	out := runCLI(t, "diff", "--repo", repoPath, "main~1", "main")
	assert.Contains(t, out, "layer")
	assert.Contains(t, out, "1 inserts")
}

func TestIndexBuildCommandIndexesFeatures(t *testing.T) {
	repoPath, _ := initRepoWithLayer(t)

	rootCmd.SetArgs([]string{"index", "build", "--repo", repoPath, "main"})
	require.NoError(t, rootCmd.Execute())

	store, err := objectstore.Open(repoPath)
	require.NoError(t, err)
	head, err := store.ResolveRef("main")
	require.NoError(t, err)

	index, err := envelope.OpenStore(filepath.Join(repoPath, ".kart", "envelope.db"), envelope.DefaultBitsPerValue)
	require.NoError(t, err)
	defer index.Close()

	// "layer" has no geometry column, so no feature_envelopes rows are
	// written, but the commit is still marked indexed (there was nothing
	// left uncovered once its one dataset was visited).
	indexed, err := index.IsCommitIndexed(head.String())
	require.NoError(t, err)
	assert.True(t, indexed)
}
