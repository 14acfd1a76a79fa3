package envelope_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/koordinates/kart/pkg/envelope"
	"github.com/koordinates/kart/pkg/objectstore"
)

func commitOn(t *testing.T, store *objectstore.Store, parents []objectstore.Identifier, message string) objectstore.Identifier {
	t.Helper()
	blobID, err := store.StageBlob([]byte(message))
	require.NoError(t, err)
	treeID, err := store.StageTree(map[string]objectstore.TreeEntry{
		"marker": {Name: "marker", Kind: objectstore.KindBlob, ID: blobID},
	})
	require.NoError(t, err)
	sig := objectstore.Signature{Name: "test", Email: "test@example.com", When: time.Unix(0, 0)}
	id, err := store.WriteCommit(treeID, parents, sig, sig, message)
	require.NoError(t, err)
	return id
}

func TestMinimalIndependentStartCommitsDropsAncestors(t *testing.T) {
	store, err := objectstore.Init(t.TempDir())
	require.NoError(t, err)

	root := commitOn(t, store, nil, "root")
	child := commitOn(t, store, []objectstore.Identifier{root}, "child")
	grandchild := commitOn(t, store, []objectstore.Identifier{child}, "grandchild")

	result, err := envelope.MinimalIndependentStartCommits(store, []objectstore.Identifier{root, child, grandchild})
	require.NoError(t, err)
	require.Len(t, result, 1)
	require.Equal(t, grandchild, result[0])
}

func TestMinimalIndependentStartCommitsKeepsUnrelatedBranches(t *testing.T) {
	store, err := objectstore.Init(t.TempDir())
	require.NoError(t, err)

	root := commitOn(t, store, nil, "root")
	branchA := commitOn(t, store, []objectstore.Identifier{root}, "a")
	branchB := commitOn(t, store, []objectstore.Identifier{root}, "b")

	result, err := envelope.MinimalIndependentStartCommits(store, []objectstore.Identifier{branchA, branchB})
	require.NoError(t, err)
	require.Len(t, result, 2)
}

func TestMinimalIndependentStartCommitsHandlesMergeCommit(t *testing.T) {
	store, err := objectstore.Init(t.TempDir())
	require.NoError(t, err)

	root := commitOn(t, store, nil, "root")
	branchA := commitOn(t, store, []objectstore.Identifier{root}, "a")
	branchB := commitOn(t, store, []objectstore.Identifier{root}, "b")
	merge := commitOn(t, store, []objectstore.Identifier{branchA, branchB}, "merge")

	result, err := envelope.MinimalIndependentStartCommits(store, []objectstore.Identifier{branchA, branchB, merge})
	require.NoError(t, err)
	require.Len(t, result, 1)
	require.Equal(t, merge, result[0])
}
