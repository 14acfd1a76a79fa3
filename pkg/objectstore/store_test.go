package objectstore_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koordinates/kart/pkg/karterrors"
	"github.com/koordinates/kart/pkg/objectstore"
)

func newStore(t *testing.T) *objectstore.Store {
	t.Helper()
	store, err := objectstore.Init(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestStageBlobIsContentAddressed(t *testing.T) {
	store := newStore(t)
	id1, err := store.StageBlob([]byte("hello world"))
	require.NoError(t, err)
	id2, err := store.StageBlob([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Equal(t, store.Hash([]byte("hello world")), id1)
}

func TestStageBlobThenGetBlobRoundTrips(t *testing.T) {
	store := newStore(t)
	id, err := store.StageBlob([]byte("feature payload"))
	require.NoError(t, err)

	data, err := store.GetBlob(id)
	require.NoError(t, err)
	assert.Equal(t, "feature payload", string(data))
}

func TestStageTreeAndWalkChildren(t *testing.T) {
	store := newStore(t)
	blobID, err := store.StageBlob([]byte("x"))
	require.NoError(t, err)

	treeID, err := store.StageTree(map[string]objectstore.TreeEntry{
		"schema.json": {Name: "schema.json", Kind: objectstore.KindBlob, ID: blobID},
	})
	require.NoError(t, err)

	entries, err := store.WalkChildren(treeID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "schema.json", entries[0].Name)
	assert.Equal(t, objectstore.KindBlob, entries[0].Kind)
	assert.Equal(t, blobID, entries[0].ID)
}

func TestWriteCommitRoundTrips(t *testing.T) {
	store := newStore(t)
	blobID, err := store.StageBlob([]byte("x"))
	require.NoError(t, err)
	treeID, err := store.StageTree(map[string]objectstore.TreeEntry{
		"f": {Name: "f", Kind: objectstore.KindBlob, ID: blobID},
	})
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sig := objectstore.Signature{Name: "kart", Email: "kart@example.com", When: now}
	commitID, err := store.WriteCommit(treeID, nil, sig, sig, "initial commit")
	require.NoError(t, err)

	record, err := store.GetCommit(commitID)
	require.NoError(t, err)
	assert.Equal(t, treeID, record.Tree)
	assert.Empty(t, record.Parents)
	assert.Equal(t, "initial commit", record.Message)
	assert.Equal(t, "kart", record.Author.Name)
}

func TestGetBlobMissingIsNotFound(t *testing.T) {
	store := newStore(t)
	id, err := objectstore.ParseIdentifier("0000000000000000000000000000000000000001")
	require.NoError(t, err)

	_, err = store.GetBlob(id)
	assert.Error(t, err)
	assert.True(t, karterrors.Is(err, &karterrors.NotFound))
}

func TestMarkPromisedDistinguishesFromNotFound(t *testing.T) {
	store := newStore(t)
	id, err := objectstore.ParseIdentifier("0000000000000000000000000000000000000002")
	require.NoError(t, err)

	require.NoError(t, store.MarkPromised(id))
	_, err = store.GetBlob(id)
	require.Error(t, err)
	assert.True(t, karterrors.Is(err, &karterrors.Promised))
	assert.False(t, karterrors.Is(err, &karterrors.NotFound))
}

func TestPromisedCachePersistsAcrossStoreInstances(t *testing.T) {
	store := newStore(t)
	id, err := objectstore.ParseIdentifier("0000000000000000000000000000000000000003")
	require.NoError(t, err)

	cachePath := t.TempDir() + "/promised.db"
	cache, err := objectstore.OpenPromisedCache(cachePath)
	require.NoError(t, err)
	defer cache.Close()

	store.UsePromisedCache(cache)
	require.NoError(t, store.MarkPromised(id))

	found, err := cache.Has(id)
	require.NoError(t, err)
	assert.True(t, found)

	other := newStore(t)
	other.UsePromisedCache(cache)
	_, err = other.GetBlob(id)
	require.Error(t, err)
	assert.True(t, karterrors.Is(err, &karterrors.Promised))
}

func TestSetBranchHeadThenResolveRefAndHead(t *testing.T) {
	store := newStore(t)
	treeID, err := store.StageTree(map[string]objectstore.TreeEntry{})
	require.NoError(t, err)

	sig := objectstore.Signature{Name: "kart", Email: "kart@example.com", When: time.Now()}
	commitID, err := store.WriteCommit(treeID, nil, sig, sig, "initial commit")
	require.NoError(t, err)

	require.NoError(t, store.SetBranchHead("main", commitID))

	branch, head, err := store.Head()
	require.NoError(t, err)
	assert.Equal(t, "main", branch)
	assert.Equal(t, commitID, head)

	resolved, err := store.ResolveRef("main")
	require.NoError(t, err)
	assert.Equal(t, commitID, resolved)

	resolved, err = store.ResolveRef("HEAD")
	require.NoError(t, err)
	assert.Equal(t, commitID, resolved)
}

func TestResolveRefUnknownBranchIsNotFound(t *testing.T) {
	store := newStore(t)
	_, err := store.ResolveRef("does-not-exist")
	assert.Error(t, err)
	assert.True(t, karterrors.Is(err, &karterrors.NotFound))
}
