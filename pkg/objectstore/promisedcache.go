package objectstore

import (
	bolt "go.etcd.io/bbolt"

	"github.com/koordinates/kart/pkg/karterrors"
)

var promisedBucket = []byte("promised")

// PromisedCache persists the set of objects §4.1 calls "promised" --known
// to exist on a remote, not yet fetched locally-- across process runs, so a
// second `kart` invocation doesn't need its partial-clone manifest replayed
// just to tell Promised apart from NotFound. Store's in-memory map alone
// only lasts one process; this is the durable backing for it, one small
// bucket in an embedded KV store rather than a standalone daemon or a
// second git ref namespace.
type PromisedCache struct {
	db *bolt.DB
}

// OpenPromisedCache opens (creating if necessary) a bbolt database at path.
func OpenPromisedCache(path string) (*PromisedCache, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, karterrors.InvalidOperation.Wrap(err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(promisedBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, karterrors.InvalidOperation.Wrap(err)
	}
	return &PromisedCache{db: db}, nil
}

// Close releases the underlying bbolt file handle.
func (c *PromisedCache) Close() error {
	return c.db.Close()
}

// Mark records id as promised.
func (c *PromisedCache) Mark(id Identifier) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(promisedBucket).Put(id[:], []byte{1})
	})
}

// Has reports whether id was previously marked promised.
func (c *PromisedCache) Has(id Identifier) (bool, error) {
	var found bool
	err := c.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(promisedBucket).Get(id[:]) != nil
		return nil
	})
	return found, err
}
