package envelope

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// MaxBatchRows bounds how many feature_envelopes rows a single Batch
// commits in one transaction, per §5's discipline of staying transactional
// but bounding lock-hold time during a large index build.
const MaxBatchRows = 1000

// Store is the SQLite sidecar described in §4.10: one row per indexed
// commit, one row per feature blob's packed envelope. Grounded on the
// database/sql + mattn/go-sqlite3 pairing and the mutex-guarded-connection
// shape of other_examples' geopackage Repository, minus the SpatiaLite
// extension loading - this index only ever needs two plain tables, no
// spatial SQL functions.
type Store struct {
	mu    sync.RWMutex
	db    *sql.DB
	codec Codec
}

// OpenStore opens (creating if necessary) the envelope index at path.
func OpenStore(path string, bitsPerValue int) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open envelope index: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open envelope index: %w", err)
	}
	s := &Store{db: db, codec: NewCodec(bitsPerValue)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS commits (
			commit_id TEXT PRIMARY KEY
		);
		CREATE TABLE IF NOT EXISTS feature_envelopes (
			blob_id  TEXT PRIMARY KEY,
			envelope BLOB NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("migrate envelope index: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Codec returns the bit-packing codec this store was opened with.
func (s *Store) Codec() Codec {
	return s.codec
}

// IsCommitIndexed reports whether commitID has already contributed its
// features to the index, so a build can skip re-walking it.
func (s *Store) IsCommitIndexed(commitID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var discard int
	err := s.db.QueryRow(`SELECT 1 FROM commits WHERE commit_id = ?`, commitID).Scan(&discard)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, err
	default:
		return true, nil
	}
}

// GetEnvelope looks up a feature blob's packed envelope.
func (s *Store) GetEnvelope(blobID string) (Envelope, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data []byte
	err := s.db.QueryRow(`SELECT envelope FROM feature_envelopes WHERE blob_id = ?`, blobID).Scan(&data)
	switch {
	case err == sql.ErrNoRows:
		return Envelope{}, false, nil
	case err != nil:
		return Envelope{}, false, err
	default:
		return s.codec.Decode(data), true, nil
	}
}

// Batch groups a run of feature_envelopes upserts and a commits marker
// into one transaction. Callers should call PutFeatureEnvelope up to
// MaxBatchRows times, then Commit, and repeat with a fresh Batch.
type Batch struct {
	store *Store
	tx    *sql.Tx
	rows  int
}

// BeginBatch starts a new transaction, holding the store's write lock
// until Commit or Rollback is called.
func (s *Store) BeginBatch() (*Batch, error) {
	s.mu.Lock()
	tx, err := s.db.Begin()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	return &Batch{store: s, tx: tx}, nil
}

// PutFeatureEnvelope stages an insert-or-replace of one feature blob's
// envelope.
func (b *Batch) PutFeatureEnvelope(blobID string, env Envelope) error {
	_, err := b.tx.Exec(
		`INSERT OR REPLACE INTO feature_envelopes(blob_id, envelope) VALUES (?, ?)`,
		blobID, b.store.codec.Encode(env),
	)
	if err == nil {
		b.rows++
	}
	return err
}

// MarkCommitIndexed stages an insert of commitID into the commits table.
func (b *Batch) MarkCommitIndexed(commitID string) error {
	_, err := b.tx.Exec(`INSERT OR IGNORE INTO commits(commit_id) VALUES (?)`, commitID)
	return err
}

// Rows returns how many feature_envelopes upserts this batch has staged.
func (b *Batch) Rows() int {
	return b.rows
}

// Commit commits the batch's transaction and releases the store's write lock.
func (b *Batch) Commit() error {
	defer b.store.mu.Unlock()
	return b.tx.Commit()
}

// Rollback aborts the batch's transaction and releases the store's write lock.
func (b *Batch) Rollback() error {
	defer b.store.mu.Unlock()
	return b.tx.Rollback()
}
