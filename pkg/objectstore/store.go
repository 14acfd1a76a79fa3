// Package objectstore implements the ObjectStore adapter from spec §4.1:
// the only component that knows about Git. Everything above this package
// reads/writes through Identifier, TreeEntry, and CommitRecord -- never a
// go-git type directly.
package objectstore

import (
	"encoding/hex"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/koordinates/kart/pkg/karterrors"
	"github.com/koordinates/kart/pkg/kartlog"
)

// Kind distinguishes the object kinds the core cares about.
type Kind int

const (
	KindBlob Kind = iota
	KindTree
	KindCommit
)

// Identifier is a 20-byte SHA-1, Git's object id.
type Identifier plumbing.Hash

// ZeroIdentifier is the all-zero identifier, used as a sentinel (e.g. "no
// parent").
var ZeroIdentifier Identifier

func (id Identifier) String() string {
	return plumbing.Hash(id).String()
}

func (id Identifier) IsZero() bool {
	return id == ZeroIdentifier
}

func (id Identifier) hash() plumbing.Hash {
	return plumbing.Hash(id)
}

// ParseIdentifier parses a 40-character hex string.
func ParseIdentifier(s string) (Identifier, error) {
	if len(s) != 40 {
		return Identifier{}, karterrors.InvalidFileFormat.New("identifier must be 40 hex characters, got %d", len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return Identifier{}, karterrors.InvalidFileFormat.Wrap(err)
	}
	return Identifier(plumbing.NewHash(s)), nil
}

// TreeEntry is one (name -> (kind, id)) mapping inside a Tree.
type TreeEntry struct {
	Name string
	Kind Kind
	ID   Identifier
}

// Signature is a commit author/committer identity.
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

// CommitRecord is the subset of a Git commit the core reads.
type CommitRecord struct {
	Tree      Identifier
	Parents   []Identifier
	Author    Signature
	Committer Signature
	Message   string
}

// Store adapts a go-git repository to the ObjectStore interface the rest
// of the core consumes.
type Store struct {
	repo *git.Repository

	mu            sync.RWMutex
	promised      map[Identifier]bool
	promisedCache *PromisedCache
}

// UsePromisedCache attaches a durable backing for the promised set so it
// survives across process runs; pass nil to detach (in-memory only).
func (s *Store) UsePromisedCache(c *PromisedCache) {
	s.promisedCache = c
}

// Open opens an existing on-disk repository at path (a ".git" directory
// or its parent working tree).
func Open(path string) (*Store, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, karterrors.NotFound.Wrap(err)
	}
	return &Store{repo: repo, promised: make(map[Identifier]bool)}, nil
}

// Init creates a new bare repository at path, used when materializing a
// brand-new Kart repo.
func Init(path string) (*Store, error) {
	repo, err := git.PlainInit(path, true)
	if err != nil {
		return nil, karterrors.InvalidOperation.Wrap(err)
	}
	return &Store{repo: repo, promised: make(map[Identifier]bool)}, nil
}

// MarkPromised records that id is known to exist remotely but hasn't been
// fetched locally -- the partial-clone signal §4.1 requires Get to
// distinguish from NotFound. go-git has no native concept of a promisor
// pack, so the core (or a remote-sync component layered outside this
// package) populates this set out of band, e.g. from a partial-clone
// manifest.
func (s *Store) MarkPromised(id Identifier) error {
	s.mu.Lock()
	s.promised[id] = true
	s.mu.Unlock()
	if s.promisedCache != nil {
		return s.promisedCache.Mark(id)
	}
	return nil
}

func (s *Store) isPromised(id Identifier) bool {
	s.mu.RLock()
	inMemory := s.promised[id]
	s.mu.RUnlock()
	if inMemory {
		return true
	}
	if s.promisedCache == nil {
		return false
	}
	found, err := s.promisedCache.Has(id)
	return err == nil && found
}

func (s *Store) notFoundOrPromised(id Identifier, err error) error {
	if s.isPromised(id) {
		return karterrors.Promised.New("object %s is not downloaded yet", id)
	}
	return karterrors.NotFound.Wrap(err)
}

// GetBlob reads a blob's full content by identifier.
func (s *Store) GetBlob(id Identifier) ([]byte, error) {
	blob, err := object.GetBlob(s.repo.Storer, id.hash())
	if err != nil {
		return nil, s.notFoundOrPromised(id, err)
	}
	r, err := blob.Reader()
	if err != nil {
		return nil, karterrors.InvalidOperation.Wrap(err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, karterrors.InvalidOperation.Wrap(err)
	}
	return data, nil
}

// GetTree reads a tree's immediate entries by identifier.
func (s *Store) GetTree(id Identifier) ([]TreeEntry, error) {
	tree, err := object.GetTree(s.repo.Storer, id.hash())
	if err != nil {
		return nil, s.notFoundOrPromised(id, err)
	}
	entries := make([]TreeEntry, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		kind := KindBlob
		if e.Mode == filemode.Dir {
			kind = KindTree
		}
		entries = append(entries, TreeEntry{Name: e.Name, Kind: kind, ID: Identifier(e.Hash)})
	}
	return entries, nil
}

// WalkChildren is GetTree under the name spec §4.1 uses.
func (s *Store) WalkChildren(id Identifier) ([]TreeEntry, error) {
	return s.GetTree(id)
}

// GetCommit reads a commit record by identifier.
func (s *Store) GetCommit(id Identifier) (CommitRecord, error) {
	c, err := object.GetCommit(s.repo.Storer, id.hash())
	if err != nil {
		return CommitRecord{}, s.notFoundOrPromised(id, err)
	}
	parents := make([]Identifier, len(c.ParentHashes))
	for i, p := range c.ParentHashes {
		parents[i] = Identifier(p)
	}
	return CommitRecord{
		Tree:      Identifier(c.TreeHash),
		Parents:   parents,
		Author:    Signature{Name: c.Author.Name, Email: c.Author.Email, When: c.Author.When},
		Committer: Signature{Name: c.Committer.Name, Email: c.Committer.Email, When: c.Committer.When},
		Message:   c.Message,
	}, nil
}

// Hash computes the Identifier bytes would be stored under, without
// staging anything -- Git's blob hash: sha1("blob " + len + "\0" + bytes).
func (s *Store) Hash(data []byte) Identifier {
	return Identifier(plumbing.ComputeHash(plumbing.BlobObject, data))
}

// StageBlob adds data to the write buffer, returning the Identifier it
// will be stored under. Staging the same bytes twice, even across
// separate commits, returns the same Identifier (§4.1's invariant) since
// identity is a pure content hash.
func (s *Store) StageBlob(data []byte) (Identifier, error) {
	obj := s.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return Identifier{}, karterrors.InvalidOperation.Wrap(err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return Identifier{}, karterrors.InvalidOperation.Wrap(err)
	}
	if err := w.Close(); err != nil {
		return Identifier{}, karterrors.InvalidOperation.Wrap(err)
	}
	hash, err := s.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return Identifier{}, karterrors.InvalidOperation.Wrap(err)
	}
	return Identifier(hash), nil
}

// StageTree stages a tree object from a name -> entry map. Entries are
// sorted the way Git requires (a tree's on-disk encoding is
// order-sensitive even though the logical mapping isn't, per §3's "Tree"
// entity -- insertion order into this map is not significant, but the
// wire encoding must still be canonical for content-hashing to agree
// with any other Git-compatible tool reading the same object).
func (s *Store) StageTree(entries map[string]TreeEntry) (Identifier, error) {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	tree := &object.Tree{Entries: make([]object.TreeEntry, 0, len(entries))}
	for _, name := range names {
		e := entries[name]
		mode := filemode.Regular
		if e.Kind == KindTree {
			mode = filemode.Dir
		}
		tree.Entries = append(tree.Entries, object.TreeEntry{
			Name: name,
			Mode: mode,
			Hash: e.ID.hash(),
		})
	}

	obj := s.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.TreeObject)
	if err := tree.Encode(obj); err != nil {
		return Identifier{}, karterrors.InvalidOperation.Wrap(err)
	}
	hash, err := s.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return Identifier{}, karterrors.InvalidOperation.Wrap(err)
	}
	return Identifier(hash), nil
}

// WriteCommit stages a commit object and returns its Identifier.
func (s *Store) WriteCommit(treeID Identifier, parents []Identifier, author, committer Signature, message string) (Identifier, error) {
	parentHashes := make([]plumbing.Hash, len(parents))
	for i, p := range parents {
		parentHashes[i] = p.hash()
	}
	c := &object.Commit{
		Author:       object.Signature{Name: author.Name, Email: author.Email, When: author.When},
		Committer:    object.Signature{Name: committer.Name, Email: committer.Email, When: committer.When},
		Message:      message,
		TreeHash:     treeID.hash(),
		ParentHashes: parentHashes,
	}

	obj := s.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.CommitObject)
	if err := c.Encode(obj); err != nil {
		return Identifier{}, karterrors.InvalidOperation.Wrap(err)
	}
	hash, err := s.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return Identifier{}, karterrors.InvalidOperation.Wrap(err)
	}
	kartlog.Logger.Debug().Str("commit", hash.String()).Msg("staged commit")
	return Identifier(hash), nil
}

// ResolveRef resolves a commit-ish (a branch name, tag, HEAD, or a full or
// abbreviated hex hash) to an Identifier, the way `git rev-parse` does.
func (s *Store) ResolveRef(ref string) (Identifier, error) {
	hash, err := s.repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return Identifier{}, karterrors.NotFound.Wrap(err)
	}
	return Identifier(*hash), nil
}

// Head returns the branch HEAD currently points at and the commit it
// resolves to. err is karterrors.NotFound if HEAD is unborn (empty repo).
func (s *Store) Head() (branch string, id Identifier, err error) {
	ref, err := s.repo.Head()
	if err != nil {
		return "", Identifier{}, karterrors.NotFound.Wrap(err)
	}
	return ref.Name().Short(), Identifier(ref.Hash()), nil
}

// SetBranchHead points branch at id, creating the branch if it doesn't
// already exist. Used after ApplyAndCommit to land a new commit.
func (s *Store) SetBranchHead(branch string, id Identifier) error {
	refName := plumbing.NewBranchReferenceName(branch)
	ref := plumbing.NewHashReference(refName, id.hash())
	if err := s.repo.Storer.SetReference(ref); err != nil {
		return karterrors.InvalidOperation.Wrap(err)
	}
	if head, err := s.repo.Reference(plumbing.HEAD, false); err != nil || head.Type() != plumbing.SymbolicReference {
		symbolic := plumbing.NewSymbolicReference(plumbing.HEAD, refName)
		if err := s.repo.Storer.SetReference(symbolic); err != nil {
			return karterrors.InvalidOperation.Wrap(err)
		}
	}
	return nil
}

// RepoVersion reads .kart.repostructure.version (or the legacy
// sno.repository.version path) from the given tree and validates it's in
// [2, 3].
func (s *Store) RepoVersion(treeID Identifier) (int, error) {
	entries, err := s.GetTree(treeID)
	if err != nil {
		return 0, err
	}
	name := ".kart.repostructure.version"
	id, ok := lookup(entries, name)
	if !ok {
		name = ".sno.repository.version"
		id, ok = lookup(entries, name)
	}
	if !ok {
		return 0, karterrors.NotFound.New("repository structure version blob not found")
	}
	data, err := s.GetBlob(id)
	if err != nil {
		return 0, err
	}
	version, err := parseVersion(data)
	if err != nil {
		return 0, err
	}
	if version < 2 || version > 3 {
		return 0, karterrors.InvalidFileFormat.New("unsupported repository structure version %d", version)
	}
	return version, nil
}

// ConfigValue reads a single string-valued option from the repository's
// git config (section.subsection.key, per git-config(1) and spec §6's
// kart.spatialfilter.* keys). ok is false if the option isn't set.
func (s *Store) ConfigValue(section, subsection, key string) (value string, ok bool, err error) {
	cfg, err := s.repo.Config()
	if err != nil {
		return "", false, karterrors.InvalidOperation.Wrap(err)
	}
	raw := cfg.Raw.Section(section)
	if subsection != "" {
		raw = raw.Subsection(subsection)
	}
	if !raw.HasOption(key) {
		return "", false, nil
	}
	return raw.Option(key), true, nil
}

func lookup(entries []TreeEntry, name string) (Identifier, bool) {
	for _, e := range entries {
		if e.Name == name {
			return e.ID, true
		}
	}
	return Identifier{}, false
}

func parseVersion(data []byte) (int, error) {
	s := string(data)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	n := 0
	if len(s) == 0 {
		return 0, errors.New("empty version blob")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errors.New("version blob is not a plain integer")
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}
