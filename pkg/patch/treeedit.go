package patch

import (
	"strings"

	"github.com/koordinates/kart/pkg/karterrors"
	"github.com/koordinates/kart/pkg/objectstore"
)

// treeEditor is the "arena" described in spec §9's Design Notes: a mutable
// overlay over a base tree that stages Set/Remove operations at arbitrary
// nested paths, expanding subtrees lazily as they're touched, and finally
// restages the whole thing bottom-up into a new tree identifier. Untouched
// subtrees are never read, let alone rewritten.
type treeEditor struct {
	objects *objectstore.Store
	root    *treeNode
}

type treeNode struct {
	entries map[string]nodeEntry
}

type nodeEntry struct {
	kind     objectstore.Kind
	id       objectstore.Identifier // valid blob id, or tree id while unexpanded
	expanded *treeNode              // non-nil once this subtree has been loaded for editing
}

func newTreeEditor(objects *objectstore.Store, rootID objectstore.Identifier) (*treeEditor, error) {
	root, err := loadOneLevel(objects, rootID)
	if err != nil {
		return nil, err
	}
	return &treeEditor{objects: objects, root: root}, nil
}

func loadOneLevel(objects *objectstore.Store, id objectstore.Identifier) (*treeNode, error) {
	node := &treeNode{entries: map[string]nodeEntry{}}
	if id.IsZero() {
		return node, nil
	}
	children, err := objects.WalkChildren(id)
	if err != nil {
		return nil, err
	}
	for _, e := range children {
		node.entries[e.Name] = nodeEntry{kind: e.Kind, id: e.ID}
	}
	return node, nil
}

// child returns the (lazily expanded) subtree named name under node,
// creating an empty one if absent.
func (e *treeEditor) child(node *treeNode, name string) (*treeNode, error) {
	entry, ok := node.entries[name]
	if !ok {
		child := &treeNode{entries: map[string]nodeEntry{}}
		node.entries[name] = nodeEntry{kind: objectstore.KindTree, expanded: child}
		return child, nil
	}
	if entry.expanded != nil {
		return entry.expanded, nil
	}
	if entry.kind != objectstore.KindTree {
		return nil, karterrors.InvalidOperation.New("%q is a file, not a directory", name)
	}
	child, err := loadOneLevel(e.objects, entry.id)
	if err != nil {
		return nil, err
	}
	entry.expanded = child
	node.entries[name] = entry
	return child, nil
}

// dirAndLeaf walks to the parent directory of a slash-separated path,
// expanding directories along the way, and returns it plus the final path
// component.
func (e *treeEditor) dirAndLeaf(path string) (*treeNode, string, error) {
	parts := strings.Split(path, "/")
	node := e.root
	for _, part := range parts[:len(parts)-1] {
		var err error
		node, err = e.child(node, part)
		if err != nil {
			return nil, "", err
		}
	}
	return node, parts[len(parts)-1], nil
}

// Set stages blobID at path, creating any intermediate directories needed.
func (e *treeEditor) Set(path string, blobID objectstore.Identifier) error {
	node, leaf, err := e.dirAndLeaf(path)
	if err != nil {
		return err
	}
	node.entries[leaf] = nodeEntry{kind: objectstore.KindBlob, id: blobID}
	return nil
}

// Remove deletes path if present; removing an absent path is a no-op,
// since callers are expected to have already verified the precondition
// that required it to be present.
func (e *treeEditor) Remove(path string) error {
	node, leaf, err := e.dirAndLeaf(path)
	if err != nil {
		return err
	}
	delete(node.entries, leaf)
	return nil
}

// Stage restages every touched subtree bottom-up and returns the new root
// tree identifier.
func (e *treeEditor) Stage() (objectstore.Identifier, error) {
	return stageNode(e.objects, e.root)
}

func stageNode(objects *objectstore.Store, node *treeNode) (objectstore.Identifier, error) {
	out := make(map[string]objectstore.TreeEntry, len(node.entries))
	for name, entry := range node.entries {
		if entry.kind == objectstore.KindBlob {
			out[name] = objectstore.TreeEntry{Name: name, Kind: objectstore.KindBlob, ID: entry.id}
			continue
		}
		if entry.expanded == nil {
			out[name] = objectstore.TreeEntry{Name: name, Kind: objectstore.KindTree, ID: entry.id}
			continue
		}
		childID, err := stageNode(objects, entry.expanded)
		if err != nil {
			return objectstore.Identifier{}, err
		}
		out[name] = objectstore.TreeEntry{Name: name, Kind: objectstore.KindTree, ID: childID}
	}
	return objects.StageTree(out)
}
