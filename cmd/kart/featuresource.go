package main

import (
	"strings"

	"github.com/koordinates/kart/pkg/dataset"
	"github.com/koordinates/kart/pkg/envelope"
	"github.com/koordinates/kart/pkg/kartenc"
	"github.com/koordinates/kart/pkg/objectstore"
	"github.com/koordinates/kart/pkg/schema"
)

// repoFeatureSource implements envelope.FeatureSource over a live
// objectstore.Store: it streams every feature blob reachable from a start
// commit's datasets whose blob id wasn't already present under the same
// dataset path in any of the stop commits. Since a feature's blob is
// content-addressed, an unchanged feature keeps the same id across
// commits, so this catches everything the full ancestry-walk definition in
// §4.10 would (excluding only features that changed and changed back to
// an old value, which is indexed again - harmlessly, the write is an
// upsert).
type repoFeatureSource struct {
	objects *objectstore.Store
}

func newRepoFeatureSource(objects *objectstore.Store) envelope.FeatureSource {
	return &repoFeatureSource{objects: objects}
}

func (r *repoFeatureSource) StreamFeatures(start objectstore.Identifier, stop []objectstore.Identifier) (<-chan envelope.FeatureBlob, <-chan error) {
	out := make(chan envelope.FeatureBlob)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		seen, err := r.seenBlobsByPath(stop)
		if err != nil {
			errs <- err
			return
		}

		startCommit, err := r.objects.GetCommit(start)
		if err != nil {
			errs <- err
			return
		}
		paths, err := findDatasetPaths(r.objects, startCommit.Tree, "")
		if err != nil {
			errs <- err
			return
		}

		for _, path := range paths {
			if err := r.streamDataset(startCommit.Tree, path, seen[path], out); err != nil {
				errs <- err
				return
			}
		}
	}()

	return out, errs
}

func (r *repoFeatureSource) seenBlobsByPath(stop []objectstore.Identifier) (map[string]map[objectstore.Identifier]bool, error) {
	seen := make(map[string]map[objectstore.Identifier]bool)
	for _, stopCommitID := range stop {
		commit, err := r.objects.GetCommit(stopCommitID)
		if err != nil {
			return nil, err
		}
		paths, err := findDatasetPaths(r.objects, commit.Tree, "")
		if err != nil {
			return nil, err
		}
		for _, path := range paths {
			subtree, ok, err := resolveSubtree(r.objects, commit.Tree, path)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			view, err := dataset.Open(r.objects, subtree, path)
			if err != nil {
				continue
			}
			blobs, err := view.FeatureBlobs()
			if err != nil {
				return nil, err
			}
			if seen[path] == nil {
				seen[path] = make(map[objectstore.Identifier]bool, len(blobs))
			}
			for _, id := range blobs {
				seen[path][id] = true
			}
		}
	}
	return seen, nil
}

func (r *repoFeatureSource) streamDataset(startTree objectstore.Identifier, path string, alreadyIndexed map[objectstore.Identifier]bool, out chan<- envelope.FeatureBlob) error {
	subtree, ok, err := resolveSubtree(r.objects, startTree, path)
	if err != nil || !ok {
		return err
	}
	view, err := dataset.Open(r.objects, subtree, path)
	if err != nil {
		return err
	}
	s, err := view.Schema()
	if err != nil {
		return err
	}
	geomCol, hasGeom := geometryColumn(s)
	if !hasGeom {
		return nil
	}

	blobs, err := view.FeatureBlobs()
	if err != nil {
		return err
	}
	for name, id := range blobs {
		if alreadyIndexed[id] {
			continue
		}
		feature, err := view.DecodeFeatureBlob(name, id)
		if err != nil {
			return err
		}
		var geom []byte
		if v, ok := feature.Values[geomCol.Name]; ok {
			if g, ok := v.(kartenc.Geometry); ok {
				geom = []byte(g)
			}
		}
		out <- envelope.FeatureBlob{
			DatasetPath: path,
			BlobID:      id.String(),
			Geometry:    geom,
			CRS:         derefString(geomCol.GeometryCRS),
		}
	}
	return nil
}

func geometryColumn(s schema.Schema) (schema.ColumnSchema, bool) {
	for _, c := range s.Columns {
		if c.DataType == schema.DataTypeGeometry {
			return c, true
		}
	}
	return schema.ColumnSchema{}, false
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// findDatasetPaths recursively walks a repo tree, returning the path of
// every dataset present in it (every directory whose immediate child is
// the hidden inner tree). Mirrors pkg/diff's unexported helper of the
// same name, since this package needs the same walk but from outside
// pkg/diff.
func findDatasetPaths(objects *objectstore.Store, treeID objectstore.Identifier, prefix string) ([]string, error) {
	if treeID.IsZero() {
		return nil, nil
	}
	entries, err := objects.WalkChildren(treeID)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.Kind != objectstore.KindTree {
			continue
		}
		if e.Name == dataset.InnerTreeName {
			if prefix != "" {
				paths = append(paths, prefix)
			}
			continue
		}
		childPrefix := e.Name
		if prefix != "" {
			childPrefix = prefix + "/" + e.Name
		}
		sub, err := findDatasetPaths(objects, e.ID, childPrefix)
		if err != nil {
			return nil, err
		}
		paths = append(paths, sub...)
	}
	return paths, nil
}

// resolveSubtree walks a slash-separated path from treeID, returning the
// tree identifier found there, or ok=false if any component is absent or
// not a directory. Mirrors pkg/diff's unexported helper of the same name.
func resolveSubtree(objects *objectstore.Store, treeID objectstore.Identifier, path string) (objectstore.Identifier, bool, error) {
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
