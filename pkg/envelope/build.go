package envelope

import (
	"fmt"

	"github.com/koordinates/kart/pkg/kartenc"
	"github.com/koordinates/kart/pkg/kartlog"
	"github.com/koordinates/kart/pkg/karterrors"
	"github.com/koordinates/kart/pkg/metrics"
	"github.com/koordinates/kart/pkg/objectstore"
	"github.com/koordinates/kart/pkg/spatialfilter"
)

// FeatureBlob is one feature encountered while streaming a commit for
// indexing: its blob identifier, the dataset it belongs to, and its raw
// geometry column value (nil if the dataset has no geometry column or the
// value is null), plus the CRS that geometry was written under.
type FeatureBlob struct {
	DatasetPath string
	BlobID      string
	Geometry    []byte
	CRS         string
}

// FeatureSource streams the feature blobs reachable from start's tree but
// not reachable from any of stop's trees - i.e. features new or changed
// since the stop commits were last indexed. Implemented by the dataset/diff
// layer; kept as an interface here since walking dataset trees needs
// schema- and path-encoding-aware logic this package has no reason to own.
type FeatureSource interface {
	StreamFeatures(start objectstore.Identifier, stop []objectstore.Identifier) (<-chan FeatureBlob, <-chan error)
}

// TransformsForCRS returns every CRS-to-WGS84 transform that could apply to
// a feature written under the given CRS definition, per §4.10's "the
// feature might have been written under any CRS that existed between the
// start commits and the present". Constructing real transforms needs a
// geodesy library outside this pack (see pkg/spatialfilter's Transform
// doc); this is supplied by the caller.
type TransformsForCRS func(crs string) ([]spatialfilter.Transform, error)

// Builder runs the incremental build algorithm from §4.10 against an
// envelope Store.
type Builder struct {
	Index  *Store
	Source FeatureSource
}

// NewBuilder returns a Builder writing into index and reading features via source.
func NewBuilder(index *Store, source FeatureSource) *Builder {
	return &Builder{Index: index, Source: source}
}

// MinimalIndependentStartCommits drops any candidate that is a (possibly
// indirect) ancestor of another candidate, since walking the descendant's
// tree already covers everything the ancestor would contribute.
func MinimalIndependentStartCommits(objects *objectstore.Store, candidates []objectstore.Identifier) ([]objectstore.Identifier, error) {
	result := make([]objectstore.Identifier, 0, len(candidates))
	for i, c := range candidates {
		isAncestorOfAnother := false
		for j, other := range candidates {
			if i == j {
				continue
			}
			ancestor, err := isAncestor(objects, c, other)
			if err != nil {
				return nil, err
			}
			if ancestor {
				isAncestorOfAnother = true
				break
			}
		}
		if !isAncestorOfAnother {
			result = append(result, c)
		}
	}
	return result, nil
}

// isAncestor reports whether candidate is a strict ancestor of descendant,
// via a breadth-first walk of parent links.
func isAncestor(objects *objectstore.Store, candidate, descendant objectstore.Identifier) (bool, error) {
	if candidate == descendant {
		return false, nil
	}
	visited := map[objectstore.Identifier]bool{descendant: true}
	queue := []objectstore.Identifier{descendant}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		commit, err := objects.GetCommit(id)
		if err != nil {
			if karterrors.Is(err, &karterrors.NotFound) || karterrors.Is(err, &karterrors.Promised) {
				continue
			}
			return false, err
		}
		for _, parent := range commit.Parents {
			if parent == candidate {
				return true, nil
			}
			if !visited[parent] {
				visited[parent] = true
				queue = append(queue, parent)
			}
		}
	}
	return false, nil
}

// Build implements §4.10's build algorithm: compute the minimal
// independent start set, stream every feature reachable from each start
// commit but not from stop, compute and union its candidate envelopes, and
// record the result. cancel, if non-nil, is checked once per feature;
// on cancellation the already-written rows are committed but the start
// commit is not marked indexed, so a later build retries it from scratch.
func (b *Builder) Build(objects *objectstore.Store, starts, stop []objectstore.Identifier, transformsForCRS TransformsForCRS, cancel <-chan struct{}) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.EnvelopeIndexBuildDuration)

	independentStarts, err := MinimalIndependentStartCommits(objects, starts)
	if err != nil {
		return fmt.Errorf("computing minimal start-commit set: %w", err)
	}

	for _, start := range independentStarts {
		if err := b.buildOneCommit(start, stop, transformsForCRS, cancel); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) buildOneCommit(start objectstore.Identifier, stop []objectstore.Identifier, transformsForCRS TransformsForCRS, cancel <-chan struct{}) error {
	features, errs := b.Source.StreamFeatures(start, stop)

	batch, err := b.Index.BeginBatch()
	if err != nil {
		return fmt.Errorf("begin envelope index batch: %w", err)
	}
	canceled := false

loop:
	for {
		select {
		case <-cancelOrNil(cancel):
			canceled = true
			break loop
		case feature, ok := <-features:
			if !ok {
				break loop
			}
			if err := b.indexOneFeature(batch, feature, transformsForCRS); err != nil {
				batch.Rollback()
				return err
			}
			if batch.Rows() >= MaxBatchRows {
				if err := batch.Commit(); err != nil {
					return fmt.Errorf("commit envelope index batch: %w", err)
				}
				batch, err = b.Index.BeginBatch()
				if err != nil {
					return fmt.Errorf("begin envelope index batch: %w", err)
				}
			}
		}
	}

	select {
	case err := <-errs:
		if err != nil {
			batch.Rollback()
			return fmt.Errorf("streaming features for commit %s: %w", start, err)
		}
	default:
	}

	if !canceled {
		if err := batch.MarkCommitIndexed(start.String()); err != nil {
			batch.Rollback()
			return fmt.Errorf("marking commit %s indexed: %w", start, err)
		}
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("commit envelope index batch: %w", err)
	}
	return nil
}

func cancelOrNil(cancel <-chan struct{}) <-chan struct{} {
	if cancel == nil {
		return nil
	}
	return cancel
}

func (b *Builder) indexOneFeature(batch *Batch, feature FeatureBlob, transformsForCRS TransformsForCRS) error {
	if feature.Geometry == nil {
		return nil
	}
	bound, ok, err := kartenc.Envelope2D(feature.Geometry)
	if err != nil || !ok {
		kartlog.Logger.Debug().Str("blob", feature.BlobID).Err(err).Msg("envelope index: skipped feature, could not read envelope")
		metrics.EnvelopeFeaturesSkippedTotal.WithLabelValues("cannot-index").Inc()
		return nil
	}

	transforms, err := transformsForCRS(feature.CRS)
	if err != nil {
		kartlog.Logger.Debug().Str("blob", feature.BlobID).Err(err).Msg("envelope index: skipped feature, no transform available")
		metrics.EnvelopeFeaturesSkippedTotal.WithLabelValues("wrong-crs").Inc()
		return nil
	}

	native := minmaxEnvelope{bound.Min[0], bound.Min[1], bound.Max[0], bound.Max[1]}
	env, err := GetEnvelopeForIndexing(native, transforms)
	if err != nil {
		kartlog.Logger.Debug().Str("blob", feature.BlobID).Err(err).Msg("envelope index: could not index feature")
		metrics.EnvelopeFeaturesSkippedTotal.WithLabelValues("cannot-index").Inc()
		return nil
	}

	if err := batch.PutFeatureEnvelope(feature.BlobID, env); err != nil {
		return err
	}
	metrics.EnvelopeFeaturesIndexedTotal.Inc()
	return nil
}
