package main

import (
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/koordinates/kart/pkg/envelope"
	"github.com/koordinates/kart/pkg/kartlog"
	"github.com/koordinates/kart/pkg/metrics"
	"github.com/koordinates/kart/pkg/objectstore"
	"github.com/koordinates/kart/pkg/spatialfilter"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage the spatial envelope index",
}

var indexBuildCmd = &cobra.Command{
	Use:   "build [COMMIT...]",
	Short: "Build or extend the envelope index up to the given commits",
	Long: `Build the envelope index per the incremental algorithm: each given
commit streams its features into the index's feature_envelopes table,
skipping any feature blob already seen under the same dataset path in a
--since commit.

Examples:
  # Full index of the current branch tip
  kart index build HEAD

  # Extend a previous index, skipping features already indexed at v1.0
  kart index build HEAD --since v1.0`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIndexBuild,
}

func init() {
	indexCmd.AddCommand(indexBuildCmd)
	indexBuildCmd.Flags().String("index-path", "", "Path to the envelope index sqlite file (default: <repo>/.kart/envelope.db)")
	indexBuildCmd.Flags().StringSlice("since", nil, "Commits already indexed; only features new since these are streamed")
	indexBuildCmd.Flags().String("metrics-addr", "", "If set, serve Prometheus metrics on this address for the duration of the build (e.g. 127.0.0.1:9090)")
}

func runIndexBuild(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}

	starts, err := resolveRefs(store, args)
	if err != nil {
		return err
	}
	sinceRefs, _ := cmd.Flags().GetStringSlice("since")
	stop, err := resolveRefs(store, sinceRefs)
	if err != nil {
		return err
	}

	indexPath, _ := cmd.Flags().GetString("index-path")
	if indexPath == "" {
		repoPath, _ := cmd.Flags().GetString("repo")
		indexPath = filepath.Join(repoPath, ".kart", "envelope.db")
	}
	index, err := envelope.OpenStore(indexPath, envelope.DefaultBitsPerValue)
	if err != nil {
		return fmt.Errorf("opening envelope index: %w", err)
	}
	defer index.Close()

	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			kartlog.Logger.Info().Str("addr", addr).Msg("serving metrics")
			if err := http.ListenAndServe(addr, mux); err != nil {
				kartlog.Logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	builder := envelope.NewBuilder(index, newRepoFeatureSource(store))

	// Every dataset's feature geometry is assumed already expressed in its
	// target CRS; a real CRS-reprojection pipeline would resolve this from
	// pkg/spatialfilter against the dataset's declared CRS definitions
	// (see pkg/patch.Options.ResolveTransform's doc for why no geodesy
	// library lives in this module).
	identityTransforms := func(crs string) ([]spatialfilter.Transform, error) {
		return []spatialfilter.Transform{spatialfilter.IdentityTransform{}}, nil
	}

	if err := builder.Build(store, starts, stop, identityTransforms, nil); err != nil {
		return fmt.Errorf("building envelope index: %w", err)
	}

	fmt.Printf("Envelope index updated: %s\n", indexPath)
	return nil
}

func resolveRefs(store *objectstore.Store, refs []string) ([]objectstore.Identifier, error) {
	ids := make([]objectstore.Identifier, 0, len(refs))
	for _, ref := range refs {
		id, err := store.ResolveRef(ref)
		if err != nil {
			return nil, fmt.Errorf("resolving %q: %w", ref, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
