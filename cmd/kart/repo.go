package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/koordinates/kart/pkg/config"
	"github.com/koordinates/kart/pkg/objectstore"
)

// openStore opens the repository named by the --repo persistent flag,
// attaching a durable promised-object cache from .kart/promised.db so a
// partial clone's Promised/NotFound distinction survives across runs.
func openStore(cmd *cobra.Command) (*objectstore.Store, error) {
	path, _ := cmd.Flags().GetString("repo")
	store, err := objectstore.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening repository at %s: %w", path, err)
	}

	kartDir := filepath.Join(path, ".kart")
	if err := os.MkdirAll(kartDir, 0o755); err == nil {
		if cache, err := objectstore.OpenPromisedCache(filepath.Join(kartDir, "promised.db")); err == nil {
			store.UsePromisedCache(cache)
		}
	}
	return store, nil
}

// resolveTreeArg resolves a commit-ish CLI argument to its tree Identifier.
// An empty string resolves the zero tree (used as the "before" side of an
// initial commit).
func resolveTreeArg(store *objectstore.Store, ref string) (objectstore.Identifier, error) {
	if ref == "" {
		return objectstore.ZeroIdentifier, nil
	}
	commitID, err := store.ResolveRef(ref)
	if err != nil {
		return objectstore.Identifier{}, fmt.Errorf("resolving %q: %w", ref, err)
	}
	commit, err := store.GetCommit(commitID)
	if err != nil {
		return objectstore.Identifier{}, fmt.Errorf("reading commit %s: %w", commitID, err)
	}
	return commit.Tree, nil
}

// loadSettingsForRepo reads the local CLI settings overlay (author identity,
// spatial filter defaults) from .kart/settings.yml under the repo path, if
// present.
func loadSettingsForRepo(cmd *cobra.Command) (config.Settings, error) {
	path, _ := cmd.Flags().GetString("repo")
	return config.LoadSettings(filepath.Join(path, ".kart", "settings.yml"))
}
