package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/koordinates/kart/pkg/objectstore"
	"github.com/koordinates/kart/pkg/patch"
)

var applyCmd = &cobra.Command{
	Use:   "apply PATCHFILE",
	Short: "Apply a patch document to the repository",
	Long: `Apply a kart.patch/v1 document, verifying every feature and meta-item
precondition against the target branch's current tree, and land the result
as a new commit.

Examples:
  # Apply a patch and commit it onto main
  kart apply changes.patch.json

  # Check whether a patch would apply without writing a commit
  kart apply --no-commit --allow-missing-old-values changes.patch.json`,
	Args: cobra.ExactArgs(1),
	RunE: runApply,
}

func init() {
	applyCmd.Flags().String("branch", "main", "Branch to apply onto and advance")
	applyCmd.Flags().Bool("no-commit", false, "Verify and stage the patch without writing a commit")
	applyCmd.Flags().Bool("allow-missing-old-values", false, "Relax precondition checks when a delta's old value can't be found in the base tree")
}

func runApply(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading patch file: %w", err)
	}
	doc, err := patch.ParseDocument(data)
	if err != nil {
		return fmt.Errorf("parsing patch document: %w", err)
	}

	store, err := openStore(cmd)
	if err != nil {
		return err
	}

	if doc.AuthorName == "" || doc.AuthorEmail == "" {
		if settings, err := loadSettingsForRepo(cmd); err == nil {
			if doc.AuthorName == "" {
				doc.AuthorName = settings.Author.Name
			}
			if doc.AuthorEmail == "" {
				doc.AuthorEmail = settings.Author.Email
			}
		}
	}

	branch, _ := cmd.Flags().GetString("branch")
	noCommit, _ := cmd.Flags().GetBool("no-commit")
	allowMissing, _ := cmd.Flags().GetBool("allow-missing-old-values")

	var baseRoot objectstore.Identifier
	var parents []objectstore.Identifier
	if headCommit, err := store.ResolveRef(branch); err == nil {
		commit, err := store.GetCommit(headCommit)
		if err != nil {
			return fmt.Errorf("reading %s HEAD commit: %w", branch, err)
		}
		baseRoot = commit.Tree
		parents = []objectstore.Identifier{headCommit}
	}

	opts := patch.Options{
		AllowMissingOldValues: allowMissing,
		NoCommit:              noCommit,
	}

	if noCommit {
		tree, err := patch.Apply(store, baseRoot, doc, opts)
		if err != nil {
			return fmt.Errorf("patch does not apply: %w", err)
		}
		fmt.Printf("Patch verified, staged tree %s\n", tree)
		return nil
	}

	tree, commitID, err := patch.ApplyAndCommit(store, baseRoot, parents, doc, opts)
	if err != nil {
		return fmt.Errorf("patch does not apply: %w", err)
	}
	if err := store.SetBranchHead(branch, commitID); err != nil {
		return fmt.Errorf("advancing %s: %w", branch, err)
	}
	fmt.Printf("Applied patch to %s\n  tree   %s\n  commit %s\n", branch, tree, commitID)
	return nil
}
