package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/koordinates/kart/pkg/diff"
)

var diffCmd = &cobra.Command{
	Use:   "diff [OLD] [NEW]",
	Short: "Show dataset and feature changes between two commits",
	Long: `Show the per-dataset meta-item and feature changes between two commits.

Examples:
  # Changes in the working branch since its parent
  kart diff HEAD~1 HEAD

  # Changes introduced by the very first commit
  kart diff "" HEAD`,
	Args: cobra.MaximumNArgs(2),
	RunE: runDiff,
}

func init() {
	diffCmd.Flags().Bool("summary", false, "Print only per-dataset insert/update/delete counts")
}

func runDiff(cmd *cobra.Command, args []string) error {
	oldRef, newRef := "HEAD~1", "HEAD"
	if len(args) > 0 {
		oldRef = args[0]
	}
	if len(args) > 1 {
		newRef = args[1]
	}

	store, err := openStore(cmd)
	if err != nil {
		return err
	}

	oldTree, err := resolveTreeArg(store, oldRef)
	if err != nil {
		return err
	}
	newTree, err := resolveTreeArg(store, newRef)
	if err != nil {
		return err
	}

	repoDiff, err := diff.DiffRepo(store, oldTree, newTree)
	if err != nil {
		return fmt.Errorf("computing diff: %w", err)
	}

	if len(repoDiff) == 0 {
		fmt.Println("No changes")
		return nil
	}

	summaryOnly, _ := cmd.Flags().GetBool("summary")
	paths := make([]string, 0, len(repoDiff))
	for path := range repoDiff {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		d := repoDiff[path]
		fmt.Printf("%s\n", path)
		printSection("  meta", d.Meta, summaryOnly)
		printSection("  feature", d.Feature, summaryOnly)
	}
	return nil
}

func printSection(label string, s diff.Section, summaryOnly bool) {
	if len(s.Deltas) == 0 {
		return
	}
	counts := s.TypeCounts()
	fmt.Printf("%s: %d inserts, %d updates, %d deletes\n", label, counts["inserts"], counts["updates"], counts["deletes"])
	if summaryOnly {
		return
	}
	for _, delta := range s.Deltas {
		switch delta.Type {
		case diff.Insert:
			fmt.Printf("%s   + %v\n", label, delta.NewKey)
		case diff.Delete:
			fmt.Printf("%s   - %v\n", label, delta.OldKey)
		case diff.Update:
			fmt.Printf("%s   ~ %v -> %v\n", label, delta.OldKey, delta.NewKey)
		}
	}
}
