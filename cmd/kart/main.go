package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/koordinates/kart/pkg/kartlog"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kart",
	Short: "Kart - a distributed version control system for tabular and geospatial data",
	Long: `Kart versions tables and geospatial datasets the way Git versions files:
every commit is a snapshot of every dataset's schema and features, addressed
content-first in the same object store Git uses.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"kart version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("repo", ".", "Path to the repository")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(indexCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	kartlog.Init(kartlog.Config{
		Level:      kartlog.Level(logLevel),
		JSONOutput: logJSON,
	})
}
