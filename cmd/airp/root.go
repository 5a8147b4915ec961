package main

import (
	"github.com/spf13/cobra"

	"airp/internal/api"
	"airp/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "airp",
	Short: "Chinese novel ingestion pipeline and role-play retrieval server",
	Long: `airp ingests full-length Chinese novels into retrieval-ready artifacts
and serves grounded role-play queries over them.

The pipeline includes:
  - Chapter splitting on heading patterns
  - LLM-driven scene segmentation with coverage checks
  - Scene annotation (characters, locations, events, dialogue)
  - Embedding and vector indexing per novel
  - Character profile generation with alias dictionaries`,
	Version: version.GitRelease,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.airp/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "airp home directory (default: ~/.airp)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml or json",
	)

	// Set output format before any command runs
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		api.SetOutputFormat(outputFormat)
	}

	rootCmd.AddCommand(versionCmd)
}
