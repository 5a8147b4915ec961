package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"airp/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	Long: `Write a default config file with placeholder model keys.

The file lands at --config when given, otherwise at ~/.airp/config.yaml.
An existing file is never overwritten.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			userHome, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			path = filepath.Join(userHome, ".airp", "config.yaml")
		}

		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists: %s", path)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}

		fmt.Printf("Wrote %s\n", path)
		fmt.Println("Set llm.api_key and embedding.api_key before running the pipeline.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
