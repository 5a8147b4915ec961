package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"airp/internal/api"
)

var serverURL string

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Commands that call the running server",
	Long: `API commands call the running airp server via HTTP.

These commands require a running server (airp serve). The session
cookie from login is kept under the airp home directory, so consecutive
commands stay logged in. Use --server for a non-default server URL.

Examples:
  airp api health                    # Check server health
  airp api login alice -p secret     # Log in and keep the session
  airp api novels list               # List your novels
  airp api run <novel-id>            # Start the full pipeline`,
}

// getClient builds the API client with the persisted CLI session.
func getClient() (*api.Client, error) {
	return api.NewClient(serverURL, cliSessionPath())
}

func cliSessionPath() string {
	base := homeDir
	if base == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		base = filepath.Join(userHome, ".airp")
	}
	return filepath.Join(base, "cli_session")
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check server health",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := getClient()
		if err != nil {
			return err
		}
		var result map[string]any
		if err := client.Get(cmd.Context(), "/health", &result); err != nil {
			return err
		}
		return api.Output(result)
	},
}

func init() {
	apiCmd.PersistentFlags().StringVarP(
		&serverURL, "server", "s", "http://127.0.0.1:8080", "server URL",
	)

	apiCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(apiCmd)
}
