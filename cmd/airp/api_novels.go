package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"airp/internal/api"
)

var novelsCmd = &cobra.Command{
	Use:   "novels",
	Short: "Novel management commands",
}

var novelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your novels",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := getClient()
		if err != nil {
			return err
		}
		var result map[string]any
		if err := client.Get(cmd.Context(), "/novels", &result); err != nil {
			return err
		}
		return api.Output(result)
	},
}

var novelsCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a novel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := getClient()
		if err != nil {
			return err
		}
		var result map[string]any
		if err := client.Post(cmd.Context(), "/novels", map[string]string{"title": args[0]}, &result); err != nil {
			return err
		}
		return api.Output(result)
	},
}

var novelsGetCmd = &cobra.Command{
	Use:   "get <novel-id>",
	Short: "Show one novel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := getClient()
		if err != nil {
			return err
		}
		var result map[string]any
		if err := client.Get(cmd.Context(), "/novels/"+args[0], &result); err != nil {
			return err
		}
		return api.Output(result)
	},
}

var novelsVisibility string

var novelsPublishCmd = &cobra.Command{
	Use:   "publish <novel-id>",
	Short: "Set a novel's visibility",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := getClient()
		if err != nil {
			return err
		}
		var result map[string]any
		err = client.Patch(cmd.Context(), "/novels/"+args[0],
			map[string]string{"visibility": novelsVisibility}, &result)
		if err != nil {
			return err
		}
		return api.Output(result)
	},
}

var novelsDeleteCmd = &cobra.Command{
	Use:   "delete <novel-id>",
	Short: "Delete a novel and its artifacts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := getClient()
		if err != nil {
			return err
		}
		var result map[string]any
		if err := client.Delete(cmd.Context(), "/novels/"+args[0], &result); err != nil {
			return err
		}
		return api.Output(result)
	},
}

var novelsUploadCmd = &cobra.Command{
	Use:   "upload <novel-id> <file.txt>",
	Short: "Upload a novel source file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := getClient()
		if err != nil {
			return err
		}
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer f.Close()

		var result map[string]any
		err = client.Upload(cmd.Context(), "/novels/"+args[0]+"/upload",
			filepath.Base(args[1]), f, &result)
		if err != nil {
			return err
		}
		return api.Output(result)
	},
}

var publicCmd = &cobra.Command{
	Use:   "public",
	Short: "List public novels",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := getClient()
		if err != nil {
			return err
		}
		var result map[string]any
		if err := client.Get(cmd.Context(), "/public/novels", &result); err != nil {
			return err
		}
		return api.Output(result)
	},
}

func init() {
	novelsPublishCmd.Flags().StringVar(&novelsVisibility, "visibility", "public", "public or private")

	novelsCmd.AddCommand(novelsListCmd, novelsCreateCmd, novelsGetCmd,
		novelsPublishCmd, novelsDeleteCmd, novelsUploadCmd)
	apiCmd.AddCommand(novelsCmd, publicCmd)
}
