package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"airp/internal/api"
)

var (
	rpSession  string
	rpUnlocked int
	rpContext  bool
)

var rpCmd = &cobra.Command{
	Use:   "rp",
	Short: "Role-play query commands",
}

var rpChatCmd = &cobra.Command{
	Use:   "chat <novel-id> <message>",
	Short: "Send a grounded role-play message",
	Long: `Send one role-play message against a processed novel.

The reply is grounded in retrieved scenes and character profiles and
ends with its citations. --unlocked caps retrieval at a chapter to
avoid spoilers. --context returns the retrieved evidence instead of
calling the model.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := getClient()
		if err != nil {
			return err
		}
		body := map[string]any{
			"novel_id":   args[0],
			"session_id": rpSession,
			"message":    args[1],
		}
		if rpUnlocked > 0 {
			body["unlocked_chapter"] = rpUnlocked
		}

		path := "/rp/respond"
		if rpContext {
			path = "/rp/query-context"
		}
		var result map[string]any
		if err := client.Post(cmd.Context(), path, body, &result); err != nil {
			return err
		}
		if reply, ok := result["assistant_reply"].(string); ok && !rpContext {
			fmt.Println(reply)
			return nil
		}
		return api.Output(result)
	},
}

var rpSessionCmd = &cobra.Command{
	Use:   "session <novel-id> <session-id>",
	Short: "Show role-play session state",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := getClient()
		if err != nil {
			return err
		}
		path := "/rp/session/" + url.PathEscape(args[1]) + "?novel_id=" + url.QueryEscape(args[0])
		var result map[string]any
		if err := client.Get(cmd.Context(), path, &result); err != nil {
			return err
		}
		return api.Output(result)
	},
}

func init() {
	rpChatCmd.Flags().StringVar(&rpSession, "session", "default", "session id")
	rpChatCmd.Flags().IntVar(&rpUnlocked, "unlocked", 0, "spoiler boundary chapter (0 = off)")
	rpChatCmd.Flags().BoolVar(&rpContext, "context", false, "return retrieved evidence only")

	rpCmd.AddCommand(rpChatCmd, rpSessionCmd)
	apiCmd.AddCommand(rpCmd)
}
