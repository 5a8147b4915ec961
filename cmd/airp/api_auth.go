package main

import (
	"github.com/spf13/cobra"

	"airp/internal/api"
)

var authPassword string

var registerCmd = &cobra.Command{
	Use:   "register <username>",
	Short: "Register a new account and log in",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := getClient()
		if err != nil {
			return err
		}
		var result map[string]any
		err = client.Post(cmd.Context(), "/auth/register", map[string]string{
			"username": args[0],
			"password": authPassword,
		}, &result)
		if err != nil {
			return err
		}
		if err := client.SaveSession(); err != nil {
			return err
		}
		return api.Output(result)
	},
}

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Log in and keep the session for later commands",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := getClient()
		if err != nil {
			return err
		}
		var result map[string]any
		err = client.Post(cmd.Context(), "/auth/login", map[string]string{
			"username": args[0],
			"password": authPassword,
		}, &result)
		if err != nil {
			return err
		}
		if err := client.SaveSession(); err != nil {
			return err
		}
		return api.Output(result)
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Log out and drop the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := getClient()
		if err != nil {
			return err
		}
		var result map[string]any
		if err := client.Post(cmd.Context(), "/auth/logout", nil, &result); err != nil {
			return err
		}
		if err := client.ClearSession(); err != nil {
			return err
		}
		return api.Output(result)
	},
}

var meCmd = &cobra.Command{
	Use:   "me",
	Short: "Show the current session identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := getClient()
		if err != nil {
			return err
		}
		var result map[string]any
		if err := client.Get(cmd.Context(), "/auth/me", &result); err != nil {
			return err
		}
		return api.Output(result)
	},
}

var guestCmd = &cobra.Command{
	Use:   "guest",
	Short: "Start an anonymous guest session",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := getClient()
		if err != nil {
			return err
		}
		var result map[string]any
		if err := client.Post(cmd.Context(), "/auth/guest", nil, &result); err != nil {
			return err
		}
		if err := client.SaveSession(); err != nil {
			return err
		}
		return api.Output(result)
	},
}

func init() {
	registerCmd.Flags().StringVarP(&authPassword, "password", "p", "", "account password")
	loginCmd.Flags().StringVarP(&authPassword, "password", "p", "", "account password")

	apiCmd.AddCommand(registerCmd, loginCmd, logoutCmd, meCmd, guestCmd)
}
