package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initUserID   string
	initUsername string
	initBaseURL  string
)

func init() {
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "Id of the account the token belongs to")
	initCmd.Flags().StringVar(&initUsername, "username", "", "Username of the account")
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "Backend base URL")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the session token in ~/.chatsync/config.toml",
	Long:  "Initialize chatsync by storing your session token and identity in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		if initUserID != "" {
			cfg.Auth.UserID = initUserID
		}
		if initUsername != "" {
			cfg.Auth.Username = initUsername
		}
		if initBaseURL != "" {
			cfg.Server.BaseURL = initBaseURL
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		if cfg.Auth.UserID == "" {
			fmt.Println("No user id set; sending needs one: chatsync config set auth.user_id <id>")
		}
		return nil
	},
}
