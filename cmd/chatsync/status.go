package main

import (
	"context"
	"fmt"
	"time"

	"github.com/Prismer-AI/Prismer/sdk/chatsync"
	"github.com/spf13/cobra"
)

var statusLive bool

func init() {
	statusCmd.Flags().BoolVar(&statusLive, "live", false, "Also try opening the live channels")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and token status",
	Long:  "Display the current configuration and check whether the session token has expired.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", cfg.Server.BaseURL)
		fmt.Printf("  Heartbeat: %s\n", cfg.Realtime.HeartbeatInterval.Std())
		fmt.Printf("  Timeouts:  request %s, upload %s, resolve %s\n",
			cfg.Timeouts.Request.Std(), cfg.Timeouts.Upload.Std(), cfg.Timeouts.Resolve.Std())

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  Username:  %s\n", valueOrDefault(cfg.Auth.Username, "(not set)"))
		fmt.Printf("  User ID:   %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))

		tokenStatus := "none"
		if cfg.Auth.Token != "" {
			if exp, ok := chatsync.TokenExpiry(cfg.Auth.Token); ok {
				if time.Now().Before(exp) {
					tokenStatus = fmt.Sprintf("valid (expires %s)", exp.Format(time.RFC3339))
				} else {
					tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", exp.Format(time.RFC3339))
				}
			} else {
				tokenStatus = "present (no expiry claim)"
			}
			tokenStatus = maskKey(cfg.Auth.Token) + " " + tokenStatus
		}
		fmt.Printf("  Token:     %s\n", tokenStatus)

		if !statusLive || cfg.Auth.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Start(ctx); err != nil {
			fmt.Printf("  Channels:  %v\n", err)
			return nil
		}
		for _, kind := range []chatsync.ChannelKind{chatsync.ChannelPrivate, chatsync.ChannelNotifications} {
			fmt.Printf("  %-13s %s\n", kind+":", s.Manager().State(kind))
		}
		return nil
	},
}

// maskKey shows the first 8 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
