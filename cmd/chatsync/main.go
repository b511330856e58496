package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Prismer-AI/Prismer/sdk/chatsync"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	flagConfig  string
	flagVerbose bool
)

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the config file named by --config, or the default one.
func configPath() (string, error) {
	if flagConfig != "" {
		return flagConfig, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

func loadConfig() (chatsync.Config, error) {
	path, err := configPath()
	if err != nil {
		return chatsync.Config{}, err
	}
	return chatsync.LoadConfig(path)
}

func saveConfig(cfg chatsync.Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	return chatsync.SaveConfig(path, cfg)
}

// setConfigValue sets a config field using dot notation (e.g. "auth.token").
func setConfigValue(cfg *chatsync.Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return fmt.Errorf("key must use dot notation: section.field (e.g. server.base_url)")
	}

	duration := func(dst *chatsync.Duration) error {
		return dst.UnmarshalText([]byte(value))
	}

	switch section {
	case "server":
		switch field {
		case "base_url":
			cfg.Server.BaseURL = value
		default:
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "username":
			cfg.Auth.Username = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "realtime":
		switch field {
		case "heartbeat_interval":
			return duration(&cfg.Realtime.HeartbeatInterval)
		case "open_attempts":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return fmt.Errorf("open_attempts must be a positive integer")
			}
			cfg.Realtime.OpenAttempts = n
		case "reconnect_base_delay":
			return duration(&cfg.Realtime.ReconnectBaseDelay)
		case "reconnect_max_delay":
			return duration(&cfg.Realtime.ReconnectMaxDelay)
		default:
			return fmt.Errorf("unknown field %q in section [realtime]", field)
		}
	case "timeouts":
		switch field {
		case "request":
			return duration(&cfg.Timeouts.Request)
		case "upload":
			return duration(&cfg.Timeouts.Upload)
		case "resolve":
			return duration(&cfg.Timeouts.Resolve)
		default:
			return fmt.Errorf("unknown field %q in section [timeouts]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: server, auth, realtime, timeouts)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Chat sync CLI",
	Long:  "Command-line client for the chat backend.\nList conversations, read and send messages, and follow live channels.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.TimeOnly})
		if flagVerbose {
			logrus.SetLevel(logrus.DebugLevel)
		} else {
			logrus.SetLevel(logrus.WarnLevel)
		}
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (default ~/.chatsync/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Log debug output to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
