package chatsync

import (
	"fmt"
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	DefaultBaseURL           = "http://localhost:8000"
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultRequestTimeout    = 15 * time.Second
	DefaultUploadTimeout     = 2 * time.Minute
	DefaultResolveTimeout    = 3 * time.Second
	DefaultOpenAttempts      = 3
)

// Duration is a time.Duration that reads and writes as "30s" in TOML.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds everything one session needs. It round-trips through TOML.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Auth     AuthConfig     `toml:"auth"`
	Realtime RealtimeConfig `toml:"realtime"`
	Timeouts TimeoutConfig  `toml:"timeouts"`
}

// ServerConfig locates the backend.
type ServerConfig struct {
	BaseURL string `toml:"base_url"`
}

// AuthConfig holds the per-session credential and identity.
type AuthConfig struct {
	Token    string `toml:"token"`
	UserID   string `toml:"user_id"`
	Username string `toml:"username"`
}

// RealtimeConfig configures live channels.
type RealtimeConfig struct {
	HeartbeatInterval  Duration `toml:"heartbeat_interval"`
	OpenAttempts       int      `toml:"open_attempts"`
	ReconnectBaseDelay Duration `toml:"reconnect_base_delay"`
	ReconnectMaxDelay  Duration `toml:"reconnect_max_delay"`
}

// TimeoutConfig bounds non-realtime calls.
type TimeoutConfig struct {
	Request Duration `toml:"request"`
	Upload  Duration `toml:"upload"`
	Resolve Duration `toml:"resolve"`
}

func (c *Config) defaults() {
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = DefaultBaseURL
	}
	if c.Realtime.HeartbeatInterval == 0 {
		c.Realtime.HeartbeatInterval = Duration(DefaultHeartbeatInterval)
	}
	if c.Realtime.OpenAttempts == 0 {
		c.Realtime.OpenAttempts = DefaultOpenAttempts
	}
	if c.Realtime.ReconnectBaseDelay == 0 {
		c.Realtime.ReconnectBaseDelay = Duration(time.Second)
	}
	if c.Realtime.ReconnectMaxDelay == 0 {
		c.Realtime.ReconnectMaxDelay = Duration(30 * time.Second)
	}
	if c.Timeouts.Request == 0 {
		c.Timeouts.Request = Duration(DefaultRequestTimeout)
	}
	if c.Timeouts.Upload == 0 {
		c.Timeouts.Upload = Duration(DefaultUploadTimeout)
	}
	if c.Timeouts.Resolve == 0 {
		c.Timeouts.Resolve = Duration(DefaultResolveTimeout)
	}
}

// WithDefaults returns a copy of c with zero values filled in.
func (c Config) WithDefaults() Config {
	c.defaults()
	return c
}

// LoadConfig reads a TOML config file. A missing file yields the defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg.WithDefaults(), nil
		}
		return cfg, fmt.Errorf("cannot read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("cannot parse config: %w", err)
	}
	return cfg.WithDefaults(), nil
}

// SaveConfig writes cfg to path as TOML, readable only by the owner.
func SaveConfig(path string, cfg Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}
