// Package config loads the daemon configuration from a TOML file and derives
// the on-disk paths used by the store, log and lock.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the syncboxd config.toml.
type Config struct {
	// DataDir holds the SQLite store, log file and lock. Defaults to
	// ~/.syncbox when empty.
	DataDir string `toml:"data_dir"`
	// Actor is the identity of the local user; it is stamped on outgoing
	// mutations and excluded from presence observations.
	Actor string `toml:"actor"`
	// RemoteURL is the websocket endpoint of the remote store. Empty selects
	// the in-process remote, useful for development and tests.
	RemoteURL string `toml:"remote_url"`

	Backoff  Backoff  `toml:"backoff"`
	Presence Presence `toml:"presence"`
}

// Backoff tunes outbox retry scheduling.
type Backoff struct {
	BaseMS      int `toml:"base_ms"`
	MaxMS       int `toml:"max_ms"`
	MaxAttempts int `toml:"max_attempts"`
}

// Presence tunes the ephemeral presence channel.
type Presence struct {
	ThrottleMS int `toml:"throttle_ms"`
	IdleMS     int `toml:"idle_ms"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DataDir: filepath.Join(home, ".syncbox"),
		Backoff: Backoff{
			BaseMS:      1000,
			MaxMS:       30000,
			MaxAttempts: 5,
		},
		Presence: Presence{
			ThrottleMS: 2000,
			IdleMS:     6000,
		},
	}
}

// Load reads config from the given path, filling unset fields with defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if cfg.Backoff.BaseMS <= 0 {
		cfg.Backoff.BaseMS = 1000
	}
	if cfg.Backoff.MaxMS <= 0 {
		cfg.Backoff.MaxMS = 30000
	}
	if cfg.Backoff.MaxAttempts <= 0 {
		cfg.Backoff.MaxAttempts = 5
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// DBPath returns the SQLite database path.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "syncbox.db")
}

// LogPath returns the daemon log file path.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "syncboxd.log")
}

// BackoffBase returns the retry backoff base as a duration.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.Backoff.BaseMS) * time.Millisecond
}

// BackoffMax returns the retry backoff ceiling as a duration.
func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.Backoff.MaxMS) * time.Millisecond
}

// PresenceThrottle returns the minimum interval between presence writes.
func (c *Config) PresenceThrottle() time.Duration {
	return time.Duration(c.Presence.ThrottleMS) * time.Millisecond
}

// PresenceIdle returns the inactivity window after which presence clears.
func (c *Config) PresenceIdle() time.Duration {
	return time.Duration(c.Presence.IdleMS) * time.Millisecond
}
