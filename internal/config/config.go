package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the application configuration. Every field can be
// overridden from the command line; the file is for installations that
// sync the same set of players every time.
type Config struct {
	Master        string   `toml:"master"`         // leader endpoint, HOST[:PORT]
	Slaves        []string `toml:"slaves"`         // follower endpoints, HOST[:PORT][/LATENCY]
	Password      string   `toml:"password"`       // applied to leader and followers
	LatencyAdjust bool     `toml:"latency_adjust"` // run the drift controller
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{}
}

// GetConfigPath returns the path to the configuration file.
func GetConfigPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "mpdsync", "config.toml"), nil
}

// Load loads configuration from the given path, or from the default
// location when path is empty. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		var err error
		if path, err = GetConfigPath(); err != nil {
			return nil, err
		}
	}

	config := DefaultConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config, nil
	}
	if _, err := toml.DecodeFile(path, config); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks if the configuration is complete enough to run.
func (c *Config) Validate() error {
	if c.Master == "" {
		return &ValidationError{Field: "master", Message: "a leader server is required (-m)"}
	}
	if len(c.Slaves) == 0 {
		return &ValidationError{Field: "slaves", Message: "at least one follower server is required (-s)"}
	}
	return nil
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
