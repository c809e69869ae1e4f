package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Environment variable overrides. Secrets belong in the environment, not
// the config file.
const (
	envToken         = "PAGESYNC_TOKEN"
	envEncryptionKey = "PAGESYNC_ENCRYPTION_KEY"
	envBaseURL       = "PAGESYNC_BASE_URL"
)

// DefaultPath returns the default config file location
// (~/.config/pagesync/config.toml, honoring XDG_CONFIG_HOME).
func DefaultPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: resolving user config dir: %w", err)
	}

	return filepath.Join(base, "pagesync", "config.toml"), nil
}

// DefaultDBPath returns the default commit graph database location
// (~/.local/state/pagesync/commits.db on Linux conventions, via the user
// cache fallback elsewhere).
func DefaultDBPath() (string, error) {
	if stateHome := os.Getenv("XDG_STATE_HOME"); stateHome != "" {
		return filepath.Join(stateHome, "pagesync", "commits.db"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolving home dir: %w", err)
	}

	return filepath.Join(home, ".local", "state", "pagesync", "commits.db"), nil
}

// Load reads the config file at path (the default location when path is
// empty), layers environment overrides, validates, and returns the result.
// A missing default-location file yields defaults + environment; a missing
// explicit file is an error.
func Load(path string) (*Config, error) {
	explicit := path != ""

	if !explicit {
		var err error
		if path, err = DefaultPath(); err != nil {
			return nil, err
		}
	}

	cfg := defaults()

	meta, err := toml.DecodeFile(path, &cfg)
	switch {
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		// Defaults + environment only.
	case err != nil:
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	default:
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config: unknown key %q in %s", undecoded[0].String(), path)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnv layers environment variables over file values.
func applyEnv(cfg *Config) {
	if v := os.Getenv(envToken); v != "" {
		cfg.Cloud.Token = v
	}

	if v := os.Getenv(envEncryptionKey); v != "" {
		cfg.Cloud.EncryptionKey = v
	}

	if v := os.Getenv(envBaseURL); v != "" {
		cfg.Cloud.BaseURL = v
	}
}
