package config

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"time"
)

// encryptionKeyBytes is the required decoded key length (AES-256).
const encryptionKeyBytes = 32

// validate checks invariants the rest of the program relies on. It runs
// after all override layers are applied.
func (c *Config) validate() error {
	if c.Cloud.BaseURL != "" {
		if _, err := url.ParseRequestURI(c.Cloud.BaseURL); err != nil {
			return fmt.Errorf("config: invalid cloud.base_url: %w", err)
		}
	}

	if c.Cloud.NotifyURL != "" {
		u, err := url.ParseRequestURI(c.Cloud.NotifyURL)
		if err != nil {
			return fmt.Errorf("config: invalid cloud.notify_url: %w", err)
		}

		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("config: cloud.notify_url must be a ws:// or wss:// URL, got %q", u.Scheme)
		}
	}

	if c.Cloud.EncryptionKey != "" {
		key, err := hex.DecodeString(c.Cloud.EncryptionKey)
		if err != nil {
			return fmt.Errorf("config: cloud.encryption_key is not valid hex: %w", err)
		}

		if len(key) != encryptionKeyBytes {
			return fmt.Errorf("config: cloud.encryption_key must be %d bytes, got %d", encryptionKeyBytes, len(key))
		}
	}

	floor, err := c.BackoffFloor()
	if err != nil {
		return err
	}

	cap, err := c.BackoffCap()
	if err != nil {
		return err
	}

	if floor <= 0 {
		return fmt.Errorf("config: sync.backoff_floor must be positive, got %s", floor)
	}

	if cap < floor {
		return fmt.Errorf("config: sync.backoff_cap (%s) must not be below sync.backoff_floor (%s)", cap, floor)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}

	return nil
}

// BackoffFloor parses the configured backoff floor.
func (c *Config) BackoffFloor() (time.Duration, error) {
	d, err := time.ParseDuration(c.Sync.BackoffFloor)
	if err != nil {
		return 0, fmt.Errorf("config: invalid sync.backoff_floor: %w", err)
	}

	return d, nil
}

// BackoffCap parses the configured backoff cap.
func (c *Config) BackoffCap() (time.Duration, error) {
	d, err := time.ParseDuration(c.Sync.BackoffCap)
	if err != nil {
		return 0, fmt.Errorf("config: invalid sync.backoff_cap: %w", err)
	}

	return d, nil
}

// EncryptionKeyBytes returns the decoded AES key. Validation has already
// checked the format; this is the accessor the engine uses.
func (c *Config) EncryptionKeyBytes() ([]byte, error) {
	if c.Cloud.EncryptionKey == "" {
		return nil, fmt.Errorf("config: cloud.encryption_key is required for sync")
	}

	key, err := hex.DecodeString(c.Cloud.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("config: cloud.encryption_key is not valid hex: %w", err)
	}

	return key, nil
}
