// Package config implements TOML configuration loading, validation, and
// default resolution for pagesync. Overrides layer as
// defaults -> config file -> environment; CLI flags win last and are
// applied by the command layer.
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Cloud   CloudConfig   `toml:"cloud"`
	Sync    SyncConfig    `toml:"sync"`
	Logging LoggingConfig `toml:"logging"`
}

// CloudConfig describes the cloud store endpoint and credentials.
type CloudConfig struct {
	BaseURL string `toml:"base_url"`
	// NotifyURL is the websocket change-stream endpoint. Empty disables
	// the stream; the engine then only downloads on startup catch-up.
	NotifyURL string `toml:"notify_url"`
	// Token is the device bearer token. PAGESYNC_TOKEN overrides it so
	// the secret can stay out of the config file.
	Token string `toml:"token"`
	// EncryptionKey is the hex-encoded 32-byte AES-256 key sealing batch
	// payloads. The cloud store never sees plaintext commits.
	EncryptionKey string `toml:"encryption_key"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	// DBPath locates the commit graph database. Empty uses the platform
	// default under the user state directory.
	DBPath string `toml:"db_path"`
	// BackoffFloor and BackoffCap bound the retry delay escalation for
	// temporary failures, as Go durations ("1s", "2m").
	BackoffFloor string `toml:"backoff_floor"`
	BackoffCap   string `toml:"backoff_cap"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level"`
}
