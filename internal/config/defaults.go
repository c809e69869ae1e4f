package config

import "time"

// Default values applied before the config file and environment are read.
const (
	DefaultBackoffFloor = 1 * time.Second
	DefaultBackoffCap   = 60 * time.Second
	DefaultLogLevel     = "info"
)

// defaults returns a Config populated with default values.
func defaults() Config {
	return Config{
		Sync: SyncConfig{
			BackoffFloor: DefaultBackoffFloor.String(),
			BackoffCap:   DefaultBackoffCap.String(),
		},
		Logging: LoggingConfig{
			Level: DefaultLogLevel,
		},
	}
}
