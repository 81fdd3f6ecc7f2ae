package config

import "time"

// Default values applied when the config file omits a setting.
const (
	DefaultPort            = 2121
	DefaultShutdownTimeout = 30 * time.Second
	DefaultGraceWindow     = 100 * time.Millisecond
	DefaultStorageRoot     = "server_storage"
	DefaultCredentials     = "cubby_users"
	DefaultMetricsPort     = 9190
)

// GetDefaultConfig returns a fully populated default configuration.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills in zero-valued fields with defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Server.GraceWindow == 0 {
		cfg.Server.GraceWindow = DefaultGraceWindow
	}
	if cfg.Server.StorageRoot == "" {
		cfg.Server.StorageRoot = DefaultStorageRoot
	}
	if cfg.Server.CredentialsFile == "" {
		cfg.Server.CredentialsFile = DefaultCredentials
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = DefaultMetricsPort
	}
}
