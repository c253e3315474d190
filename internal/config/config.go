// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for cloudupload-go. It supports a
// four-layer override chain (defaults -> config file -> environment -> CLI
// flags). Durations and sizes are kept as strings in the file and parsed by
// accessor methods after validation has accepted them.
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	DataDir  string         `toml:"data_dir"`
	Server   ServerConfig   `toml:"server"`
	Provider ProviderConfig `toml:"provider"`
	Media    MediaConfig    `toml:"media"`
	Upload   UploadConfig   `toml:"upload"`
	Agent    AgentConfig    `toml:"agent"`
	Logging  LoggingConfig  `toml:"logging"`
}

// ServerConfig controls the loopback control surface used by the companion UI.
type ServerConfig struct {
	ListenAddr         string  `toml:"listen_addr"`
	RequestRate        float64 `toml:"request_rate"`
	RequestBurst       int     `toml:"request_burst"`
	BridgeTimeout      string  `toml:"bridge_timeout"`
	StatusPushInterval string  `toml:"status_push_interval"`
}

// ProviderConfig selects the cloud photo provider and carries its OAuth
// client registration. client_secret is usually supplied through the
// environment rather than written to disk.
type ProviderConfig struct {
	Type            string `toml:"type"`
	ClientID        string `toml:"client_id"`
	ClientSecret    string `toml:"client_secret"`
	MetadataTimeout string `toml:"metadata_timeout"`
}

// MediaConfig controls which local files are upload candidates.
type MediaConfig struct {
	Roots       []string `toml:"roots"`
	Extensions  []string `toml:"extensions"`
	MaxFileSize string   `toml:"max_file_size"`
}

// UploadConfig holds the upload session retry and timing policy.
type UploadConfig struct {
	TransferTimeout string `toml:"transfer_timeout"`
	RetryBackoff    string `toml:"retry_backoff"`
	CompletionHold  string `toml:"completion_hold"`
	RefreshAttempts int    `toml:"refresh_attempts"`
}

// AgentConfig controls the background workers of the serve command.
type AgentConfig struct {
	SettingsPollInterval string `toml:"settings_poll_interval"`
	ShutdownGrace        string `toml:"shutdown_grace"`
	WatchConfig          bool   `toml:"watch_config"`
}

// LoggingConfig controls log output behavior: level, format, and file.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFile   string `toml:"log_file"`
	LogFormat string `toml:"log_format"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to the zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	DataDir    *string // --data-dir flag
	ListenAddr *string // --listen flag
}

// BridgeTimeoutDuration is the bound on how long a control request waits for an
// asynchronous operation to report back.
func (s *ServerConfig) BridgeTimeoutDuration() time.Duration {
	return durationOr(s.BridgeTimeout, defaultBridgeTimeoutDuration)
}

// StatusPushIntervalDuration is the cadence of websocket status frames.
func (s *ServerConfig) StatusPushIntervalDuration() time.Duration {
	return durationOr(s.StatusPushInterval, time.Second)
}

// MetadataTimeoutDuration is the per-request ceiling for small provider calls.
func (p *ProviderConfig) MetadataTimeoutDuration() time.Duration {
	return durationOr(p.MetadataTimeout, defaultMetadataTimeoutDuration)
}

// MaxFileSizeBytes returns the parsed size limit; 0 means unlimited.
func (m *MediaConfig) MaxFileSizeBytes() int64 {
	n, err := ParseSize(m.MaxFileSize)
	if err != nil {
		return 0
	}

	return n
}

// TransferTimeoutDuration is the ceiling for a single asset upload request.
func (u *UploadConfig) TransferTimeoutDuration() time.Duration {
	return durationOr(u.TransferTimeout, defaultTransferTimeoutDuration)
}

// RetryBackoffDuration is the fixed wait between attempts on the same item.
func (u *UploadConfig) RetryBackoffDuration() time.Duration {
	return durationOr(u.RetryBackoff, defaultRetryBackoffDuration)
}

// CompletionHoldDuration is how long a finished session stays visible.
func (u *UploadConfig) CompletionHoldDuration() time.Duration {
	return durationOr(u.CompletionHold, defaultCompletionHoldDuration)
}

// SettingsPollIntervalDuration is the settings refresher tick.
func (a *AgentConfig) SettingsPollIntervalDuration() time.Duration {
	return durationOr(a.SettingsPollInterval, time.Second)
}

// ShutdownGraceDuration is the delay between the inactivity timer firing
// and the shutdown request.
func (a *AgentConfig) ShutdownGraceDuration() time.Duration {
	return durationOr(a.ShutdownGrace, defaultShutdownGraceDuration)
}

// durationOr parses s, returning fallback for empty or unparseable values.
// Validate rejects unparseable values before they reach here.
func durationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}

	return d
}
