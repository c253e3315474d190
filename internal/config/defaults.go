package config

import "time"

// Default values for configuration options. These represent "layer 0" of
// the override chain and match the behavior of the camera-side agent this
// tool replaces: a loopback server on port 8888, 60s upload ceiling, 30s
// retry backoff, and a ~3s hold on the completed state.
const (
	defaultListenAddr         = "127.0.0.1:8888"
	defaultRequestRate        = 10.0
	defaultRequestBurst       = 20
	defaultBridgeTimeout      = "30s"
	defaultStatusPushInterval = "1s"
	defaultProviderType       = "google_photos"
	defaultMetadataTimeout    = "10s"
	defaultMaxFileSize        = "200MB"
	defaultTransferTimeout    = "60s"
	defaultRetryBackoff       = "30s"
	defaultCompletionHold     = "3200ms"
	defaultRefreshAttempts    = 3
	defaultSettingsPoll       = "1s"
	defaultShutdownGrace      = "2s"
	defaultLogLevel           = "info"
	defaultLogFormat          = "auto"
)

// Parsed forms of the duration defaults, used when a field is left empty.
const (
	defaultBridgeTimeoutDuration   = 30 * time.Second
	defaultMetadataTimeoutDuration = 10 * time.Second
	defaultTransferTimeoutDuration = 60 * time.Second
	defaultRetryBackoffDuration    = 30 * time.Second
	defaultCompletionHoldDuration  = 3200 * time.Millisecond
	defaultShutdownGraceDuration   = 2 * time.Second
)

// defaultExtensions are the image suffixes accepted by the media source.
var defaultExtensions = []string{".jpg", ".jpeg"}

// defaultMediaRoots are relative to the user's home directory.
var defaultMediaRoots = []string{"~/DCIM", "~/Pictures"}

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding so unset fields retain defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:         defaultListenAddr,
			RequestRate:        defaultRequestRate,
			RequestBurst:       defaultRequestBurst,
			BridgeTimeout:      defaultBridgeTimeout,
			StatusPushInterval: defaultStatusPushInterval,
		},
		Provider: ProviderConfig{
			Type:            defaultProviderType,
			MetadataTimeout: defaultMetadataTimeout,
		},
		Media: MediaConfig{
			Roots:       append([]string(nil), defaultMediaRoots...),
			Extensions:  append([]string(nil), defaultExtensions...),
			MaxFileSize: defaultMaxFileSize,
		},
		Upload: UploadConfig{
			TransferTimeout: defaultTransferTimeout,
			RetryBackoff:    defaultRetryBackoff,
			CompletionHold:  defaultCompletionHold,
			RefreshAttempts: defaultRefreshAttempts,
		},
		Agent: AgentConfig{
			SettingsPollInterval: defaultSettingsPoll,
			ShutdownGrace:        defaultShutdownGrace,
			WatchConfig:          true,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
	}
}
