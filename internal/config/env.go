package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig       = "CLOUDUPLOAD_CONFIG"
	EnvDataDir      = "CLOUDUPLOAD_DATA_DIR"
	EnvClientID     = "CLOUDUPLOAD_CLIENT_ID"
	EnvClientSecret = "CLOUDUPLOAD_CLIENT_SECRET" //nolint:gosec // G101: env var name, not a credential
	EnvListen       = "CLOUDUPLOAD_LISTEN"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath   string // CLOUDUPLOAD_CONFIG: override config file path
	DataDir      string // CLOUDUPLOAD_DATA_DIR: database and PID file location
	ClientID     string // CLOUDUPLOAD_CLIENT_ID: OAuth client ID
	ClientSecret string // CLOUDUPLOAD_CLIENT_SECRET: OAuth client secret
	ListenAddr   string // CLOUDUPLOAD_LISTEN: control server address
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:   os.Getenv(EnvConfig),
		DataDir:      os.Getenv(EnvDataDir),
		ClientID:     os.Getenv(EnvClientID),
		ClientSecret: os.Getenv(EnvClientSecret),
		ListenAddr:   os.Getenv(EnvListen),
	}
}
