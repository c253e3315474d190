package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Platform identifiers.
const (
	platformLinux  = "linux"
	platformDarwin = "darwin"
)

// Application directory name used across all platforms.
const appName = "cloudupload-go"

// File names inside the config and data directories.
const (
	configFileName   = "config.toml"
	databaseFileName = "cloudupload.db"
	pidFileName      = "agent.pid"
)

// DefaultConfigDir returns the platform-specific directory for config files.
// On Linux, respects XDG_CONFIG_HOME (defaults to ~/.config/cloudupload-go).
// On macOS, uses ~/Library/Application Support/cloudupload-go.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return xdgDir("XDG_CONFIG_HOME", home, ".config")
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".config", appName)
	}
}

// DefaultDataDir returns the platform-specific directory for the database
// and PID file. On Linux, respects XDG_DATA_HOME.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return xdgDir("XDG_DATA_HOME", home, filepath.Join(".local", "share"))
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".local", "share", appName)
	}
}

func xdgDir(envVar, home, fallback string) string {
	if xdg := os.Getenv(envVar); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(home, fallback, appName)
}

// DefaultConfigPath returns the full path to the default config file.
// This is used as the fallback when neither CLOUDUPLOAD_CONFIG nor
// --config is specified.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, configFileName)
}

// EffectiveDataDir returns the configured data directory, falling back to
// the platform default.
func (c *Config) EffectiveDataDir() string {
	if c.DataDir != "" {
		return expandTilde(c.DataDir)
	}

	return DefaultDataDir()
}

// DatabasePath is the SQLite file holding credentials, ledger, and settings.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.EffectiveDataDir(), databaseFileName)
}

// PIDPath is the lock file written by the serve command.
func (c *Config) PIDPath() string {
	return filepath.Join(c.EffectiveDataDir(), pidFileName)
}

// MediaRoots returns the configured media roots with ~ expanded.
func (c *Config) MediaRoots() []string {
	roots := make([]string, 0, len(c.Media.Roots))
	for _, r := range c.Media.Roots {
		roots = append(roots, expandTilde(r))
	}

	return roots
}

// expandTilde replaces a leading "~/" with the user's home directory.
func expandTilde(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
