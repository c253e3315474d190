package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// The config file may hold client_secret, so it is owner-only.
const (
	configFilePermissions = 0o600
	configDirPermissions  = 0o700
)

// ErrConfigExists is returned by WriteTemplate when the target already exists.
var ErrConfigExists = errors.New("config: file already exists")

// configTemplate is written by "config init". Every option appears as a
// commented-out default so users can discover settings without docs.
const configTemplate = `# cloudupload-go configuration

# data_dir = ""   # database and PID file (default: platform data dir)

[server]
# listen_addr = "127.0.0.1:8888"
# request_rate = 10.0
# request_burst = 20
# bridge_timeout = "30s"
# status_push_interval = "1s"

[provider]
# type = "google_photos"
# client_id = ""          # or CLOUDUPLOAD_CLIENT_ID
# client_secret = ""      # or CLOUDUPLOAD_CLIENT_SECRET
# metadata_timeout = "10s"

[media]
# roots = ["~/DCIM", "~/Pictures"]
# extensions = [".jpg", ".jpeg"]
# max_file_size = "200MB"

[upload]
# transfer_timeout = "60s"
# retry_backoff = "30s"
# completion_hold = "3200ms"
# refresh_attempts = 3

[agent]
# settings_poll_interval = "1s"
# shutdown_grace = "2s"
# watch_config = true

[logging]
# log_level = "info"      # debug, info, warn, error
# log_file = ""
# log_format = "auto"     # auto, text, json
`

// WriteTemplate creates a commented default config file at path. It refuses
// to overwrite an existing file.
func WriteTemplate(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrConfigExists, path)
	}

	slog.Info("writing config template", slog.String("path", path))

	return atomicWriteFile(path, []byte(configTemplate))
}

// atomicWriteFile writes data to a temp file in the target directory and
// renames it into place. Parent directories are created as needed.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, configFilePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	succeeded = true

	return nil
}
