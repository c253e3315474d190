package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"
)

// Validation range constants.
const (
	minRefreshAttempts   = 1
	maxRefreshAttempts   = 10
	minRequestBurst      = 1
	minBridgeTimeout     = 1 * time.Second
	minTransferTimeout   = 1 * time.Second
	minMetadataTimeout   = 1 * time.Second
	minSettingsPoll      = 100 * time.Millisecond
	minStatusPush        = 100 * time.Millisecond
	providerGooglePhotos = "google_photos"
)

// Validate checks all configuration values and returns all errors found,
// so users see a complete report and can fix everything in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateProvider(&cfg.Provider)...)
	errs = append(errs, validateMedia(&cfg.Media)...)
	errs = append(errs, validateUpload(&cfg.Upload)...)
	errs = append(errs, validateAgent(&cfg.Agent)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

func validateServer(s *ServerConfig) []error {
	var errs []error

	if _, _, err := net.SplitHostPort(s.ListenAddr); err != nil {
		errs = append(errs, fmt.Errorf("server.listen_addr: %w", err))
	}

	if s.RequestRate <= 0 {
		errs = append(errs, fmt.Errorf("server.request_rate: must be > 0, got %v", s.RequestRate))
	}

	if s.RequestBurst < minRequestBurst {
		errs = append(errs, fmt.Errorf("server.request_burst: must be >= %d, got %d",
			minRequestBurst, s.RequestBurst))
	}

	errs = append(errs, validateDurationMin("server.bridge_timeout", s.BridgeTimeout, minBridgeTimeout)...)
	errs = append(errs, validateDurationMin("server.status_push_interval", s.StatusPushInterval, minStatusPush)...)

	return errs
}

func validateProvider(p *ProviderConfig) []error {
	var errs []error

	if p.Type != providerGooglePhotos {
		errs = append(errs, fmt.Errorf("provider.type: must be %q, got %q", providerGooglePhotos, p.Type))
	}

	errs = append(errs, validateDurationMin("provider.metadata_timeout", p.MetadataTimeout, minMetadataTimeout)...)

	return errs
}

func validateMedia(m *MediaConfig) []error {
	var errs []error

	if len(m.Roots) == 0 {
		errs = append(errs, errors.New("media.roots: at least one root is required"))
	}

	for _, ext := range m.Extensions {
		if !strings.HasPrefix(ext, ".") || len(ext) < 2 {
			errs = append(errs, fmt.Errorf("media.extensions: %q must start with a dot", ext))
		}
	}

	if len(m.Extensions) == 0 {
		errs = append(errs, errors.New("media.extensions: at least one extension is required"))
	}

	if _, err := ParseSize(m.MaxFileSize); err != nil {
		errs = append(errs, fmt.Errorf("media.max_file_size: %w", err))
	}

	return errs
}

func validateUpload(u *UploadConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("upload.transfer_timeout", u.TransferTimeout, minTransferTimeout)...)
	errs = append(errs, validateDurationNonNeg("upload.retry_backoff", u.RetryBackoff)...)
	errs = append(errs, validateDurationNonNeg("upload.completion_hold", u.CompletionHold)...)

	if u.RefreshAttempts < minRefreshAttempts || u.RefreshAttempts > maxRefreshAttempts {
		errs = append(errs, fmt.Errorf("upload.refresh_attempts: must be between %d and %d, got %d",
			minRefreshAttempts, maxRefreshAttempts, u.RefreshAttempts))
	}

	return errs
}

func validateAgent(a *AgentConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("agent.settings_poll_interval", a.SettingsPollInterval, minSettingsPoll)...)
	errs = append(errs, validateDurationNonNeg("agent.shutdown_grace", a.ShutdownGrace)...)

	return errs
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)}
	}

	return nil
}

func validateDurationNonNeg(field, value string) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < 0 {
		return []error{fmt.Errorf("%s: must be >= 0, got %s", field, d)}
	}

	return nil
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf(
			"logging.log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf(
			"logging.log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

// WarnCredentialsMissing logs a warning when no OAuth client is configured,
// naming the environment variable that supplies one.
func WarnCredentialsMissing(cfg *Config, logger *slog.Logger) {
	if cfg.Provider.ClientID == "" {
		logger.Warn("provider client_id not configured; login will fail",
			slog.String("env", EnvClientID))
	}
}
