package config

import (
	"fmt"
	"io"
	"strings"
)

// redacted replaces secrets in rendered output.
const redacted = "(set)"

// RenderEffective writes the resolved configuration as an annotated TOML-ish
// summary to w. It powers "config show" and reflects all override layers.
func RenderEffective(cfg *Config, path string, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %s)\n\n", path)
	ew.printf("data_dir = %q\n\n", cfg.EffectiveDataDir())

	s := &cfg.Server
	ew.printf("[server]\n")
	ew.printf("  listen_addr          = %q\n", s.ListenAddr)
	ew.printf("  request_rate         = %v\n", s.RequestRate)
	ew.printf("  request_burst        = %d\n", s.RequestBurst)
	ew.printf("  bridge_timeout       = %q\n", s.BridgeTimeout)
	ew.printf("  status_push_interval = %q\n\n", s.StatusPushInterval)

	p := &cfg.Provider
	ew.printf("[provider]\n")
	ew.printf("  type             = %q\n", p.Type)
	ew.printf("  client_id        = %q\n", p.ClientID)

	if p.ClientSecret != "" {
		ew.printf("  client_secret    = %q\n", redacted)
	}

	ew.printf("  metadata_timeout = %q\n\n", p.MetadataTimeout)

	m := &cfg.Media
	ew.printf("[media]\n")
	ew.printf("  roots         = [%s]\n", joinQuoted(m.Roots))
	ew.printf("  extensions    = [%s]\n", joinQuoted(m.Extensions))
	ew.printf("  max_file_size = %q\n\n", m.MaxFileSize)

	u := &cfg.Upload
	ew.printf("[upload]\n")
	ew.printf("  transfer_timeout = %q\n", u.TransferTimeout)
	ew.printf("  retry_backoff    = %q\n", u.RetryBackoff)
	ew.printf("  completion_hold  = %q\n", u.CompletionHold)
	ew.printf("  refresh_attempts = %d\n\n", u.RefreshAttempts)

	a := &cfg.Agent
	ew.printf("[agent]\n")
	ew.printf("  settings_poll_interval = %q\n", a.SettingsPollInterval)
	ew.printf("  shutdown_grace         = %q\n", a.ShutdownGrace)
	ew.printf("  watch_config           = %t\n\n", a.WatchConfig)

	l := &cfg.Logging
	ew.printf("[logging]\n")
	ew.printf("  log_level  = %q\n", l.LogLevel)

	if l.LogFile != "" {
		ew.printf("  log_file   = %q\n", l.LogFile)
	}

	ew.printf("  log_format = %q\n", l.LogFormat)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

// joinQuoted formats a string slice as comma-separated quoted values.
func joinQuoted(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = fmt.Sprintf("%q", item)
	}

	return strings.Join(quoted, ", ")
}
