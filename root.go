package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/cloudupload-go/internal/config"
	"github.com/tonimelisma/cloudupload-go/internal/provider"
	"github.com/tonimelisma/cloudupload-go/internal/provider/googlephotos"
	"github.com/tonimelisma/cloudupload-go/internal/store"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagDataDir    string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// resolvedCfg and resolvedCfgPath hold the effective configuration loaded by
// PersistentPreRunE. Commands annotated with skipConfigAnnotation leave them
// unset.
var (
	resolvedCfg     *config.Config
	resolvedCfgPath string
)

// skipConfigAnnotation marks commands that must run without a loadable
// config, e.g. "config init" which creates it.
const skipConfigAnnotation = "skip-config"

// logFilePermissions keeps log files owner-only; they may contain account ids.
const logFilePermissions = 0o600

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "cloudupload-go",
		Short:   "Photo upload agent",
		Long:    "Uploads local photos to a cloud photo service, driven from the terminal or a companion UI.",
		Version: version,
		// Silence Cobra's default error/usage printing; main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipConfigAnnotation] == "true" {
				return nil
			}

			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "directory for the database and PID file")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newUploadCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newSettingsCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the four-layer
// override chain and stores the result for use by subcommands.
func loadConfig(cmd *cobra.Command) error {
	cli := config.CLIOverrides{
		ConfigPath: flagConfigPath,
	}

	if cmd.Flags().Changed("data-dir") {
		cli.DataDir = &flagDataDir
	}

	if f := cmd.Flags().Lookup("listen"); f != nil && f.Changed {
		addr := f.Value.String()
		cli.ListenAddr = &addr
	}

	cfg, path, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resolvedCfg = cfg
	resolvedCfgPath = path

	return nil
}

// buildLogger creates an slog.Logger configured by the resolved config and
// CLI flags. Config-file log level provides the baseline; --verbose and
// --quiet override it because CLI flags always win. The returned close
// function releases the log file, if one was opened.
func buildLogger() (*slog.Logger, func()) {
	level := slog.LevelInfo
	format := "auto"
	logFile := ""

	if resolvedCfg != nil {
		switch resolvedCfg.Logging.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}

		if resolvedCfg.Logging.LogFormat != "" {
			format = resolvedCfg.Logging.LogFormat
		}

		logFile = resolvedCfg.Logging.LogFile
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	var (
		w       io.Writer = os.Stderr
		closeFn           = func() {}
	)

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePermissions)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: cannot open log file %s: %v\n", logFile, err)
		} else {
			w = io.MultiWriter(os.Stderr, f)
			closeFn = func() { f.Close() }
		}
	}

	return newLogger(w, level, format, isatty.IsTerminal(os.Stderr.Fd())), closeFn
}

// newLogger picks the handler for format. "auto" is text on a terminal and
// JSON otherwise, so a supervised agent emits machine-readable logs.
func newLogger(w io.Writer, level slog.Level, format string, terminal bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	if format == "json" || (format == "auto" && !terminal) {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

// providers lists the provider kinds this binary can build.
func providers() *provider.Registry {
	r := provider.NewRegistry()
	r.Register(provider.GooglePhotos, googlephotos.Factory)

	return r
}

// newProviderClient builds the configured provider client.
func newProviderClient(cfg *config.Config, logger *slog.Logger) (provider.Client, error) {
	kind, err := provider.ParseKind(cfg.Provider.Type)
	if err != nil {
		return nil, err
	}

	config.WarnCredentialsMissing(cfg, logger)

	return providers().New(kind, provider.Options{
		ClientID:        cfg.Provider.ClientID,
		ClientSecret:    cfg.Provider.ClientSecret,
		MetadataTimeout: cfg.Provider.MetadataTimeoutDuration(),
		TransferTimeout: cfg.Upload.TransferTimeoutDuration(),
		Logger:          logger.With(slog.String("provider", string(kind))),
	})
}

// openStore opens the database under the configured data directory.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*store.Store, error) {
	st, err := store.Open(ctx, cfg.DatabasePath(), logger.With(slog.String("component", "store")))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	return st, nil
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
