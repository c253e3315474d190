package agent

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tonimelisma/cloudupload-go/internal/config"
	"github.com/tonimelisma/cloudupload-go/internal/store"
)

// reloadQuiet is how long the config file must stay unchanged after a
// watcher event before it is re-read. Saves often truncate first and write
// the content in a second step.
const reloadQuiet = 200 * time.Millisecond

// SettingsSource is where the no-operation timeout lives.
type SettingsSource interface {
	LoadSettings(ctx context.Context) (store.Settings, error)
}

// TimeoutSink receives the timeout whenever settings are re-read.
type TimeoutSink interface {
	SetTimeout(d time.Duration)
}

// Refresher periodically applies changed settings and reloads the config
// file when it changes on disk.
type Refresher struct {
	settings SettingsSource
	sink     TimeoutSink
	holder   *config.Holder
	env      config.EnvOverrides
	logger   *slog.Logger
	quiet    time.Duration

	changed atomic.Bool
	reload  chan struct{}
}

// NewRefresher returns a refresher that applies settings on its first tick.
func NewRefresher(
	settings SettingsSource, sink TimeoutSink, holder *config.Holder, env config.EnvOverrides, logger *slog.Logger,
) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Refresher{
		settings: settings,
		sink:     sink,
		holder:   holder,
		env:      env,
		logger:   logger,
		quiet:    reloadQuiet,
		reload:   make(chan struct{}, 1),
	}
	r.changed.Store(true)

	return r
}

// MarkChanged makes the next tick re-read the settings.
func (r *Refresher) MarkChanged() {
	r.changed.Store(true)
}

// ReloadConfig asks the run loop to re-read the config file.
func (r *Refresher) ReloadConfig() {
	select {
	case r.reload <- struct{}{}:
	default:
	}
}

// Run loops until ctx is canceled. A watcher failure only disables the
// file watch; polling continues.
func (r *Refresher) Run(ctx context.Context) error {
	cfg := r.holder.Config()

	ticker := time.NewTicker(cfg.Agent.SettingsPollIntervalDuration())
	defer ticker.Stop()

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)

	// Watcher events restart the quiet period; the reload runs once it ends.
	settle := time.NewTimer(r.quiet)
	settle.Stop()
	defer settle.Stop()

	var settled <-chan time.Time

	if cfg.Agent.WatchConfig && r.holder.Path() != "" {
		if w, err := r.watch(); err != nil {
			r.logger.Warn("config file watch unavailable", slog.String("error", err.Error()))
		} else {
			defer w.Close()

			events, errs = w.Events, w.Errors
		}
	}

	r.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			r.Tick(ctx)

		case <-r.reload:
			r.reloadConfig()

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}

			if r.isConfigWrite(ev) {
				settle.Reset(r.quiet)
				settled = settle.C
			}

		case <-settled:
			settled = nil
			r.reloadConfig()

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}

			r.logger.Warn("config watcher error", slog.String("error", err.Error()))
		}
	}
}

// Tick applies the stored settings if they were marked changed. A failed
// read leaves the flag raised for the next tick.
func (r *Refresher) Tick(ctx context.Context) {
	if !r.changed.Swap(false) {
		return
	}

	st, err := r.settings.LoadSettings(ctx)
	if err != nil {
		r.changed.Store(true)
		r.logger.Warn("reading settings failed", slog.String("error", err.Error()))

		return
	}

	var d time.Duration
	if st.NoOperationTimeoutMinutes > 0 {
		d = time.Duration(st.NoOperationTimeoutMinutes) * time.Minute
	}

	r.logger.Debug("settings applied", slog.Int("no_operation_timeout_minutes", st.NoOperationTimeoutMinutes))
	r.sink.SetTimeout(d)
}

// watch watches the config file's directory; editors often replace the
// file rather than writing it in place.
func (r *Refresher) watch() (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := w.Add(filepath.Dir(r.holder.Path())); err != nil {
		w.Close()
		return nil, err
	}

	return w, nil
}

func (r *Refresher) isConfigWrite(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != filepath.Clean(r.holder.Path()) {
		return false
	}

	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)
}

func (r *Refresher) reloadConfig() {
	// An empty file decodes to all defaults; it is almost always a save
	// caught between truncate and write.
	if info, err := os.Stat(r.holder.Path()); err == nil && info.Size() == 0 {
		r.logger.Warn("config file is empty, keeping previous config", slog.String("path", r.holder.Path()))
		return
	}

	if _, err := r.holder.Reload(r.env); err != nil {
		r.logger.Warn("config reload failed, keeping previous config",
			slog.String("path", r.holder.Path()),
			slog.String("error", err.Error()),
		)

		return
	}

	r.logger.Info("config reloaded", slog.String("path", r.holder.Path()))
	r.MarkChanged()
}
