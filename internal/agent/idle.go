package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tonimelisma/cloudupload-go/internal/notify"
	"github.com/tonimelisma/cloudupload-go/internal/worker"
)

// IdleTimer requests shutdown after a period with no upload activity. It
// is paused while an upload session is active and re-armed when the session
// ends or the timeout changes. A non-positive timeout disables it.
type IdleTimer struct {
	slot     *worker.Slot
	logger   *slog.Logger
	grace    time.Duration
	onExpire func()

	sleepFunc func(ctx context.Context, d time.Duration) error

	// mu is held across every arm and disarm so a countdown never starts
	// once an upload has begun.
	mu        sync.Mutex
	timeout   time.Duration
	uploading bool
}

// NewIdleTimer returns a disarmed timer. onExpire runs on the timer's
// worker once the timeout and the grace period have both elapsed.
func NewIdleTimer(grace time.Duration, onExpire func(), logger *slog.Logger) *IdleTimer {
	if logger == nil {
		logger = slog.Default()
	}

	return &IdleTimer{
		slot:      worker.NewSlot("idle-timer", logger),
		logger:    logger,
		grace:     grace,
		onExpire:  onExpire,
		sleepFunc: worker.Sleep,
	}
}

// SetTimeout replaces the timeout and restarts the countdown unless an
// upload is active.
func (t *IdleTimer) SetTimeout(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.timeout = d

	if !t.uploading {
		t.arm()
	}
}

// Signal ignores status transitions.
func (t *IdleTimer) Signal(notify.Status) {}

// UploadStatus pauses the countdown for the length of an upload session.
func (t *IdleTimer) UploadStatus(e notify.UploadEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.uploading = e == notify.UploadStart

	if e == notify.UploadStart {
		t.slot.Stop()
		return
	}

	t.arm()
}

// Armed reports whether a countdown is running.
func (t *IdleTimer) Armed() bool {
	return t.slot.Running()
}

// Stop disarms the timer.
func (t *IdleTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.slot.Stop()
}

// arm restarts the countdown. Callers hold t.mu; the run itself never
// takes it.
func (t *IdleTimer) arm() {
	d := t.timeout

	if d <= 0 {
		if t.slot.Stop() {
			t.logger.Debug("inactivity timer disabled")
		}

		return
	}

	t.slot.Start(context.Background(), func(ctx context.Context) error {
		if err := t.sleepFunc(ctx, d); err != nil {
			return err
		}

		t.logger.Info("no activity, shutting down",
			slog.Duration("timeout", d),
			slog.Duration("grace", t.grace),
		)

		if t.grace > 0 {
			if err := t.sleepFunc(ctx, t.grace); err != nil {
				return err
			}
		}

		t.onExpire()

		return nil
	})
}
