// Package worker provides supervised single-kind worker slots and bounded
// futures. A Slot runs at most one unit of work at a time: starting a new
// one cancels the previous run and waits for it to exit first, so a new run
// never observes state left behind by the run it replaced. A Future is the
// rendezvous between a worker and a caller that must wait for its result
// without hanging forever.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Sentinel errors describing why a run stopped.
var (
	ErrSuperseded  = errors.New("worker: superseded by a newer run")
	ErrCanceled    = errors.New("worker: canceled")
	ErrWaitTimeout = errors.New("worker: wait timed out")
)

// Run is one execution of a Slot.
type Run struct {
	id     uint64
	cancel context.CancelCauseFunc
	done   chan struct{}
	err    error
}

// ID is a slot-local sequence number, increasing with every Start.
func (r *Run) ID() uint64 {
	return r.id
}

// Done is closed when the run's function has returned.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Err returns the run's result. Only valid after Done is closed.
func (r *Run) Err() error {
	return r.err
}

// Wait blocks until the run finishes or ctx is done.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Slot supervises one kind of worker.
type Slot struct {
	name   string
	logger *slog.Logger

	startMu sync.Mutex // serializes Start/Stop so two callers never interleave

	mu  sync.Mutex
	cur *Run
	seq uint64
}

// NewSlot creates an idle slot. name appears in log lines.
func NewSlot(name string, logger *slog.Logger) *Slot {
	if logger == nil {
		logger = slog.Default()
	}

	return &Slot{name: name, logger: logger}
}

// Start cancels any current run with ErrSuperseded, waits for it to exit,
// and then launches fn on a new goroutine with a context derived from
// parent. A panic in fn is recovered and reported as the run's error.
func (s *Slot) Start(parent context.Context, fn func(ctx context.Context) error) *Run {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.stopCurrent(ErrSuperseded)

	ctx, cancel := context.WithCancelCause(parent)

	s.mu.Lock()
	s.seq++
	r := &Run{id: s.seq, cancel: cancel, done: make(chan struct{})}
	s.cur = r
	s.mu.Unlock()

	s.logger.Debug("worker starting", slog.String("worker", s.name), slog.Uint64("run", r.id))

	go s.execute(ctx, r, fn)

	return r
}

func (s *Slot) execute(ctx context.Context, r *Run, fn func(ctx context.Context) error) {
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("worker: panic in run",
				slog.String("worker", s.name),
				slog.Uint64("run", r.id),
				slog.Any("panic", p),
			)
			r.err = fmt.Errorf("worker %s: panic: %v", s.name, p)
		}

		r.cancel(nil)
		close(r.done)

		s.logger.Debug("worker stopped",
			slog.String("worker", s.name),
			slog.Uint64("run", r.id),
			slog.Duration("elapsed", time.Since(start)),
		)
	}()

	err := fn(ctx)

	// Report why a canceled run stopped rather than a bare context.Canceled.
	if err != nil && errors.Is(err, context.Canceled) {
		if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
			err = cause
		}
	}

	r.err = err
}

// Stop cancels the current run with ErrCanceled and waits for it to exit.
// It reports whether a run was active.
func (s *Slot) Stop() bool {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	return s.stopCurrent(ErrCanceled)
}

// stopCurrent must be called with startMu held.
func (s *Slot) stopCurrent(cause error) bool {
	s.mu.Lock()
	r := s.cur
	s.mu.Unlock()

	if r == nil {
		return false
	}

	select {
	case <-r.done:
		return false
	default:
	}

	s.logger.Debug("worker canceling run",
		slog.String("worker", s.name),
		slog.Uint64("run", r.id),
		slog.String("cause", cause.Error()),
	)

	r.cancel(cause)
	<-r.done

	return true
}

// Running reports whether a run is in progress.
func (s *Slot) Running() bool {
	s.mu.Lock()
	r := s.cur
	s.mu.Unlock()

	if r == nil {
		return false
	}

	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Current returns the latest run, or nil if the slot never started one.
func (s *Slot) Current() *Run {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cur
}

// Sleep waits for d or until ctx is done. It returns the cancellation
// cause when interrupted.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return context.Cause(ctx)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C:
		return nil
	}
}
