// Package agent wires the device authorizer, the upload engine, and the
// background workers of a running agent, and is the backend the control
// server drives.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/cloudupload-go/internal/config"
	"github.com/tonimelisma/cloudupload-go/internal/deviceflow"
	"github.com/tonimelisma/cloudupload-go/internal/notify"
	"github.com/tonimelisma/cloudupload-go/internal/provider"
	"github.com/tonimelisma/cloudupload-go/internal/upload"
)

// ErrShutdownRequested ends Run when shutdown was requested through the
// control surface or by the inactivity timer.
var ErrShutdownRequested = errors.New("agent: shutdown requested")

// Store is the durable state the agent and its components use.
type Store interface {
	upload.Store
	deviceflow.CredentialStore
	SetNoOperationTimeout(ctx context.Context, minutes int) error
	CountUploaded(ctx context.Context, providerType string) (int, error)
	LastUploadedAt(ctx context.Context, providerType string) (time.Time, error)
}

// Options configure an Agent.
type Options struct {
	Env    config.EnvOverrides
	Signal notify.Signaler // additional collaborator, e.g. an indicator driver
	Logger *slog.Logger
}

// AuthInfo is what the companion UI needs to show the login page.
type AuthInfo struct {
	LoggedIn bool
	Code     *deviceflow.CodeInfo
}

// Status summarizes the agent for the status command.
type Status struct {
	LoggedIn       bool
	AccountID      string
	Provider       provider.Kind
	UploadedCount  int
	LastUploadAt   time.Time // zero when nothing was uploaded
	TimeoutMinutes int
	Auth           deviceflow.Snapshot
	Upload         upload.Status
}

// Agent owns one authorizer, one upload engine, and the background workers.
type Agent struct {
	holder *config.Holder
	store  Store
	client provider.Client
	logger *slog.Logger

	auth      *deviceflow.Authorizer
	engine    *upload.Engine
	hub       *notify.Hub
	idle      *IdleTimer
	refresher *Refresher

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// New assembles an agent. Nothing runs until Run is called, apart from
// operations invoked directly.
func New(holder *config.Holder, st Store, client provider.Client, src upload.MediaSource, opts Options) *Agent {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg := holder.Config()

	a := &Agent{
		holder:   holder,
		store:    st,
		client:   client,
		logger:   logger,
		hub:      notify.NewHub(),
		shutdown: make(chan struct{}),
	}

	a.idle = NewIdleTimer(cfg.Agent.ShutdownGraceDuration(), func() {
		a.RequestShutdown("inactivity timeout")
	}, logger)

	signals := notify.Multi{notify.NewLog(logger), a.hub, a.idle}
	if opts.Signal != nil {
		signals = append(signals, opts.Signal)
	}

	a.auth = deviceflow.New(client, st, signals, deviceflow.Options{
		RefreshAttempts: cfg.Upload.RefreshAttempts,
		Logger:          logger.With(slog.String("component", "deviceflow")),
	})

	a.engine = upload.NewEngine(client, a.auth, st, src, signals, upload.Options{
		Roots:          cfg.MediaRoots(),
		RetryBackoff:   cfg.Upload.RetryBackoffDuration(),
		CompletionHold: cfg.Upload.CompletionHoldDuration(),
		Logger:         logger.With(slog.String("component", "upload")),
	})

	a.refresher = NewRefresher(st, a.idle, holder, opts.Env, logger.With(slog.String("component", "settings")))

	return a
}

// Run runs the background workers until ctx is canceled or shutdown is
// requested, then stops every worker.
func (a *Agent) Run(ctx context.Context) error {
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.refresher.Run(gctx)
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-a.shutdown:
			return ErrShutdownRequested
		}
	})

	return g.Wait()
}

// Close stops all workers. Safe to call more than once.
func (a *Agent) Close() {
	a.auth.Close()
	a.engine.Cancel()
	a.idle.Stop()
}

// RequestShutdown asks Run to return. Later calls are ignored.
func (a *Agent) RequestShutdown(reason string) {
	a.shutdownOnce.Do(func() {
		a.logger.Info("shutdown requested", slog.String("reason", reason))
		close(a.shutdown)
	})
}

// Reload re-reads the config file and re-applies stored settings.
func (a *Agent) Reload() {
	a.refresher.MarkChanged()
	a.refresher.ReloadConfig()
}

// bridge bounds how long a control request waits on the device flow worker.
func (a *Agent) bridge() time.Duration {
	return a.holder.Config().Server.BridgeTimeoutDuration()
}

// Login restarts polling for the open device flow, or begins a new one.
func (a *Agent) Login(ctx context.Context) {
	a.auth.StartPolling(ctx)
}

// Logout clears the credential and returns the code for a new flow.
func (a *Agent) Logout(ctx context.Context) (deviceflow.CodeInfo, error) {
	return a.auth.Logout(ctx).Await(ctx, a.bridge())
}

// Reacquire returns the code for a new flow, keeping the credential.
func (a *Agent) Reacquire(ctx context.Context) (deviceflow.CodeInfo, error) {
	return a.auth.Reacquire(ctx).Await(ctx, a.bridge())
}

// CancelLogin stops any pending device flow.
func (a *Agent) CancelLogin() {
	a.auth.CancelLogin()
}

// LoggedIn reports whether a refresh token is stored.
func (a *Agent) LoggedIn(ctx context.Context) (bool, error) {
	return a.auth.LoggedIn(ctx)
}

// AuthInfo returns the login state and the open device code. When not
// logged in and no flow is open, a new flow is begun.
func (a *Agent) AuthInfo(ctx context.Context) (AuthInfo, error) {
	loggedIn, err := a.auth.LoggedIn(ctx)
	if err != nil {
		return AuthInfo{}, err
	}

	snap := a.auth.Snapshot()
	if loggedIn || snap.Code != nil {
		return AuthInfo{LoggedIn: loggedIn, Code: snap.Code}, nil
	}

	info, err := a.auth.BeginLogin(ctx).Await(ctx, a.bridge())
	if err != nil {
		return AuthInfo{}, err
	}

	return AuthInfo{Code: &info}, nil
}

// ToggleUpload starts a library upload, or cancels the running one. It
// reports whether a session was started. The session outlives ctx.
func (a *Agent) ToggleUpload(ctx context.Context) bool {
	return a.engine.Toggle(context.WithoutCancel(ctx))
}

// UploadPaths runs an upload session for an explicit list of files and
// waits for its result.
func (a *Agent) UploadPaths(ctx context.Context, paths []string) upload.Result {
	return a.engine.Run(ctx, upload.Request{Paths: paths, Explicit: true})
}

// UploadLibrary runs a library scan session and waits for its result.
func (a *Agent) UploadLibrary(ctx context.Context) upload.Result {
	return a.engine.Run(ctx, upload.Request{})
}

// UploadStatus is a non-blocking snapshot of the upload engine.
func (a *Agent) UploadStatus() upload.Status {
	return a.engine.Status()
}

// Subscribe streams status and upload signals.
func (a *Agent) Subscribe() (<-chan notify.Event, func()) {
	return a.hub.Subscribe()
}

// NoOperationTimeout returns the stored timeout in minutes.
func (a *Agent) NoOperationTimeout(ctx context.Context) (int, error) {
	st, err := a.store.LoadSettings(ctx)
	if err != nil {
		return 0, err
	}

	return st.NoOperationTimeoutMinutes, nil
}

// SetNoOperationTimeout stores the timeout and flags the settings as
// changed for the refresher.
func (a *Agent) SetNoOperationTimeout(ctx context.Context, minutes int) error {
	if err := a.store.SetNoOperationTimeout(ctx, minutes); err != nil {
		return err
	}

	a.refresher.MarkChanged()
	a.logger.Info("no-operation timeout updated", slog.Int("minutes", minutes))

	return nil
}

// Status gathers a summary for display.
func (a *Agent) Status(ctx context.Context) (Status, error) {
	cred, err := a.store.LoadCredential(ctx)
	if err != nil {
		return Status{}, err
	}

	count, err := a.store.CountUploaded(ctx, string(a.client.Kind()))
	if err != nil {
		return Status{}, err
	}

	last, err := a.store.LastUploadedAt(ctx, string(a.client.Kind()))
	if err != nil {
		return Status{}, err
	}

	minutes, err := a.NoOperationTimeout(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("agent: reading settings: %w", err)
	}

	return Status{
		LoggedIn:       cred.Authenticated(),
		AccountID:      cred.AccountID,
		Provider:       a.client.Kind(),
		UploadedCount:  count,
		LastUploadAt:   last,
		TimeoutMinutes: minutes,
		Auth:           a.auth.Snapshot(),
		Upload:         a.engine.Status(),
	}, nil
}

// Authorizer exposes the device flow for the terminal login command.
func (a *Agent) Authorizer() *deviceflow.Authorizer {
	return a.auth
}
