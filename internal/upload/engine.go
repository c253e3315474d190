// Package upload runs upload sessions: it enumerates candidate photos, drops
// the ones the ledger already holds, and sends the rest one at a time with a
// fixed backoff between retries and a per-item no-operation timeout.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/cloudupload-go/internal/media"
	"github.com/tonimelisma/cloudupload-go/internal/notify"
	"github.com/tonimelisma/cloudupload-go/internal/provider"
	"github.com/tonimelisma/cloudupload-go/internal/store"
	"github.com/tonimelisma/cloudupload-go/internal/worker"
)

// Defaults for Options.
const (
	defaultRetryBackoff   = 30 * time.Second
	defaultCompletionHold = 3200 * time.Millisecond
)

// TokenSource yields a fresh access token and the account it belongs to.
type TokenSource interface {
	Refresh(ctx context.Context) (accessToken, accountID string, err error)
}

// Store is the durable state a session reads and appends to.
type Store interface {
	LoadCredential(ctx context.Context) (store.Credential, error)
	LoadSettings(ctx context.Context) (store.Settings, error)
	UploadedSet(ctx context.Context, providerType string) (map[store.ItemKey]struct{}, error)
	RecordUpload(ctx context.Context, e store.LedgerEntry) (bool, error)
}

// MediaSource enumerates local items.
type MediaSource interface {
	ListAll(ctx context.Context, roots []string) ([]media.Item, error)
	Describe(path string) (media.Item, error)
}

// Request selects what a session uploads. Without Explicit the configured
// library roots are scanned.
type Request struct {
	Paths    []string
	Explicit bool
}

// Options configure an Engine.
type Options struct {
	Roots          []string
	RetryBackoff   time.Duration
	CompletionHold time.Duration
	Logger         *slog.Logger
}

// Status is a snapshot of the engine for observers.
type Status struct {
	Active    bool
	SessionID string
	Current   int
	Total     int
	Last      *Result // most recent finished session; nil while one is active
}

// Engine owns the single upload worker.
type Engine struct {
	client provider.Client
	tokens TokenSource
	store  Store
	media  MediaSource
	signal notify.Signaler
	slot   *worker.Slot
	logger *slog.Logger

	roots   []string
	backoff time.Duration
	hold    time.Duration

	nowFunc   func() time.Time
	sleepFunc func(ctx context.Context, d time.Duration) error
	readFunc  func(media.Item) ([]byte, error)

	mu        sync.Mutex
	active    bool
	sessionID string
	current   int
	total     int
	last      *Result
}

// NewEngine creates an idle engine.
func NewEngine(client provider.Client, tokens TokenSource, st Store, src MediaSource, signal notify.Signaler, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if signal == nil {
		signal = notify.Nop{}
	}

	backoff := opts.RetryBackoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}

	hold := opts.CompletionHold
	if hold < 0 {
		hold = defaultCompletionHold
	}

	return &Engine{
		client:    client,
		tokens:    tokens,
		store:     st,
		media:     src,
		signal:    signal,
		slot:      worker.NewSlot("upload", logger),
		logger:    logger,
		roots:     opts.Roots,
		backoff:   backoff,
		hold:      hold,
		nowFunc:   time.Now,
		sleepFunc: worker.Sleep,
		readFunc:  media.ReadFile,
	}
}

// Start begins a session on the upload worker, superseding any running one.
// The future resolves with the session result.
func (e *Engine) Start(ctx context.Context, req Request) *worker.Future[Result] {
	fut := worker.NewFuture[Result]()

	e.slot.Start(ctx, func(runCtx context.Context) error {
		res := e.session(runCtx, req)
		fut.Resolve(res, nil)

		return res.Err
	})

	return fut
}

// Run starts a session and waits for its result. Canceling ctx cancels the
// session, which still reports a Canceled result.
func (e *Engine) Run(ctx context.Context, req Request) Result {
	fut := e.Start(ctx, req)
	<-fut.Done()

	res, _ := fut.Await(context.Background(), 0)

	return res
}

// Toggle cancels the running session, or starts a library scan if none is
// running. It reports whether a session was started.
func (e *Engine) Toggle(ctx context.Context) bool {
	if e.Cancel() {
		return false
	}

	e.Start(ctx, Request{})

	return true
}

// Cancel stops the running session, discarding its in-flight item. It
// reports whether a session was running.
func (e *Engine) Cancel() bool {
	return e.slot.Stop()
}

// Active reports whether a session is running.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.active
}

// Wait blocks until the current session exits or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	r := e.slot.Current()
	if r == nil {
		return nil
	}

	return r.Wait(ctx)
}

// Status returns a snapshot. Current never exceeds Total.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Status{
		Active:    e.active,
		SessionID: e.sessionID,
		Current:   e.current,
		Total:     e.total,
	}

	if e.last != nil {
		last := *e.last
		st.Last = &last
	}

	return st
}

func (e *Engine) begin(id string) {
	e.mu.Lock()
	e.active = true
	e.sessionID = id
	e.current = 0
	e.total = 0
	e.last = nil
	e.mu.Unlock()

	e.signal.UploadStatus(notify.UploadStart)
}

func (e *Engine) setTotal(n int) {
	e.mu.Lock()
	e.total = n
	e.mu.Unlock()
}

// advance moves progress forward. Only the upload worker calls it.
func (e *Engine) advance(n int) {
	e.mu.Lock()
	if n > e.current && n <= e.total {
		e.current = n
	}
	e.mu.Unlock()
}

func (e *Engine) end(res Result) {
	e.mu.Lock()
	e.active = false
	e.last = &res
	e.mu.Unlock()

	switch res.Outcome {
	case Success, NotReady, Canceled:
		e.signal.Signal(notify.StopTransferring)
	default:
		e.signal.Signal(notify.Error)
	}

	e.signal.UploadStatus(notify.UploadEnd)
}

// session runs one upload session to its end. It never returns a result
// without an Outcome, and always leaves the engine inactive.
func (e *Engine) session(ctx context.Context, req Request) (res Result) {
	res = Result{SessionID: uuid.NewString(), StartedAt: e.nowFunc()}
	logger := e.logger.With(slog.String("session", res.SessionID))

	e.begin(res.SessionID)

	defer func() {
		if p := recover(); p != nil {
			logger.Error("upload session panicked", slog.Any("panic", p))
			res.Err = fmt.Errorf("upload: session panic: %v", p)
		}

		res.Outcome = OutcomeOf(res.Err)
		res.EndedAt = e.nowFunc()

		logger.Info("upload session ended",
			slog.String("outcome", res.Outcome.String()),
			slog.Int("uploaded", res.Uploaded),
			slog.Int("total", res.Total),
			slog.Int("skipped", res.Skipped),
		)

		e.end(res)
	}()

	res.Err = e.transfer(ctx, logger, req, &res)
	if res.Err == nil && e.hold > 0 {
		// Keep the finished session visible so a polling observer sees the
		// complete state.
		_ = e.sleepFunc(ctx, e.hold)
	}

	return res
}

func (e *Engine) transfer(ctx context.Context, logger *slog.Logger, req Request, res *Result) error {
	providerType := string(e.client.Kind())

	cred, err := e.store.LoadCredential(ctx)
	if err != nil {
		return fmt.Errorf("upload: loading credential: %w", err)
	}

	timeout := e.itemTimeout(ctx, logger)

	items, err := e.candidates(ctx, logger, req)
	if err != nil {
		return err
	}

	uploaded, err := e.store.UploadedSet(ctx, providerType)
	if err != nil {
		return fmt.Errorf("upload: reading ledger: %w", err)
	}

	pending := filterUploaded(items, uploaded, cred.AccountID)

	if len(pending) == 0 {
		if req.Explicit && cred.Authenticated() {
			logger.Info("explicit upload: every item already uploaded")
			return nil
		}

		return ErrNotReady
	}

	if !cred.Authenticated() {
		return provider.NewAuthError(provider.AuthNotSettings, "", "not logged in")
	}

	token, accountID, err := e.tokens.Refresh(ctx)
	if err != nil {
		return err
	}

	if accountID != cred.AccountID {
		pending = filterUploaded(pending, uploaded, accountID)
	}

	res.Total = len(pending)
	e.setTotal(len(pending))

	logger.Info("upload session started",
		slog.Int("candidates", len(items)),
		slog.Int("pending", len(pending)),
		slog.Duration("item_timeout", timeout),
	)
	e.signal.Signal(notify.Transferring)

	for i, item := range pending {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}

		data, err := e.readFunc(item)
		if err != nil {
			logger.Warn("skipping unreadable item", slog.String("path", item.Path), slog.String("error", err.Error()))
			res.Skipped++
			e.advance(i + 1)

			continue
		}

		remoteID, err := e.uploadItem(ctx, logger, token, item, data, timeout)
		if err != nil {
			return err
		}

		if ctx.Err() != nil {
			// Canceled mid-transfer: the item is discarded, not recorded.
			return context.Cause(ctx)
		}

		_, err = e.store.RecordUpload(ctx, store.LedgerEntry{
			Key:          store.NewItemKey(item.Path, item.CaptureTime, accountID),
			ProviderType: providerType,
			RemoteID:     remoteID,
		})
		if err != nil {
			return fmt.Errorf("upload: recording %s: %w", item.Path, err)
		}

		res.Uploaded++
		e.advance(i + 1)

		logger.Debug("item uploaded", slog.String("path", item.Path), slog.Int("current", i+1))
	}

	return nil
}

// itemTimeout reads the no-operation timeout. Zero means none.
func (e *Engine) itemTimeout(ctx context.Context, logger *slog.Logger) time.Duration {
	st, err := e.store.LoadSettings(ctx)
	if err != nil {
		logger.Warn("reading settings failed, uploading without timeout", slog.String("error", err.Error()))
		return 0
	}

	if st.NoOperationTimeoutMinutes <= 0 {
		return 0
	}

	return time.Duration(st.NoOperationTimeoutMinutes) * time.Minute
}

func (e *Engine) candidates(ctx context.Context, logger *slog.Logger, req Request) ([]media.Item, error) {
	if !req.Explicit {
		items, err := e.media.ListAll(ctx, e.roots)
		if err != nil {
			return nil, fmt.Errorf("upload: scanning library: %w", err)
		}

		return items, nil
	}

	items := make([]media.Item, 0, len(req.Paths))

	for _, p := range req.Paths {
		item, err := e.media.Describe(p)
		if err != nil {
			logger.Warn("ignoring requested path", slog.String("path", p), slog.String("error", err.Error()))
			continue
		}

		items = append(items, item)
	}

	return items, nil
}

func filterUploaded(items []media.Item, uploaded map[store.ItemKey]struct{}, accountID string) []media.Item {
	out := make([]media.Item, 0, len(items))
	seen := make(map[store.ItemKey]struct{}, len(items))

	for _, it := range items {
		key := store.NewItemKey(it.Path, it.CaptureTime, accountID)
		if _, ok := uploaded[key]; ok {
			continue
		}

		if _, ok := seen[key]; ok {
			continue
		}

		seen[key] = struct{}{}
		out = append(out, it)
	}

	return out
}

// uploadItem sends one item, retrying transient failures after the backoff
// until timeout has elapsed since the first attempt. Authorization-class
// failures abort at once.
func (e *Engine) uploadItem(
	ctx context.Context, logger *slog.Logger, token string, item media.Item, data []byte, timeout time.Duration,
) (string, error) {
	asset := provider.Asset{
		Name:        filepath.Base(item.Path),
		ContentType: media.ContentType(item.Path),
		Data:        data,
	}

	started := e.nowFunc()

	for attempt := 1; ; attempt++ {
		remoteID, err := e.client.UploadAsset(ctx, token, asset)
		if err == nil {
			return remoteID, nil
		}

		if ctx.Err() != nil {
			return "", context.Cause(ctx)
		}

		if provider.IsAuthorizationClass(err) {
			return "", &provider.AuthError{Kind: provider.AuthBadSettings, Message: err.Error()}
		}

		var ae *provider.AuthError
		if errors.As(err, &ae) {
			return "", err
		}

		elapsed := e.nowFunc().Sub(started)
		if timeout > 0 && elapsed >= timeout {
			return "", fmt.Errorf("%w: %s after %d attempts: %w", ErrSessionTimeout, item.Path, attempt, err)
		}

		wait := e.backoff
		if timeout > 0 && timeout-elapsed < wait {
			wait = timeout - elapsed
		}

		logger.Warn("upload failed, will retry",
			slog.String("path", item.Path),
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", wait),
			slog.String("error", err.Error()),
		)

		if err := e.sleepFunc(ctx, wait); err != nil {
			return "", err
		}
	}
}
