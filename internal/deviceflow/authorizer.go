// Package deviceflow drives the OAuth device authorization grant against a
// provider.Client: it requests a user code, polls for authorization on a
// dedicated worker, persists the resulting credential, and refreshes access
// tokens for upload sessions.
package deviceflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/cloudupload-go/internal/notify"
	"github.com/tonimelisma/cloudupload-go/internal/provider"
	"github.com/tonimelisma/cloudupload-go/internal/store"
	"github.com/tonimelisma/cloudupload-go/internal/worker"
)

// errFlowEndedEarly resolves a BeginLogin future whose run stopped before
// a code was issued without reporting an error of its own.
var errFlowEndedEarly = errors.New("deviceflow: flow ended before a code was issued")

// ErrIdentityUnavailable reports that a refresh obtained an access token but
// the account behind it could not be identified. The credential is kept.
var ErrIdentityUnavailable = errors.New("deviceflow: account identity unavailable")

// slowDownStep is added to the poll interval on each slow_down (RFC 8628).
const slowDownStep = 5 * time.Second

// Defaults for Options.
const (
	defaultRefreshAttempts   = 3
	defaultRefreshRetryDelay = 2 * time.Second
)

// State is the authorizer's position in the device flow.
type State int

// Device flow states.
const (
	Idle State = iota
	CodeRequested
	Polling
	Authorized
	IdentityFetched
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case CodeRequested:
		return "code_requested"
	case Polling:
		return "polling"
	case Authorized:
		return "authorized"
	case IdentityFetched:
		return "identity_fetched"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CredentialStore is the durable credential record the authorizer owns.
type CredentialStore interface {
	LoadCredential(ctx context.Context) (store.Credential, error)
	SaveCredential(ctx context.Context, c store.Credential) error
	SetAccountID(ctx context.Context, accountID string) error
	ClearCredential(ctx context.Context) error
}

// CodeInfo is what the user needs to authorize this device.
type CodeInfo struct {
	SessionID       string
	UserCode        string
	VerificationURL string
	ExpiresAt       time.Time
}

// session is an open device flow. Never persisted.
type session struct {
	id              string
	deviceCode      string
	userCode        string
	verificationURL string
	expiresAt       time.Time
	interval        time.Duration
}

func (s *session) info() CodeInfo {
	return CodeInfo{
		SessionID:       s.id,
		UserCode:        s.userCode,
		VerificationURL: s.verificationURL,
		ExpiresAt:       s.expiresAt,
	}
}

// Snapshot is a point-in-time view of the authorizer.
type Snapshot struct {
	State     State
	Failure   provider.AuthKind // set when State == Failed
	LastError string
	Code      *CodeInfo // open session, if any
	Polls     int       // token polls made in the current session

	TokenObtainedAt time.Time // zero when no access token is held
}

// Options configure an Authorizer.
type Options struct {
	RefreshAttempts   int
	RefreshRetryDelay time.Duration
	Logger            *slog.Logger
}

// Authorizer is the device flow state machine.
type Authorizer struct {
	client provider.Client
	creds  CredentialStore
	signal notify.StatusSignaler
	slot   *worker.Slot
	logger *slog.Logger

	refreshAttempts   int
	refreshRetryDelay time.Duration

	// Injectable for deterministic tests.
	nowFunc   func() time.Time
	sleepFunc func(ctx context.Context, d time.Duration) error

	mu          sync.Mutex
	state       State
	failure     provider.AuthKind
	lastErr     error
	sess        *session
	polls       int
	accessToken string
	obtainedAt  time.Time
}

// New creates an idle Authorizer.
func New(client provider.Client, creds CredentialStore, signal notify.StatusSignaler, opts Options) *Authorizer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if signal == nil {
		signal = notify.Nop{}
	}

	attempts := opts.RefreshAttempts
	if attempts <= 0 {
		attempts = defaultRefreshAttempts
	}

	delay := opts.RefreshRetryDelay
	if delay <= 0 {
		delay = defaultRefreshRetryDelay
	}

	return &Authorizer{
		client:            client,
		creds:             creds,
		signal:            signal,
		slot:              worker.NewSlot("device-flow", logger),
		logger:            logger,
		refreshAttempts:   attempts,
		refreshRetryDelay: delay,
		nowFunc:           time.Now,
		sleepFunc:         worker.Sleep,
	}
}

// BeginLogin requests a new device code and, once issued, polls for
// authorization on the device flow worker. Any running flow is canceled
// first. The returned future resolves when the code is available or the
// request failed. The flow outlives ctx's cancellation.
func (a *Authorizer) BeginLogin(ctx context.Context) *worker.Future[CodeInfo] {
	fut := worker.NewFuture[CodeInfo]()

	a.slot.Start(context.WithoutCancel(ctx), func(runCtx context.Context) (err error) {
		// No-op once the code was issued.
		defer func() {
			resolveErr := err
			if resolveErr == nil {
				resolveErr = errFlowEndedEarly
			}

			fut.Resolve(CodeInfo{}, resolveErr)
		}()

		sess, err := a.requestCode(runCtx)
		if err != nil {
			return err
		}

		fut.Resolve(sess.info(), nil)

		return a.pollLoop(runCtx, sess)
	})

	return fut
}

// Reacquire starts a new device flow without touching the stored credential.
func (a *Authorizer) Reacquire(ctx context.Context) *worker.Future[CodeInfo] {
	return a.BeginLogin(ctx)
}

// Logout cancels any pending flow, clears the stored credential and the
// in-memory access token, and begins a new device flow.
func (a *Authorizer) Logout(ctx context.Context) *worker.Future[CodeInfo] {
	a.slot.Stop()

	a.mu.Lock()
	a.accessToken = ""
	a.obtainedAt = time.Time{}
	a.mu.Unlock()

	if err := a.creds.ClearCredential(ctx); err != nil {
		a.logger.Error("logout: clearing credential failed", slog.String("error", err.Error()))
		return worker.Resolved(CodeInfo{}, err)
	}

	a.logger.Info("logged out")

	return a.BeginLogin(ctx)
}

// StartPolling restarts polling for the open session. Without a usable
// session it begins a new login instead.
func (a *Authorizer) StartPolling(ctx context.Context) {
	a.mu.Lock()
	sess := a.sess
	a.mu.Unlock()

	if sess == nil || !a.nowFunc().Before(sess.expiresAt) {
		a.logger.Debug("no open device flow session, beginning login")
		a.BeginLogin(ctx)

		return
	}

	a.slot.Start(context.WithoutCancel(ctx), func(runCtx context.Context) error {
		return a.pollLoop(runCtx, sess)
	})
}

// CancelLogin stops any pending flow and discards its session.
func (a *Authorizer) CancelLogin() {
	stopped := a.slot.Stop()

	a.mu.Lock()
	a.sess = nil
	a.polls = 0

	if a.state == CodeRequested || a.state == Polling {
		a.state = Idle
	}
	a.mu.Unlock()

	a.logger.Info("device flow canceled", slog.Bool("was_running", stopped))
}

// Close stops the device flow worker.
func (a *Authorizer) Close() {
	a.slot.Stop()
}

// Wait blocks until the current flow run exits or ctx is done.
func (a *Authorizer) Wait(ctx context.Context) error {
	r := a.slot.Current()
	if r == nil {
		return nil
	}

	return r.Wait(ctx)
}

// Snapshot returns the current state.
func (a *Authorizer) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := Snapshot{
		State:   a.state,
		Failure: a.failure,
		Polls:   a.polls,

		TokenObtainedAt: a.obtainedAt,
	}

	if a.lastErr != nil {
		snap.LastError = a.lastErr.Error()
	}

	if a.sess != nil {
		info := a.sess.info()
		snap.Code = &info
	}

	return snap
}

// State returns the current state.
func (a *Authorizer) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.state
}

// LoggedIn reports whether a refresh token is stored.
func (a *Authorizer) LoggedIn(ctx context.Context) (bool, error) {
	c, err := a.creds.LoadCredential(ctx)
	if err != nil {
		return false, err
	}

	return c.Authenticated(), nil
}

// AccessToken returns the in-memory access token, if any.
func (a *Authorizer) AccessToken() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.accessToken, a.accessToken != ""
}

func (a *Authorizer) setState(s State) {
	a.mu.Lock()
	prev := a.state
	a.state = s

	if s != Failed {
		a.failure = 0
	}
	a.mu.Unlock()

	if prev != s {
		a.logger.Debug("device flow state", slog.String("from", prev.String()), slog.String("to", s.String()))
	}
}

func (a *Authorizer) fail(err error) error {
	kind := provider.AuthKindOf(err)
	if kind == 0 {
		kind = provider.AuthInvalid
	}

	a.mu.Lock()
	a.state = Failed
	a.failure = kind
	a.lastErr = err
	a.sess = nil
	a.mu.Unlock()

	a.logger.Warn("device flow failed",
		slog.String("kind", kind.String()),
		slog.String("error", err.Error()),
	)
	a.signal.Signal(notify.Error)

	return err
}

func (a *Authorizer) requestCode(ctx context.Context) (*session, error) {
	a.mu.Lock()
	a.sess = nil
	a.polls = 0
	a.lastErr = nil
	a.mu.Unlock()

	a.setState(CodeRequested)

	dc, err := a.client.RequestDeviceCode(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}

		return nil, a.fail(err)
	}

	sess := &session{
		id:              uuid.NewString(),
		deviceCode:      dc.DeviceCode,
		userCode:        dc.UserCode,
		verificationURL: dc.VerificationURL,
		expiresAt:       a.nowFunc().Add(dc.ExpiresIn),
		interval:        dc.Interval,
	}

	a.mu.Lock()
	a.sess = sess
	a.mu.Unlock()

	a.logger.Info("device flow session opened",
		slog.String("session", sess.id),
		slog.String("verification_url", sess.verificationURL),
		slog.Time("expires_at", sess.expiresAt),
	)

	return sess, nil
}

// pollLoop polls until authorized, refused, expired, or canceled. The wait
// between polls is clamped to the time left in the session so expiry is
// detected on time.
func (a *Authorizer) pollLoop(ctx context.Context, sess *session) error {
	a.setState(Polling)

	interval := sess.interval

	for {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}

		if !a.nowFunc().Before(sess.expiresAt) {
			return a.fail(provider.NewAuthError(provider.AuthExpired, "", "device code expired before authorization"))
		}

		a.mu.Lock()
		a.polls++
		a.mu.Unlock()

		tok, err := a.client.PollToken(ctx, sess.deviceCode)
		if err == nil {
			return a.complete(ctx, sess, tok)
		}

		if ctx.Err() != nil {
			return context.Cause(ctx)
		}

		var ae *provider.AuthError

		switch {
		case errors.As(err, &ae) && ae.Kind == provider.AuthPending:
			if ae.SlowDown {
				interval += slowDownStep
				a.logger.Debug("provider asked to slow down", slog.Duration("interval", interval))
			}
		case errors.As(err, &ae):
			return a.fail(err)
		default:
			a.logger.Warn("token poll failed, will retry", slog.String("error", err.Error()))
		}

		wait := interval
		if remaining := sess.expiresAt.Sub(a.nowFunc()); remaining < wait {
			wait = remaining
		}

		if wait > 0 {
			if err := a.sleepFunc(ctx, wait); err != nil {
				return err
			}
		}
	}
}

// complete persists the credential and fetches the account identity.
func (a *Authorizer) complete(ctx context.Context, sess *session, tok *provider.Tokens) error {
	if tok.RefreshToken == "" {
		return a.fail(provider.NewAuthError(provider.AuthInvalid, "", "token response carried no refresh token"))
	}

	// A token the provider already issued is persisted even if the flow is
	// being canceled.
	err := a.creds.SaveCredential(context.WithoutCancel(ctx), store.Credential{
		RefreshToken: tok.RefreshToken,
		ProviderType: string(a.client.Kind()),
	})
	if err != nil {
		return a.fail(fmt.Errorf("deviceflow: saving credential: %w", err))
	}

	a.mu.Lock()
	a.sess = nil
	a.accessToken = tok.AccessToken
	a.obtainedAt = a.nowFunc()
	a.mu.Unlock()

	a.setState(Authorized)
	a.logger.Info("device authorized", slog.String("session", sess.id))

	if _, err := a.fetchIdentity(ctx, tok.AccessToken); err != nil {
		// The credential stays valid; the identity is fetched again on the
		// next refresh.
		a.logger.Warn("identity fetch failed", slog.String("error", err.Error()))
	} else {
		a.setState(IdentityFetched)
	}

	a.setState(Idle)
	a.signal.Signal(notify.Ready)

	return nil
}

func (a *Authorizer) fetchIdentity(ctx context.Context, accessToken string) (string, error) {
	id, err := a.client.FetchIdentity(ctx, accessToken)
	if err != nil {
		return "", err
	}

	if err := a.creds.SetAccountID(ctx, id.AccountID); err != nil {
		return "", err
	}

	a.logger.Info("account identified", slog.String("account_id", id.AccountID))

	return id.AccountID, nil
}

// Refresh exchanges the stored refresh token for a fresh access token and
// returns it with the account id. It makes up to the configured number of
// attempts before reporting AuthInvalid. An empty credential reports
// AuthNotSettings without calling the provider. When the stored credential
// has no account id yet, the identity is fetched once; a failure there
// reports ErrIdentityUnavailable.
func (a *Authorizer) Refresh(ctx context.Context) (accessToken, accountID string, err error) {
	cred, err := a.creds.LoadCredential(ctx)
	if err != nil {
		return "", "", err
	}

	if !cred.Authenticated() {
		return "", "", provider.NewAuthError(provider.AuthNotSettings, "", "no stored credential")
	}

	var lastErr error

	for attempt := 1; attempt <= a.refreshAttempts; attempt++ {
		accessToken, lastErr = a.refreshOnce(ctx, cred)
		if lastErr == nil {
			break
		}

		if ctx.Err() != nil {
			return "", "", context.Cause(ctx)
		}

		a.logger.Warn("token refresh failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", a.refreshAttempts),
			slog.String("error", lastErr.Error()),
		)

		if attempt < a.refreshAttempts {
			if err := a.sleepFunc(ctx, a.refreshRetryDelay); err != nil {
				return "", "", err
			}
		}
	}

	if lastErr != nil {
		return "", "", &provider.AuthError{
			Kind:    provider.AuthInvalid,
			Code:    "refresh_exhausted",
			Message: lastErr.Error(),
		}
	}

	if cred.AccountID != "" {
		return accessToken, cred.AccountID, nil
	}

	// The token is good; only the identity is missing. One attempt, and a
	// failure leaves the credential in place.
	accountID, err = a.fetchIdentity(ctx, accessToken)
	if err != nil {
		if ctx.Err() != nil {
			return "", "", context.Cause(ctx)
		}

		return "", "", fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}

	return accessToken, accountID, nil
}

func (a *Authorizer) refreshOnce(ctx context.Context, cred store.Credential) (string, error) {
	tok, err := a.client.RefreshToken(ctx, cred.RefreshToken)
	if err != nil {
		return "", err
	}

	if tok.RefreshToken != "" {
		cred.RefreshToken = tok.RefreshToken
		if err := a.creds.SaveCredential(ctx, cred); err != nil {
			return "", fmt.Errorf("deviceflow: saving rotated refresh token: %w", err)
		}
	}

	a.mu.Lock()
	a.accessToken = tok.AccessToken
	a.obtainedAt = a.nowFunc()
	a.mu.Unlock()

	return tok.AccessToken, nil
}
