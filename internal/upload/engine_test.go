package upload

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/cloudupload-go/internal/media"
	"github.com/tonimelisma/cloudupload-go/internal/notify"
	"github.com/tonimelisma/cloudupload-go/internal/provider"
	"github.com/tonimelisma/cloudupload-go/internal/store"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// fakeClient records uploads and delegates the outcome to fn.
type fakeClient struct {
	mu    sync.Mutex
	names []string
	fn    func(ctx context.Context, a provider.Asset) (string, error)
}

func (f *fakeClient) Kind() provider.Kind { return provider.GooglePhotos }

func (f *fakeClient) RequestDeviceCode(context.Context) (*provider.DeviceCode, error) {
	return nil, provider.ErrNotAvailable
}

func (f *fakeClient) PollToken(context.Context, string) (*provider.Tokens, error) {
	return nil, provider.ErrNotAvailable
}

func (f *fakeClient) RefreshToken(context.Context, string) (*provider.Tokens, error) {
	return nil, provider.ErrNotAvailable
}

func (f *fakeClient) FetchIdentity(context.Context, string) (*provider.Identity, error) {
	return nil, provider.ErrNotAvailable
}

func (f *fakeClient) UploadAsset(ctx context.Context, _ string, a provider.Asset) (string, error) {
	f.mu.Lock()
	f.names = append(f.names, a.Name)
	fn := f.fn
	f.mu.Unlock()

	if fn == nil {
		return "remote-" + a.Name, nil
	}

	return fn(ctx, a)
}

func (f *fakeClient) attempts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.names...)
}

type fakeTokens struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeTokens) Refresh(context.Context) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.err != nil {
		return "", "", f.err
	}

	return "access", "alice", nil
}

type fakeMedia struct {
	items []media.Item
}

func (m *fakeMedia) ListAll(context.Context, []string) ([]media.Item, error) {
	return append([]media.Item(nil), m.items...), nil
}

func (m *fakeMedia) Describe(path string) (media.Item, error) {
	for _, it := range m.items {
		if it.Path == path {
			return it, nil
		}
	}

	return media.Item{}, media.ErrUnsupported
}

type signalRecorder struct {
	mu       sync.Mutex
	statuses []notify.Status
	uploads  []notify.UploadEvent
}

func (r *signalRecorder) Signal(s notify.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.statuses = append(r.statuses, s)
}

func (r *signalRecorder) UploadStatus(e notify.UploadEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.uploads = append(r.uploads, e)
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)

	return nil
}

type harness struct {
	engine *Engine
	store  *store.Store
	client *fakeClient
	tokens *fakeTokens
	media  *fakeMedia
	clock  *fakeClock
	sig    *signalRecorder
}

func items(names ...string) []media.Item {
	out := make([]media.Item, 0, len(names))
	for i, n := range names {
		p := "/photos/" + n
		out = append(out, media.Item{
			Path:        p,
			FSPath:      p,
			CaptureTime: time.Unix(1700000000+int64(i), 0),
			Size:        10,
		})
	}

	return out
}

func newHarness(t *testing.T, loggedIn bool, names ...string) *harness {
	t.Helper()

	ctx := context.Background()

	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "test.db"), testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	if loggedIn {
		require.NoError(t, st.SaveCredential(ctx, store.Credential{
			RefreshToken: "rt", AccountID: "alice", ProviderType: string(provider.GooglePhotos),
		}))
	}

	h := &harness{
		store:  st,
		client: &fakeClient{},
		tokens: &fakeTokens{},
		media:  &fakeMedia{items: items(names...)},
		clock:  &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
		sig:    &signalRecorder{},
	}

	h.engine = NewEngine(h.client, h.tokens, st, h.media, h.sig, Options{
		RetryBackoff: 30 * time.Second,
		Logger:       testLogger(t),
	})
	h.engine.nowFunc = h.clock.Now
	h.engine.sleepFunc = h.clock.Sleep
	h.engine.readFunc = func(it media.Item) ([]byte, error) { return []byte(it.Path), nil }

	t.Cleanup(func() { h.engine.Cancel() })

	return h
}

func (h *harness) ledgerCount(t *testing.T) int {
	t.Helper()

	n, err := h.store.CountUploaded(context.Background(), string(provider.GooglePhotos))
	require.NoError(t, err)

	return n
}

func TestRun_UploadsInOrderWithMonotonicProgress(t *testing.T) {
	h := newHarness(t, true, "a.jpg", "b.jpg", "c.jpg")

	var (
		mu       sync.Mutex
		progress []Status
	)

	h.client.fn = func(_ context.Context, a provider.Asset) (string, error) {
		mu.Lock()
		progress = append(progress, h.engine.Status())
		mu.Unlock()

		return "remote-" + a.Name, nil
	}

	res := h.engine.Run(context.Background(), Request{})

	assert.Equal(t, Success, res.Outcome)
	assert.Equal(t, 0, res.Outcome.Code())
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 3, res.Uploaded)
	assert.Equal(t, []string{"a.jpg", "b.jpg", "c.jpg"}, h.client.attempts())
	assert.Equal(t, 3, h.ledgerCount(t))

	prev := -1
	for _, st := range progress {
		assert.True(t, st.Active)
		assert.GreaterOrEqual(t, st.Current, prev)
		assert.LessOrEqual(t, st.Current, st.Total)
		prev = st.Current
	}

	final := h.engine.Status()
	assert.False(t, final.Active)
	assert.Equal(t, 3, final.Current)
	assert.Equal(t, 3, final.Total)
	require.NotNil(t, final.Last)
	assert.Equal(t, Success, final.Last.Outcome)
}

func TestRun_PreviousResultClearedWhileActive(t *testing.T) {
	h := newHarness(t, true, "a.jpg")

	h.client.fn = func(context.Context, provider.Asset) (string, error) {
		return "", &provider.NetworkError{StatusCode: 403}
	}

	res := h.engine.Run(context.Background(), Request{})
	require.Equal(t, BadSettings, res.Outcome)
	require.NotNil(t, h.engine.Status().Last)

	var during Status

	h.client.fn = func(_ context.Context, a provider.Asset) (string, error) {
		during = h.engine.Status()
		return "remote-" + a.Name, nil
	}

	res = h.engine.Run(context.Background(), Request{})
	require.Equal(t, Success, res.Outcome)

	assert.True(t, during.Active)
	assert.Nil(t, during.Last, "an active session does not report the previous result")

	final := h.engine.Status()
	require.NotNil(t, final.Last)
	assert.Equal(t, Success, final.Last.Outcome)
}

func TestRun_SecondRunIsDeduplicated(t *testing.T) {
	h := newHarness(t, true, "a.jpg", "b.jpg")

	require.Equal(t, Success, h.engine.Run(context.Background(), Request{}).Outcome)
	require.Len(t, h.client.attempts(), 2)

	res := h.engine.Run(context.Background(), Request{})
	assert.Equal(t, NotReady, res.Outcome)
	assert.Len(t, h.client.attempts(), 2, "no network call for already uploaded items")
	assert.Equal(t, 2, h.ledgerCount(t))

	// An explicit request for an uploaded item is a zero-item success.
	res = h.engine.Run(context.Background(), Request{Paths: []string{"/photos/a.jpg"}, Explicit: true})
	assert.Equal(t, Success, res.Outcome)
	assert.Equal(t, 0, res.Total)
	assert.Len(t, h.client.attempts(), 2)
}

func TestRun_ExplicitPathsAreFiltered(t *testing.T) {
	h := newHarness(t, true, "a.jpg", "b.jpg", "c.jpg")

	res := h.engine.Run(context.Background(), Request{
		Paths:    []string{"/photos/c.jpg", "/elsewhere/x.png", "/photos/a.jpg", "/photos/c.jpg"},
		Explicit: true,
	})

	assert.Equal(t, Success, res.Outcome)
	assert.Equal(t, 2, res.Uploaded)
	assert.Equal(t, []string{"c.jpg", "a.jpg"}, h.client.attempts())
}

func TestRun_EmptyLibraryIsNotReady(t *testing.T) {
	h := newHarness(t, true)

	res := h.engine.Run(context.Background(), Request{})
	assert.Equal(t, NotReady, res.Outcome)
	assert.Equal(t, -1, res.Outcome.Code())
	assert.Zero(t, h.tokens.calls)
}

func TestRun_WithoutCredentialIsNotSettings(t *testing.T) {
	h := newHarness(t, false, "a.jpg")

	res := h.engine.Run(context.Background(), Request{})
	assert.Equal(t, NotSettings, res.Outcome)
	assert.Equal(t, 1, res.Outcome.Code())
	assert.ErrorIs(t, res.Err, provider.ErrNotSettings)
	assert.Empty(t, h.client.attempts())
	assert.Zero(t, h.tokens.calls)
}

func TestRun_RefreshFailureIsInvalidCredential(t *testing.T) {
	h := newHarness(t, true, "a.jpg")
	h.tokens.err = provider.NewAuthError(provider.AuthInvalid, "refresh_exhausted", "")

	res := h.engine.Run(context.Background(), Request{})
	assert.Equal(t, InvalidCredential, res.Outcome)
	assert.Empty(t, h.client.attempts())
}

func TestRun_AuthorizationFailureEndsSession(t *testing.T) {
	h := newHarness(t, true, "a.jpg", "b.jpg", "c.jpg")
	h.client.fn = func(_ context.Context, a provider.Asset) (string, error) {
		if a.Name == "b.jpg" {
			return "", &provider.NetworkError{StatusCode: 403, Message: "forbidden"}
		}

		return "remote-" + a.Name, nil
	}

	res := h.engine.Run(context.Background(), Request{})

	assert.Equal(t, BadSettings, res.Outcome)
	assert.Equal(t, 2, res.Outcome.Code())
	assert.Equal(t, []string{"a.jpg", "b.jpg"}, h.client.attempts(), "no retry, no later items")
	assert.Equal(t, 1, h.ledgerCount(t))
	assert.Empty(t, h.clock.sleeps)

	set, err := h.store.UploadedSet(context.Background(), string(provider.GooglePhotos))
	require.NoError(t, err)
	assert.NotContains(t, set, store.NewItemKey("/photos/c.jpg", time.Unix(1700000002, 0), "alice"))
}

func TestRun_TimeoutAbortsWithinBackoffOfLimit(t *testing.T) {
	h := newHarness(t, true, "a.jpg", "b.jpg")
	require.NoError(t, h.store.SetNoOperationTimeout(context.Background(), 1))

	h.client.fn = func(context.Context, provider.Asset) (string, error) {
		return "", &provider.NetworkError{StatusCode: 503, Message: "unavailable"}
	}

	res := h.engine.Run(context.Background(), Request{})

	assert.Equal(t, Timeout, res.Outcome)
	assert.Equal(t, 3, res.Outcome.Code())
	require.ErrorIs(t, res.Err, ErrSessionTimeout)

	elapsed := res.EndedAt.Sub(res.StartedAt)
	assert.GreaterOrEqual(t, elapsed, time.Minute)
	assert.LessOrEqual(t, elapsed, time.Minute+30*time.Second)

	for _, name := range h.client.attempts() {
		assert.Equal(t, "a.jpg", name, "no further items after timeout")
	}

	assert.Zero(t, h.ledgerCount(t))
}

func TestRun_TransientFailuresRetryWithoutTimeout(t *testing.T) {
	h := newHarness(t, true, "a.jpg")

	failures := 2
	h.client.fn = func(_ context.Context, a provider.Asset) (string, error) {
		if failures > 0 {
			failures--
			return "", &provider.NetworkError{StatusCode: 500}
		}

		return "remote-" + a.Name, nil
	}

	res := h.engine.Run(context.Background(), Request{})

	assert.Equal(t, Success, res.Outcome)
	assert.Equal(t, []time.Duration{30 * time.Second, 30 * time.Second}, h.clock.sleeps)
	assert.Equal(t, 1, h.ledgerCount(t))
}

func TestRun_UnreadableItemIsSkipped(t *testing.T) {
	h := newHarness(t, true, "a.jpg", "b.jpg")
	h.engine.readFunc = func(it media.Item) ([]byte, error) {
		if it.Path == "/photos/a.jpg" {
			return nil, errors.New("permission denied")
		}

		return []byte("x"), nil
	}

	res := h.engine.Run(context.Background(), Request{})

	assert.Equal(t, Success, res.Outcome)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, []string{"b.jpg"}, h.client.attempts())
	assert.Equal(t, 2, h.engine.Status().Current)
}

func TestRun_CompletionHold(t *testing.T) {
	h := newHarness(t, true, "a.jpg")
	h.engine.hold = 3 * time.Second

	res := h.engine.Run(context.Background(), Request{})

	assert.Equal(t, Success, res.Outcome)
	assert.Equal(t, []time.Duration{3 * time.Second}, h.clock.sleeps)
}

func TestCancelDuringBackoff(t *testing.T) {
	h := newHarness(t, true, "a.jpg", "b.jpg", "c.jpg")
	h.client.fn = func(_ context.Context, a provider.Asset) (string, error) {
		if a.Name == "a.jpg" {
			return "remote-a", nil
		}

		return "", &provider.NetworkError{StatusCode: 502}
	}

	backingOff := make(chan struct{}, 1)
	h.engine.sleepFunc = func(ctx context.Context, _ time.Duration) error {
		select {
		case backingOff <- struct{}{}:
		default:
		}

		<-ctx.Done()

		return context.Cause(ctx)
	}

	fut := h.engine.Start(context.Background(), Request{})

	select {
	case <-backingOff:
	case <-time.After(5 * time.Second):
		t.Fatal("engine never entered backoff")
	}

	start := time.Now()
	assert.True(t, h.engine.Cancel())
	assert.Less(t, time.Since(start), time.Second)

	res, err := fut.Await(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, Canceled, res.Outcome)
	assert.Equal(t, 1, h.ledgerCount(t))
	assert.Equal(t, []string{"a.jpg", "b.jpg"}, h.client.attempts())
	assert.False(t, h.engine.Active())
}

func TestToggle(t *testing.T) {
	h := newHarness(t, true, "a.jpg")

	inFlight := make(chan struct{})
	h.client.fn = func(ctx context.Context, _ provider.Asset) (string, error) {
		close(inFlight)
		<-ctx.Done()

		return "", ctx.Err()
	}

	assert.True(t, h.engine.Toggle(context.Background()), "first toggle starts")
	<-inFlight
	assert.True(t, h.engine.Active())

	assert.False(t, h.engine.Toggle(context.Background()), "second toggle cancels")

	st := h.engine.Status()
	assert.False(t, st.Active)
	require.NotNil(t, st.Last)
	assert.Equal(t, Canceled, st.Last.Outcome)
	assert.Zero(t, h.ledgerCount(t), "in-flight item discarded")
}

func TestStartSupersedesRunningSession(t *testing.T) {
	h := newHarness(t, true, "a.jpg")

	var calls atomic.Int32

	inFlight := make(chan struct{})
	h.client.fn = func(ctx context.Context, a provider.Asset) (string, error) {
		if calls.Add(1) == 1 {
			close(inFlight)
			<-ctx.Done()

			return "", ctx.Err()
		}

		return "remote-" + a.Name, nil
	}

	first := h.engine.Start(context.Background(), Request{})
	<-inFlight

	second := h.engine.Start(context.Background(), Request{})

	r1, err := first.Await(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, Canceled, r1.Outcome)

	r2, err := second.Await(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, Success, r2.Outcome)
	assert.NotEqual(t, r1.SessionID, r2.SessionID)
}

func TestSignals(t *testing.T) {
	h := newHarness(t, true, "a.jpg")
	h.engine.Run(context.Background(), Request{})

	assert.Equal(t, []notify.UploadEvent{notify.UploadStart, notify.UploadEnd}, h.sig.uploads)
	assert.Equal(t, []notify.Status{notify.Transferring, notify.StopTransferring}, h.sig.statuses)

	h.client.fn = func(context.Context, provider.Asset) (string, error) {
		return "", &provider.NetworkError{StatusCode: 400}
	}
	h.media.items = items("z.jpg")
	h.engine.Run(context.Background(), Request{})

	assert.Equal(t, notify.Error, h.sig.statuses[len(h.sig.statuses)-1])
}

func TestOutcomeOf(t *testing.T) {
	assert.Equal(t, Success, OutcomeOf(nil))
	assert.Equal(t, Timeout, OutcomeOf(ErrSessionTimeout))
	assert.Equal(t, BadSettings, OutcomeOf(&provider.AuthError{Kind: provider.AuthBadSettings}))
	assert.Equal(t, Canceled, OutcomeOf(context.Canceled))
	assert.Equal(t, Failed, OutcomeOf(errors.New("disk on fire")))
	assert.Equal(t, "invalid_credential", InvalidCredential.String())
}
