package agent

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/cloudupload-go/internal/config"
	"github.com/tonimelisma/cloudupload-go/internal/media"
	"github.com/tonimelisma/cloudupload-go/internal/notify"
	"github.com/tonimelisma/cloudupload-go/internal/provider"
	"github.com/tonimelisma/cloudupload-go/internal/store"
	"github.com/tonimelisma/cloudupload-go/internal/upload"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// stubClient issues a device code and keeps every poll pending.
type stubClient struct{}

func (stubClient) Kind() provider.Kind { return provider.GooglePhotos }

func (stubClient) RequestDeviceCode(context.Context) (*provider.DeviceCode, error) {
	return &provider.DeviceCode{
		DeviceCode:      "dev",
		UserCode:        "ABCD-EFGH",
		VerificationURL: "https://example.com/device",
		ExpiresIn:       time.Hour,
		Interval:        time.Hour,
	}, nil
}

func (stubClient) PollToken(context.Context, string) (*provider.Tokens, error) {
	return nil, provider.NewAuthError(provider.AuthPending, "authorization_pending", "")
}

func (stubClient) RefreshToken(context.Context, string) (*provider.Tokens, error) {
	return &provider.Tokens{AccessToken: "access"}, nil
}

func (stubClient) FetchIdentity(context.Context, string) (*provider.Identity, error) {
	return &provider.Identity{AccountID: "alice"}, nil
}

func (stubClient) UploadAsset(context.Context, string, provider.Asset) (string, error) {
	return "remote", nil
}

type emptyMedia struct{}

func (emptyMedia) ListAll(context.Context, []string) ([]media.Item, error) { return nil, nil }

func (emptyMedia) Describe(string) (media.Item, error) { return media.Item{}, media.ErrUnsupported }

func newTestAgent(t *testing.T) (*Agent, *store.Store) {
	t.Helper()

	dir := t.TempDir()

	st, err := store.Open(context.Background(), filepath.Join(dir, "test.db"), testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.Server.BridgeTimeout = "2s"

	a := New(config.NewHolder(cfg, ""), st, stubClient{}, emptyMedia{}, Options{Logger: testLogger(t)})
	t.Cleanup(a.Close)

	return a, st
}

func TestAgent_LogoutReturnsCodeAndClearsCredential(t *testing.T) {
	a, st := newTestAgent(t)
	ctx := context.Background()

	require.NoError(t, st.SaveCredential(ctx, store.Credential{RefreshToken: "rt", AccountID: "alice"}))

	info, err := a.Logout(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ABCD-EFGH", info.UserCode)
	assert.Equal(t, "https://example.com/device", info.VerificationURL)

	loggedIn, err := a.LoggedIn(ctx)
	require.NoError(t, err)
	assert.False(t, loggedIn)
}

func TestAgent_AuthInfo(t *testing.T) {
	a, st := newTestAgent(t)
	ctx := context.Background()

	info, err := a.AuthInfo(ctx)
	require.NoError(t, err)
	assert.False(t, info.LoggedIn)
	require.NotNil(t, info.Code)
	assert.Equal(t, "ABCD-EFGH", info.Code.UserCode)

	// The open session is reused.
	again, err := a.AuthInfo(ctx)
	require.NoError(t, err)
	require.NotNil(t, again.Code)
	assert.Equal(t, info.Code.SessionID, again.Code.SessionID)

	a.CancelLogin()
	require.NoError(t, st.SaveCredential(ctx, store.Credential{RefreshToken: "rt"}))

	info, err = a.AuthInfo(ctx)
	require.NoError(t, err)
	assert.True(t, info.LoggedIn)
	assert.Nil(t, info.Code)
}

func TestAgent_UploadPathsReportsResult(t *testing.T) {
	a, _ := newTestAgent(t)

	res := a.UploadPaths(context.Background(), nil)
	assert.Equal(t, upload.NotReady, res.Outcome)
	assert.False(t, a.UploadStatus().Active)
}

func TestAgent_SettingsAndStatus(t *testing.T) {
	a, st := newTestAgent(t)
	ctx := context.Background()

	minutes, err := a.NoOperationTimeout(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.NoTimeout, minutes)

	require.NoError(t, a.SetNoOperationTimeout(ctx, 15))
	require.NoError(t, st.SaveCredential(ctx, store.Credential{RefreshToken: "rt", AccountID: "alice"}))

	s, err := a.Status(ctx)
	require.NoError(t, err)
	assert.True(t, s.LoggedIn)
	assert.Equal(t, "alice", s.AccountID)
	assert.Equal(t, provider.GooglePhotos, s.Provider)
	assert.Equal(t, 15, s.TimeoutMinutes)
	assert.Zero(t, s.UploadedCount)
	assert.True(t, s.LastUploadAt.IsZero())
}

func TestAgent_RunAppliesSettingsAndStopsOnShutdown(t *testing.T) {
	a, _ := newTestAgent(t)
	ctx := context.Background()

	require.NoError(t, a.SetNoOperationTimeout(ctx, 30))

	done := make(chan error, 1)

	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, a.idle.Armed, 2*time.Second, 10*time.Millisecond)

	a.RequestShutdown("test")
	a.RequestShutdown("again")

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrShutdownRequested)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	assert.False(t, a.idle.Armed())
}

func TestAgent_EventsFanOut(t *testing.T) {
	a, _ := newTestAgent(t)

	ch, unsubscribe := a.Subscribe()
	defer unsubscribe()

	a.UploadLibrary(context.Background())

	ev := <-ch
	assert.Equal(t, notify.UploadStart, ev.Upload)
}

func TestIdleTimer_ExpiresAfterTimeoutAndGrace(t *testing.T) {
	var fired atomic.Int32

	timer := NewIdleTimer(5*time.Millisecond, func() { fired.Add(1) }, testLogger(t))
	defer timer.Stop()

	timer.SetTimeout(10 * time.Millisecond)

	require.Eventually(t, func() bool { return fired.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestIdleTimer_PausedDuringUpload(t *testing.T) {
	var fired atomic.Int32

	timer := NewIdleTimer(0, func() { fired.Add(1) }, testLogger(t))
	defer timer.Stop()

	var mu sync.Mutex

	var sleeps []time.Duration

	timer.sleepFunc = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		sleeps = append(sleeps, d)
		mu.Unlock()

		<-ctx.Done()

		return context.Cause(ctx)
	}

	sleepCount := func() int {
		mu.Lock()
		defer mu.Unlock()

		return len(sleeps)
	}

	timer.SetTimeout(time.Minute)
	assert.True(t, timer.Armed())
	require.Eventually(t, func() bool { return sleepCount() == 1 }, time.Second, 5*time.Millisecond)

	timer.UploadStatus(notify.UploadStart)
	assert.False(t, timer.Armed())

	// A settings change during the upload does not re-arm.
	timer.SetTimeout(2 * time.Minute)
	assert.False(t, timer.Armed())

	timer.UploadStatus(notify.UploadEnd)
	assert.True(t, timer.Armed())

	require.Eventually(t, func() bool { return sleepCount() == 2 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []time.Duration{time.Minute, 2 * time.Minute}, sleeps)
	mu.Unlock()

	timer.SetTimeout(0)
	assert.False(t, timer.Armed())
	assert.Zero(t, fired.Load())
}

type sinkRecorder struct {
	mu  sync.Mutex
	got []time.Duration
}

func (s *sinkRecorder) SetTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.got = append(s.got, d)
}

func (s *sinkRecorder) values() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]time.Duration(nil), s.got...)
}

type fixedSettings struct{ minutes int }

func (f *fixedSettings) LoadSettings(context.Context) (store.Settings, error) {
	return store.Settings{NoOperationTimeoutMinutes: f.minutes}, nil
}

func TestIdleTimer_TimeoutChangeDuringUploadStartStaysDisarmed(t *testing.T) {
	timer := NewIdleTimer(0, func() {}, testLogger(t))
	defer timer.Stop()

	timer.sleepFunc = func(ctx context.Context, _ time.Duration) error {
		<-ctx.Done()
		return context.Cause(ctx)
	}

	for range 200 {
		var wg sync.WaitGroup

		wg.Add(2)

		go func() {
			defer wg.Done()
			timer.SetTimeout(time.Hour)
		}()

		go func() {
			defer wg.Done()
			timer.UploadStatus(notify.UploadStart)
		}()

		wg.Wait()
		require.False(t, timer.Armed(), "countdown must not run while uploading")

		timer.UploadStatus(notify.UploadEnd)
		require.True(t, timer.Armed())
	}
}

func TestRefresher_TickAppliesOnlyWhenChanged(t *testing.T) {
	src := &fixedSettings{minutes: 5}
	sink := &sinkRecorder{}
	r := NewRefresher(src, sink, config.NewHolder(config.DefaultConfig(), ""), config.EnvOverrides{}, testLogger(t))

	r.Tick(context.Background())
	r.Tick(context.Background())
	assert.Equal(t, []time.Duration{5 * time.Minute}, sink.values())

	src.minutes = -1
	r.MarkChanged()
	r.Tick(context.Background())
	assert.Equal(t, []time.Duration{5 * time.Minute, 0}, sink.values())
}

// writeConfigAtomic replaces path in one step, the way editors save.
func writeConfigAtomic(t *testing.T, path, content string) {
	t.Helper()

	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o600))
	require.NoError(t, os.Rename(tmp, path))
}

func TestRefresher_ReloadsConfigOnFileChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[logging]\nlog_level = \"info\"\n"), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	cfg.Agent.SettingsPollInterval = "10ms"

	holder := config.NewHolder(cfg, path)
	r := NewRefresher(&fixedSettings{}, &sinkRecorder{}, holder, config.EnvOverrides{}, testLogger(t))
	r.quiet = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		// Rewrite until the watcher is up and has picked the change.
		writeConfigAtomic(t, path, "[logging]\nlog_level = \"debug\"\n")
		return holder.Config().Logging.LogLevel == "debug"
	}, 5*time.Second, 100*time.Millisecond)

	// An invalid file keeps the previous config.
	writeConfigAtomic(t, path, "[logging]\nlog_levl = \"warn\"\n")
	r.ReloadConfig()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, "debug", holder.Config().Logging.LogLevel)

	cancel()
	require.NoError(t, <-done)
}

func TestRefresher_EmptyFileKeepsConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[logging]\nlog_level = \"debug\"\n"), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	holder := config.NewHolder(cfg, path)
	r := NewRefresher(&fixedSettings{}, &sinkRecorder{}, holder, config.EnvOverrides{}, testLogger(t))

	// A save caught between truncate and write.
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	r.reloadConfig()
	assert.Equal(t, "debug", holder.Config().Logging.LogLevel)

	writeConfigAtomic(t, path, "[logging]\nlog_level = \"warn\"\n")
	r.reloadConfig()
	assert.Equal(t, "warn", holder.Config().Logging.LogLevel)
}

func TestRefresher_WatchEventsSettleBeforeReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[logging]\nlog_level = \"info\"\n"), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	cfg.Agent.SettingsPollInterval = "10ms"

	holder := config.NewHolder(cfg, path)
	r := NewRefresher(&fixedSettings{}, &sinkRecorder{}, holder, config.EnvOverrides{}, testLogger(t))
	r.quiet = 300 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() { done <- r.Run(ctx) }()

	// Give the watcher time to start, then change the file.
	time.Sleep(100 * time.Millisecond)
	writeConfigAtomic(t, path, "[logging]\nlog_level = \"debug\"\n")

	// Inside the quiet period nothing is reloaded yet.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, "info", holder.Config().Logging.LogLevel)

	require.Eventually(t, func() bool {
		return holder.Config().Logging.LogLevel == "debug"
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
