// Package control serves the loopback HTTP surface the companion UI drives:
// login and logout, upload toggling, status polling, settings updates, and a
// websocket stream of status frames. Handlers that start device flows wait
// on the flow worker with a bounded wait; status reads never block.
package control

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/tonimelisma/cloudupload-go/internal/agent"
	"github.com/tonimelisma/cloudupload-go/internal/deviceflow"
	"github.com/tonimelisma/cloudupload-go/internal/notify"
	"github.com/tonimelisma/cloudupload-go/internal/upload"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Backend is what the control surface operates on.
type Backend interface {
	Login(ctx context.Context)
	Logout(ctx context.Context) (deviceflow.CodeInfo, error)
	Reacquire(ctx context.Context) (deviceflow.CodeInfo, error)
	CancelLogin()
	LoggedIn(ctx context.Context) (bool, error)
	AuthInfo(ctx context.Context) (agent.AuthInfo, error)
	ToggleUpload(ctx context.Context) bool
	UploadStatus() upload.Status
	RequestShutdown(reason string)
	NoOperationTimeout(ctx context.Context) (int, error)
	SetNoOperationTimeout(ctx context.Context, minutes int) error
	Subscribe() (<-chan notify.Event, func())
}

// Options configure a Server.
type Options struct {
	RequestRate        float64 // requests per second per client; <= 0 disables limiting
	RequestBurst       int
	StatusPushInterval time.Duration
	Logger             *slog.Logger
}

// Server is the control surface http.Handler.
type Server struct {
	backend      Backend
	logger       *slog.Logger
	pushInterval time.Duration
	handler      http.Handler
}

// NewServer builds the handler chain.
func NewServer(backend Backend, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	push := opts.StatusPushInterval
	if push <= 0 {
		push = time.Second
	}

	s := &Server{
		backend:      backend,
		logger:       logger,
		pushInterval: push,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/login", s.handleLogin)
	mux.HandleFunc("/logout", s.handleLogout)
	mux.HandleFunc("/reacquire", s.handleReacquire)
	mux.HandleFunc("/check_logged_in", s.handleCheckLoggedIn)
	mux.HandleFunc("/cancel", s.handleCancel)
	mux.HandleFunc("/done", s.handleAck)
	mux.HandleFunc("/upload", s.handleUpload)
	mux.HandleFunc("/check_uploading", s.handleCheckUploading)
	mux.HandleFunc("/end", s.handleEnd)
	mux.HandleFunc("/auth", s.handleAuth)
	mux.HandleFunc("/settings", s.handleSettings)
	mux.HandleFunc("/events", s.handleEvents)

	var h http.Handler = mux
	h = s.settingsParam(h)

	if opts.RequestRate > 0 {
		h = newRateLimiter(opts.RequestRate, opts.RequestBurst).limit(h)
	}

	h = s.logRequests(h)
	h = s.recoverPanics(h)

	s.handler = h

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Serve accepts connections on ln until ctx is canceled, then shuts the
// server down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)

	go func() {
		errCh <- srv.Serve(ln)
	}()

	s.logger.Info("control server listening", slog.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("control server shutdown", slog.String("error", err.Error()))
		return srv.Close()
	}

	s.logger.Info("control server stopped")

	return nil
}
