package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tonimelisma/cloudupload-go/internal/deviceflow"
	"github.com/tonimelisma/cloudupload-go/internal/provider"
	"github.com/tonimelisma/cloudupload-go/internal/upload"
	"github.com/tonimelisma/cloudupload-go/internal/worker"
)

// codeResponse is returned by /logout and /reacquire.
type codeResponse struct {
	UserCode        string `json:"user_code"`
	VerificationURL string `json:"verification_url"`
}

// authResponse is returned by /auth.
type authResponse struct {
	UserCode        string `json:"user_code,omitempty"`
	VerificationURL string `json:"verification_url,omitempty"`
	LoggedIn        bool   `json:"logged_in"`
}

// uploadingResponse is returned by /check_uploading. isUploading is 0 or 1.
type uploadingResponse struct {
	IsUploading int    `json:"isUploading"`
	Current     int    `json:"current"`
	All         int    `json:"all"`
	Result      string `json:"result,omitempty"`
	ResultCode  *int   `json:"result_code,omitempty"`
}

type settingsResponse struct {
	NoOperationTimeoutMinute int `json:"no_operation_timeout_minute"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

// writeFailure reports an operation failure as status data. Only malformed
// requests get an error status code.
func writeFailure(w http.ResponseWriter, err error) {
	writeError(w, http.StatusOK, errorKind(err), err.Error())
}

func writeAck(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
}

// errorKind names an error for the UI.
func errorKind(err error) string {
	if kind := provider.AuthKindOf(err); kind != 0 {
		return kind.String()
	}

	switch {
	case errors.Is(err, worker.ErrWaitTimeout):
		return "bridge_timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, worker.ErrCanceled), errors.Is(err, worker.ErrSuperseded):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		var ne *provider.NetworkError
		if errors.As(err, &ne) {
			return "network"
		}

		return "internal"
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.backend.Login(r.Context())
	writeAck(w)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	info, err := s.backend.Logout(r.Context())
	s.writeCode(w, "logout", info, err)
}

func (s *Server) handleReacquire(w http.ResponseWriter, r *http.Request) {
	info, err := s.backend.Reacquire(r.Context())
	s.writeCode(w, "reacquire", info, err)
}

func (s *Server) writeCode(w http.ResponseWriter, op string, info deviceflow.CodeInfo, err error) {
	if err != nil {
		s.logger.Warn("device code unavailable", slog.String("op", op), slog.String("error", err.Error()))
		writeFailure(w, err)

		return
	}

	writeJSON(w, http.StatusOK, codeResponse{UserCode: info.UserCode, VerificationURL: info.VerificationURL})
}

func (s *Server) handleCheckLoggedIn(w http.ResponseWriter, r *http.Request) {
	loggedIn, err := s.backend.LoggedIn(r.Context())
	if err != nil {
		s.logger.Warn("checking login state", slog.String("error", err.Error()))
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if loggedIn {
		_, _ = w.Write([]byte("1"))
		return
	}

	_, _ = w.Write([]byte("0"))
}

func (s *Server) handleCancel(w http.ResponseWriter, _ *http.Request) {
	s.backend.CancelLogin()
	writeAck(w)
}

func (s *Server) handleAck(w http.ResponseWriter, _ *http.Request) {
	writeAck(w)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	started := s.backend.ToggleUpload(r.Context())
	s.logger.Info("upload toggled", slog.Bool("started", started))
	writeAck(w)
}

func (s *Server) handleCheckUploading(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, uploadingSnapshot(s.backend.UploadStatus()))
}

func uploadingSnapshot(st upload.Status) uploadingResponse {
	var resp uploadingResponse

	if st.Active {
		resp.IsUploading = 1
		resp.Current = st.Current
		resp.All = st.Total
	}

	if !st.Active && st.Last != nil {
		resp.Result = st.Last.Outcome.String()

		if code := st.Last.Outcome.Code(); code >= 0 {
			resp.ResultCode = &code
		}
	}

	return resp
}

func (s *Server) handleEnd(w http.ResponseWriter, _ *http.Request) {
	s.backend.RequestShutdown("control request")
	writeAck(w)
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	info, err := s.backend.AuthInfo(r.Context())
	if err != nil {
		s.logger.Warn("auth info unavailable", slog.String("error", err.Error()))
		writeFailure(w, err)

		return
	}

	resp := authResponse{LoggedIn: info.LoggedIn}
	if info.Code != nil {
		resp.UserCode = info.Code.UserCode
		resp.VerificationURL = info.Code.VerificationURL
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	minutes, err := s.backend.NoOperationTimeout(r.Context())
	if err != nil {
		s.logger.Error("reading settings", slog.String("error", err.Error()))
		writeFailure(w, err)

		return
	}

	writeJSON(w, http.StatusOK, settingsResponse{NoOperationTimeoutMinute: minutes})
}
