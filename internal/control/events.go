package control

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/tonimelisma/cloudupload-go/internal/notify"
)

const frameWriteTimeout = 5 * time.Second

// eventFrame is one websocket message: the upload snapshot, plus the signal
// that triggered it when the frame is not a periodic push.
type eventFrame struct {
	uploadingResponse
	Status string `json:"status,omitempty"`
	Event  string `json:"event,omitempty"`
}

// handleEvents streams status frames until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer c.CloseNow()

	// The client never sends; CloseRead handles its close frame.
	ctx := c.CloseRead(r.Context())

	events, unsubscribe := s.backend.Subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(s.pushInterval)
	defer ticker.Stop()

	send := func(f eventFrame) error {
		wctx, cancel := context.WithTimeout(ctx, frameWriteTimeout)
		defer cancel()

		return wsjson.Write(wctx, c, f)
	}

	if err := send(s.frame(notify.Event{})); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			c.Close(websocket.StatusNormalClosure, "")
			return

		case ev, ok := <-events:
			if !ok {
				c.Close(websocket.StatusGoingAway, "")
				return
			}

			if err := send(s.frame(ev)); err != nil {
				s.logger.Debug("websocket write failed", slog.String("error", err.Error()))
				return
			}

		case <-ticker.C:
			if err := send(s.frame(notify.Event{})); err != nil {
				s.logger.Debug("websocket write failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (s *Server) frame(ev notify.Event) eventFrame {
	f := eventFrame{uploadingResponse: uploadingSnapshot(s.backend.UploadStatus())}

	if ev.Status != 0 {
		f.Status = ev.Status.String()
	}

	if ev.Upload != 0 {
		f.Event = ev.Upload.String()
	}

	return f
}
