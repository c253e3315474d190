// Package notify carries fire-and-forget state signals from the agent to
// whoever is listening: a log, an indicator driver, the inactivity timer,
// or websocket subscribers. Signal methods never block the caller.
package notify

import (
	"log/slog"
	"sync"
	"time"
)

// Status is a user-visible agent state.
type Status int

// Agent status values.
const (
	Ready Status = iota + 1
	Transferring
	StopTransferring
	Error
)

func (s Status) String() string {
	switch s {
	case Ready:
		return "ready"
	case Transferring:
		return "transferring"
	case StopTransferring:
		return "stop_transferring"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// UploadEvent marks the boundaries of an upload session.
type UploadEvent int

// Upload session boundaries.
const (
	UploadStart UploadEvent = iota + 1
	UploadEnd
)

func (e UploadEvent) String() string {
	switch e {
	case UploadStart:
		return "start"
	case UploadEnd:
		return "end"
	default:
		return "unknown"
	}
}

// StatusSignaler receives agent state transitions.
type StatusSignaler interface {
	Signal(Status)
}

// UploadSignaler receives upload session boundaries.
type UploadSignaler interface {
	UploadStatus(UploadEvent)
}

// Signaler is both.
type Signaler interface {
	StatusSignaler
	UploadSignaler
}

// Log writes every signal to a logger.
type Log struct {
	logger *slog.Logger
}

// NewLog returns a logging Signaler.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}

	return &Log{logger: logger}
}

// Signal logs s.
func (l *Log) Signal(s Status) {
	l.logger.Info("status signal", slog.String("status", s.String()))
}

// UploadStatus logs e.
func (l *Log) UploadStatus(e UploadEvent) {
	l.logger.Info("upload signal", slog.String("event", e.String()))
}

// Nop discards all signals.
type Nop struct{}

// Signal does nothing.
func (Nop) Signal(Status) {}

// UploadStatus does nothing.
func (Nop) UploadStatus(UploadEvent) {}

// Multi forwards each signal to every member in order.
type Multi []Signaler

// Signal forwards s.
func (m Multi) Signal(s Status) {
	for _, sig := range m {
		sig.Signal(s)
	}
}

// UploadStatus forwards e.
func (m Multi) UploadStatus(e UploadEvent) {
	for _, sig := range m {
		sig.UploadStatus(e)
	}
}

// Event is one signal as delivered to Hub subscribers.
type Event struct {
	Status Status      // zero for upload events
	Upload UploadEvent // zero for status events
	At     time.Time
}

const subscriberBuffer = 16

// Hub fans signals out to subscriber channels. A subscriber that falls
// behind loses events rather than stalling the sender.
type Hub struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	next    int
	nowFunc func() time.Time
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event), nowFunc: time.Now}
}

// Subscribe registers a new subscriber. The returned function unsubscribes
// and closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.next
	h.next++

	ch := make(chan Event, subscriberBuffer)
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

// Signal publishes a status event.
func (h *Hub) Signal(s Status) {
	h.publish(Event{Status: s, At: h.nowFunc()})
}

// UploadStatus publishes an upload event.
func (h *Hub) UploadStatus(e UploadEvent) {
	h.publish(Event{Upload: e, At: h.nowFunc()})
}

func (h *Hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
