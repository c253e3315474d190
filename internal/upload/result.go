package upload

import (
	"context"
	"errors"
	"time"

	"github.com/tonimelisma/cloudupload-go/internal/provider"
	"github.com/tonimelisma/cloudupload-go/internal/worker"
)

// Sentinel errors for session outcomes that are not provider errors.
var (
	ErrSessionTimeout = errors.New("upload: no-operation timeout elapsed")
	ErrNotReady       = errors.New("upload: nothing to upload")
)

// Outcome is the terminal state of an upload session.
type Outcome int

// Session outcomes. The first four carry the numeric result codes reported
// to callers; the rest are reported by name only.
const (
	Success Outcome = iota
	NotSettings
	BadSettings
	Timeout
	Canceled
	NotReady
	InvalidCredential
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case NotSettings:
		return "not_settings"
	case BadSettings:
		return "bad_settings"
	case Timeout:
		return "timeout"
	case Canceled:
		return "canceled"
	case NotReady:
		return "not_ready"
	case InvalidCredential:
		return "invalid_credential"
	default:
		return "failed"
	}
}

// Code returns the numeric result code, or -1 for outcomes without one.
func (o Outcome) Code() int {
	if o <= Timeout {
		return int(o)
	}

	return -1
}

// OutcomeOf classifies a session error.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrSessionTimeout):
		return Timeout
	case errors.Is(err, ErrNotReady):
		return NotReady
	case errors.Is(err, provider.ErrBadSettings):
		return BadSettings
	case errors.Is(err, provider.ErrNotSettings):
		return NotSettings
	case errors.Is(err, provider.ErrAuthInvalid),
		errors.Is(err, provider.ErrAuthDenied),
		errors.Is(err, provider.ErrAuthExpired):
		return InvalidCredential
	case errors.Is(err, worker.ErrCanceled),
		errors.Is(err, worker.ErrSuperseded),
		errors.Is(err, context.Canceled):
		return Canceled
	default:
		return Failed
	}
}

// Result describes a finished session.
type Result struct {
	SessionID string
	Outcome   Outcome
	Total     int // candidates after dedup
	Uploaded  int
	Skipped   int // unreadable local files
	Err       error
	StartedAt time.Time
	EndedAt   time.Time
}

// Message is a one-line human description of the result.
func (r Result) Message() string {
	if r.Err != nil {
		return r.Err.Error()
	}

	return r.Outcome.String()
}
