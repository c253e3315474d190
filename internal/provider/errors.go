package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for authorization outcomes.
// Use errors.Is(err, provider.ErrAuthPending) to check.
var (
	ErrAuthPending  = errors.New("provider: authorization pending")
	ErrAuthDenied   = errors.New("provider: authorization denied")
	ErrAuthExpired  = errors.New("provider: device code expired")
	ErrAuthInvalid  = errors.New("provider: credential invalid")
	ErrNotSettings  = errors.New("provider: not logged in")
	ErrBadSettings  = errors.New("provider: credential rejected by provider")
	ErrUnknownKind  = errors.New("provider: unknown provider kind")
	ErrNotAvailable = errors.New("provider: provider not registered")
)

// AuthKind classifies an AuthError.
type AuthKind int

// Authorization failure kinds.
const (
	AuthPending AuthKind = iota + 1
	AuthDenied
	AuthExpired
	AuthInvalid
	AuthNotSettings
	AuthBadSettings
)

func (k AuthKind) String() string {
	switch k {
	case AuthPending:
		return "pending"
	case AuthDenied:
		return "denied"
	case AuthExpired:
		return "expired"
	case AuthInvalid:
		return "invalid"
	case AuthNotSettings:
		return "not_settings"
	case AuthBadSettings:
		return "bad_settings"
	default:
		return fmt.Sprintf("auth_kind(%d)", int(k))
	}
}

func (k AuthKind) sentinel() error {
	switch k {
	case AuthPending:
		return ErrAuthPending
	case AuthDenied:
		return ErrAuthDenied
	case AuthExpired:
		return ErrAuthExpired
	case AuthNotSettings:
		return ErrNotSettings
	case AuthBadSettings:
		return ErrBadSettings
	default:
		return ErrAuthInvalid
	}
}

// AuthError reports an authorization outcome other than success. Code is
// the raw OAuth error code when the provider sent one. SlowDown is set when
// the provider asked the poller to back off (RFC 8628 slow_down).
type AuthError struct {
	Kind     AuthKind
	Code     string
	SlowDown bool
	Message  string
}

// NewAuthError builds an AuthError of the given kind.
func NewAuthError(kind AuthKind, code, message string) *AuthError {
	return &AuthError{Kind: kind, Code: code, Message: message}
}

func (e *AuthError) Error() string {
	msg := "provider: auth " + e.Kind.String()

	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}

	if e.Message != "" {
		msg += ": " + e.Message
	}

	return msg
}

func (e *AuthError) Unwrap() error {
	return e.Kind.sentinel()
}

// AuthKindOf extracts the AuthKind from err, or 0 if err is not an AuthError.
func AuthKindOf(err error) AuthKind {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Kind
	}

	return 0
}

// NetworkError reports a failed remote call. StatusCode is the HTTP status,
// or http.StatusRequestTimeout when Timeout is set.
type NetworkError struct {
	StatusCode int
	Timeout    bool
	Message    string
	Err        error // underlying transport error, if any
}

func (e *NetworkError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("provider: request timed out: %s", e.Message)
	}

	return fmt.Sprintf("provider: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// AuthorizationClass reports whether the status means the provider refused
// the credential or request outright. Such failures are never retried.
func (e *NetworkError) AuthorizationClass() bool {
	switch e.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	default:
		return false
	}
}

// IsAuthorizationClass reports whether err is a NetworkError with an
// authorization-class status.
func IsAuthorizationClass(err error) bool {
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.AuthorizationClass()
	}

	return false
}
