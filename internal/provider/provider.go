// Package provider defines the capability set a cloud photo service must
// offer to the agent, the error taxonomy those operations report, and a
// registry that builds a Client for a configured provider kind.
//
// Every operation blocks until the remote call finishes or ctx is done.
// Callers that need asynchronous completion run them on a worker and wait
// on the result with a bounded future.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Kind identifies a provider implementation.
type Kind string

// Known provider kinds.
const (
	GooglePhotos Kind = "google_photos"
)

// ParseKind validates a provider kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case GooglePhotos:
		return GooglePhotos, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// DeviceCode is the response to a device authorization request.
type DeviceCode struct {
	DeviceCode      string
	UserCode        string
	VerificationURL string
	ExpiresIn       time.Duration
	Interval        time.Duration
}

// Tokens is a successful token exchange. RefreshToken is empty when the
// provider did not rotate it.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Identity is the authenticated account.
type Identity struct {
	AccountID string
	Email     string
}

// Asset is one file to upload.
type Asset struct {
	Name        string
	ContentType string
	Data        []byte
}

// Client is the capability set of a cloud photo provider.
type Client interface {
	Kind() Kind
	RequestDeviceCode(ctx context.Context) (*DeviceCode, error)
	PollToken(ctx context.Context, deviceCode string) (*Tokens, error)
	RefreshToken(ctx context.Context, refreshToken string) (*Tokens, error)
	FetchIdentity(ctx context.Context, accessToken string) (*Identity, error)
	UploadAsset(ctx context.Context, accessToken string, asset Asset) (string, error)
}

// Options configure a provider Client.
type Options struct {
	ClientID        string
	ClientSecret    string
	MetadataTimeout time.Duration // per metadata call (device code, token, identity)
	TransferTimeout time.Duration // per asset upload
	HTTPClient      *http.Client  // optional base transport; timeouts are applied on top
	Logger          *slog.Logger
}

// Factory builds a Client from Options.
type Factory func(Options) (Client, error)

// Registry maps provider kinds to factories.
type Registry struct {
	factories map[Kind]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[Kind]Factory)}
}

// Register associates a factory with a kind, replacing any previous one.
func (r *Registry) Register(kind Kind, f Factory) {
	r.factories[kind] = f
}

// New builds a client for kind.
func (r *Registry) New(kind Kind, opts Options) (Client, error) {
	f, ok := r.factories[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotAvailable, kind)
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return f(opts)
}
