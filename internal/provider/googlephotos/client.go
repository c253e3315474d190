// Package googlephotos implements provider.Client for Google Photos using
// the OAuth 2.0 device authorization grant and the Library API upload
// endpoints.
package googlephotos

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/cloudupload-go/internal/provider"
)

// Scopes requested at login: the e-mail identifies the account, and
// appendonly is the narrowest scope that allows uploads.
var defaultScopes = []string{
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/photoslibrary.appendonly",
}

const (
	userAgent              = "cloudupload-go/0.1"
	defaultMetadataTimeout = 10 * time.Second
	defaultTransferTimeout = 60 * time.Second
	maxErrorBody           = 4096
)

// Endpoints are the remote URLs the client talks to. Tests point them at an
// httptest server.
type Endpoints struct {
	AuthURL       string
	DeviceAuthURL string
	TokenURL      string
	UserInfoURL   string
	PhotosBaseURL string
}

// DefaultEndpoints are Google's production endpoints.
var DefaultEndpoints = Endpoints{
	AuthURL:       "https://accounts.google.com/o/oauth2/auth",
	DeviceAuthURL: "https://oauth2.googleapis.com/device/code",
	TokenURL:      "https://oauth2.googleapis.com/token",
	UserInfoURL:   "https://www.googleapis.com/oauth2/v3/userinfo",
	PhotosBaseURL: "https://photoslibrary.googleapis.com/v1",
}

// Client is the Google Photos provider.
type Client struct {
	oauth      *oauth2.Config
	endpoints  Endpoints
	metaHTTP   *http.Client
	uploadHTTP *http.Client
	logger     *slog.Logger
}

// Factory adapts New to provider.Factory for registry use.
func Factory(opts provider.Options) (provider.Client, error) {
	return New(opts, DefaultEndpoints)
}

// New creates a client. Metadata calls and uploads get separate HTTP
// clients so each carries its own timeout.
func New(opts provider.Options, ep Endpoints) (*Client, error) {
	if opts.ClientID == "" {
		return nil, errors.New("googlephotos: client id is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	metaTimeout := opts.MetadataTimeout
	if metaTimeout <= 0 {
		metaTimeout = defaultMetadataTimeout
	}

	transferTimeout := opts.TransferTimeout
	if transferTimeout <= 0 {
		transferTimeout = defaultTransferTimeout
	}

	var transport http.RoundTripper
	if opts.HTTPClient != nil {
		transport = opts.HTTPClient.Transport
	}

	return &Client{
		oauth: &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			Scopes:       defaultScopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:       ep.AuthURL,
				DeviceAuthURL: ep.DeviceAuthURL,
				TokenURL:      ep.TokenURL,
				AuthStyle:     oauth2.AuthStyleInParams,
			},
		},
		endpoints:  ep,
		metaHTTP:   &http.Client{Timeout: metaTimeout, Transport: transport},
		uploadHTTP: &http.Client{Timeout: transferTimeout, Transport: transport},
		logger:     logger,
	}, nil
}

// Kind reports provider.GooglePhotos.
func (c *Client) Kind() provider.Kind {
	return provider.GooglePhotos
}

// oauthContext makes the oauth2 package use the metadata HTTP client.
func (c *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.metaHTTP)
}

// do sends req and converts transport failures and non-2xx statuses into
// provider errors. On success the caller owns the response body.
func (c *Client) do(ctx context.Context, hc *http.Client, req *http.Request, op string) (*http.Response, error) {
	req.Header.Set("User-Agent", userAgent)

	resp, err := hc.Do(req)
	if err != nil {
		return nil, transportError(ctx, op, err)
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return resp, nil
	}

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()

	if readErr != nil {
		body = []byte("(failed to read response body)")
	}

	c.logger.Debug("provider request failed",
		slog.String("op", op),
		slog.Int("status", resp.StatusCode),
	)

	return nil, &provider.NetworkError{
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("%s: %s", op, string(body)),
	}
}

// transportError classifies an error returned by http.Client.Do. Caller
// cancellation is passed through unchanged so workers can tell it apart
// from a provider timeout.
func transportError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("googlephotos: %s canceled: %w", op, ctx.Err())
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &provider.NetworkError{
			StatusCode: http.StatusRequestTimeout,
			Timeout:    true,
			Message:    op,
			Err:        err,
		}
	}

	return &provider.NetworkError{Message: op, Err: err}
}
