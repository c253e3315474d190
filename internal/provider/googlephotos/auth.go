package googlephotos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/cloudupload-go/internal/provider"
)

const (
	deviceCodeGrantType = "urn:ietf:params:oauth:grant-type:device_code"
	defaultPollInterval = 5 * time.Second
	defaultCodeLifetime = 30 * time.Minute
)

// OAuth error codes from RFC 8628 section 3.5.
const (
	codeAuthorizationPending = "authorization_pending"
	codeSlowDown             = "slow_down"
	codeAccessDenied         = "access_denied"
	codeExpiredToken         = "expired_token"
)

// RequestDeviceCode starts a device authorization.
func (c *Client) RequestDeviceCode(ctx context.Context) (*provider.DeviceCode, error) {
	da, err := c.oauth.DeviceAuth(c.oauthContext(ctx))
	if err != nil {
		return nil, c.oauthError(ctx, "device code request", err)
	}

	expiresIn := defaultCodeLifetime
	if !da.Expiry.IsZero() {
		expiresIn = time.Until(da.Expiry).Round(time.Second)
	}

	interval := defaultPollInterval
	if da.Interval > 0 {
		interval = time.Duration(da.Interval) * time.Second
	}

	c.logger.Info("device code issued",
		slog.String("verification_url", da.VerificationURI),
		slog.Duration("expires_in", expiresIn),
		slog.Duration("interval", interval),
	)

	return &provider.DeviceCode{
		DeviceCode:      da.DeviceCode,
		UserCode:        da.UserCode,
		VerificationURL: da.VerificationURI,
		ExpiresIn:       expiresIn,
		Interval:        interval,
	}, nil
}

// tokenResponse covers both the success and error shapes of the token
// endpoint.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// PollToken makes exactly one token request for deviceCode. The caller
// owns the polling cadence; oauth2.Config.DeviceAccessToken is not used
// because it loops internally.
func (c *Client) PollToken(ctx context.Context, deviceCode string) (*provider.Tokens, error) {
	form := url.Values{
		"client_id":   {c.oauth.ClientID},
		"device_code": {deviceCode},
		"grant_type":  {deviceCodeGrantType},
	}

	if c.oauth.ClientSecret != "" {
		form.Set("client_secret", c.oauth.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoints.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("googlephotos: building token request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.metaHTTP.Do(req)
	if err != nil {
		return nil, transportError(ctx, "token poll", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return nil, transportError(ctx, "token poll", err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, &provider.NetworkError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("token poll: decoding response: %v", err),
		}
	}

	if tr.Error != "" {
		return nil, pollError(tr.Error, tr.ErrorDescription)
	}

	if resp.StatusCode != http.StatusOK || tr.AccessToken == "" {
		return nil, &provider.NetworkError{
			StatusCode: resp.StatusCode,
			Message:    "token poll: response carried no access token",
		}
	}

	tok := &provider.Tokens{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
	}

	if tr.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}

	return tok, nil
}

// pollError maps an RFC 8628 error code to an AuthError.
func pollError(code, description string) *provider.AuthError {
	switch code {
	case codeAuthorizationPending:
		return provider.NewAuthError(provider.AuthPending, code, "")
	case codeSlowDown:
		e := provider.NewAuthError(provider.AuthPending, code, "")
		e.SlowDown = true

		return e
	case codeAccessDenied:
		return provider.NewAuthError(provider.AuthDenied, code, description)
	case codeExpiredToken:
		return provider.NewAuthError(provider.AuthExpired, code, description)
	default:
		return provider.NewAuthError(provider.AuthInvalid, code, description)
	}
}

// RefreshToken exchanges a stored refresh token for a fresh access token.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*provider.Tokens, error) {
	if refreshToken == "" {
		return nil, provider.NewAuthError(provider.AuthNotSettings, "", "no refresh token stored")
	}

	src := c.oauth.TokenSource(c.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken})

	tok, err := src.Token()
	if err != nil {
		return nil, c.oauthError(ctx, "token refresh", err)
	}

	out := &provider.Tokens{
		AccessToken: tok.AccessToken,
		Expiry:      tok.Expiry,
	}

	// Google normally keeps the refresh token; only report it when rotated.
	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		out.RefreshToken = tok.RefreshToken
	}

	return out, nil
}

// oauthError converts errors from the oauth2 package. A RetrieveError is
// the authorization server refusing the request; anything else is the
// transport failing.
func (c *Client) oauthError(ctx context.Context, op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		code := re.ErrorCode
		if code == "" && re.Response != nil {
			code = http.StatusText(re.Response.StatusCode)
		}

		c.logger.Warn("authorization server refused request",
			slog.String("op", op),
			slog.String("code", code),
		)

		if re.ErrorCode == codeAccessDenied {
			return provider.NewAuthError(provider.AuthDenied, code, re.ErrorDescription)
		}

		return provider.NewAuthError(provider.AuthInvalid, code, re.ErrorDescription)
	}

	return transportError(ctx, op, err)
}

// userInfo is the subset of the OpenID userinfo response we use.
type userInfo struct {
	Email string `json:"email"`
}

// FetchIdentity returns the account behind accessToken. The account id is
// the local part of the e-mail address.
func (c *Client) FetchIdentity(ctx context.Context, accessToken string) (*provider.Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoints.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("googlephotos: building userinfo request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.do(ctx, c.metaHTTP, req, "userinfo")
	if err != nil {
		var ne *provider.NetworkError
		if errors.As(err, &ne) && ne.StatusCode == http.StatusUnauthorized {
			return nil, provider.NewAuthError(provider.AuthInvalid, "", "access token rejected")
		}

		return nil, err
	}
	defer resp.Body.Close()

	var ui userInfo
	if err := json.NewDecoder(resp.Body).Decode(&ui); err != nil {
		return nil, &provider.NetworkError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("userinfo: decoding response: %v", err),
		}
	}

	if ui.Email == "" {
		return nil, provider.NewAuthError(provider.AuthInvalid, "", "userinfo carried no e-mail")
	}

	accountID, _, _ := strings.Cut(ui.Email, "@")

	return &provider.Identity{AccountID: accountID, Email: ui.Email}, nil
}
