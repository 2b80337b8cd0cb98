// Package keycloak is the relying-party side client for a single external
// Keycloak realm: authorization redirects, code exchange, refresh, direct
// access grants, token verification against the realm JWKS, and logout.
package keycloak

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bertrandmartel/keycloak-sso/rp/config"
	"github.com/bertrandmartel/keycloak-sso/rp/session"
	"github.com/rs/zerolog"
)

var (
	// ErrInvalidGrant means the provider rejected the code, refresh token or
	// credentials. Codes are single-use and short-lived, so a replayed
	// exchange lands here; callers trigger a fresh login instead of
	// propagating the raw provider error.
	ErrInvalidGrant = errors.New("invalid grant")
	// ErrUpstream means the provider could not be reached or answered with a
	// server error.
	ErrUpstream = errors.New("identity provider unavailable")
)

type Client struct {
	authEndpoint   string
	tokenEndpoint  string
	jwksEndpoint   string
	logoutEndpoint string
	issuer         string
	clientID       string
	clientSecret   string
	httpClient     *http.Client
	keys           *keyCache
	log            zerolog.Logger
}

func New(cfg *config.Config, httpClient *http.Client, log zerolog.Logger) *Client {
	return &Client{
		authEndpoint:   cfg.AuthEndpoint(),
		tokenEndpoint:  cfg.TokenEndpoint(),
		jwksEndpoint:   cfg.JwksEndpoint(),
		logoutEndpoint: cfg.LogoutEndpoint(),
		issuer:         cfg.Issuer(),
		clientID:       cfg.Provider.ClientID,
		clientSecret:   cfg.Provider.ClientSecret,
		httpClient:     httpClient,
		keys:           &keyCache{endpoint: cfg.JwksEndpoint()},
		log:            log,
	}
}

// AuthorizationURL builds the provider authorization endpoint URL for the
// code flow. The state value is generated by the caller and checked on the
// callback.
func (c *Client) AuthorizationURL(redirectURI string, state string) (string, error) {
	u, err := url.Parse(c.authEndpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Add("client_id", c.clientID)
	q.Add("redirect_uri", redirectURI)
	q.Add("response_type", "code")
	q.Add("scope", "openid")
	q.Add("state", state)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// LogoutURL builds the provider end-session endpoint URL. Visiting it ends
// the provider-side session used for SSO.
func (c *Client) LogoutURL(redirectURI string) (string, error) {
	u, err := url.Parse(c.logoutEndpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Add("client_id", c.clientID)
	q.Add("redirect_uri", redirectURI)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Exchange trades a one-time authorization code for a token set. A retried
// exchange with the same code surfaces ErrInvalidGrant, it is never
// silently retried.
func (c *Client) Exchange(code string, redirectURI string) (*session.TokenSet, error) {
	form := url.Values{}
	form.Add("grant_type", "authorization_code")
	form.Add("code", code)
	form.Add("redirect_uri", redirectURI)
	return c.token(form)
}

// Refresh exchanges a refresh token for a new token set.
func (c *Client) Refresh(refreshToken string) (*session.TokenSet, error) {
	form := url.Values{}
	form.Add("grant_type", "refresh_token")
	form.Add("refresh_token", refreshToken)
	return c.token(form)
}

// PasswordGrant performs a direct access grant for non-browser API clients.
func (c *Client) PasswordGrant(username string, password string) (*session.TokenSet, error) {
	form := url.Values{}
	form.Add("grant_type", "password")
	form.Add("username", username)
	form.Add("password", password)
	return c.token(form)
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (c *Client) token(form url.Values) (*session.TokenSet, error) {
	form.Add("client_id", c.clientID)
	if c.clientSecret != "" {
		form.Add("client_secret", c.clientSecret)
	}
	req, err := http.NewRequest("POST", c.tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Add("Accept", "application/json")
	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")

	r, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer r.Body.Close()

	if r.StatusCode == http.StatusBadRequest || r.StatusCode == http.StatusUnauthorized {
		var e errorResponse
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			return nil, fmt.Errorf("%w: status %v", ErrInvalidGrant, r.StatusCode)
		}
		c.log.Warn().
			Str("error", e.Error).
			Str("description", e.ErrorDescription).
			Msg("token endpoint rejected grant")
		return nil, fmt.Errorf("%w: %v", ErrInvalidGrant, e.Error)
	}
	if r.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %v", ErrUpstream, r.StatusCode)
	}
	var t tokenResponse
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return &session.TokenSet{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		IDToken:      t.IDToken,
		Expiry:       time.Now().Unix() + t.ExpiresIn,
	}, nil
}
