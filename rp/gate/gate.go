// Package gate guards requests behind a role predicate. It accepts either a
// bearer token (service-to-service, API clients) or a browser session
// cookie, refreshes expired tokens transparently, and drives the
// redirect-to-login flow for interactive requests.
package gate

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bertrandmartel/keycloak-sso/rp/keycloak"
	"github.com/bertrandmartel/keycloak-sso/rp/session"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	uuid "github.com/satori/go.uuid"
)

// StateCookie carries the pending authorization state between the redirect
// to the provider and the callback. It lives for one login flow only.
const StateCookie = "AUTH_STATE"

const (
	claimsContextKey = "auth.claims"
	tokenContextKey  = "auth.token"
)

var errNoSession = errors.New("no valid session")

type Gate struct {
	provider     *keycloak.Client
	sessions     *session.Manager
	cookieName   string
	cookieSecure bool
	lifetime     time.Duration
	baseURL      string
	log          zerolog.Logger
}

func New(provider *keycloak.Client, sessions *session.Manager, cookieName string, cookieSecure bool, lifetime time.Duration, baseURL string, log zerolog.Logger) *Gate {
	return &Gate{
		provider:     provider,
		sessions:     sessions,
		cookieName:   cookieName,
		cookieSecure: cookieSecure,
		lifetime:     lifetime,
		baseURL:      strings.TrimRight(baseURL, "/"),
		log:          log,
	}
}

// ClaimsFrom returns the verified claims the gate stashed for an allowed
// request, nil otherwise.
func ClaimsFrom(c echo.Context) *keycloak.Claims {
	claims, _ := c.Get(claimsContextKey).(*keycloak.Claims)
	return claims
}

// RawTokenFrom returns the raw access token for an allowed request, for
// attaching to outbound calls on the caller's behalf.
func RawTokenFrom(c echo.Context) string {
	token, _ := c.Get(tokenContextKey).(string)
	return token
}

// Middleware guards a route with the given predicate. Outcomes: the request
// proceeds with claims in context, or 401/403 for bearer and API callers,
// or a redirect into the authorization code flow for browser navigation.
func (g *Gate) Middleware(p Predicate) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if header := c.Request().Header.Get(echo.HeaderAuthorization); header != "" {
				return g.bearer(c, next, p, header)
			}
			if code := c.QueryParam("code"); code != "" {
				return g.callback(c, code)
			}
			claims, raw, err := g.sessionClaims(c)
			if err == nil {
				return g.evaluate(c, next, p, claims, raw)
			}
			switch {
			case errors.Is(err, keycloak.ErrUpstream):
				g.log.Error().Err(err).Msg("identity provider unreachable")
				return c.JSON(http.StatusBadGateway, errorBody("upstream_unavailable", "identity provider unavailable"))
			case errors.Is(err, session.ErrStore):
				return c.JSON(http.StatusServiceUnavailable, errorBody("store_unavailable", "session could not be saved, retry"))
			}
			return g.challenge(c)
		}
	}
}

// bearer verifies an Authorization header credential directly, without any
// cookie or session involvement. Internal callers get no special casing.
func (g *Gate) bearer(c echo.Context, next echo.HandlerFunc, p Predicate, header string) error {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return c.JSON(http.StatusUnauthorized, errorBody("invalid_request", "malformed authorization header"))
	}
	claims, err := g.provider.Verify(parts[1])
	if err != nil {
		if errors.Is(err, keycloak.ErrUpstream) {
			g.log.Error().Err(err).Msg("identity provider unreachable")
			return c.JSON(http.StatusBadGateway, errorBody("upstream_unavailable", "identity provider unavailable"))
		}
		g.log.Warn().Err(err).Msg("bearer token rejected")
		return c.JSON(http.StatusUnauthorized, errorBody("invalid_token", "invalid or expired token"))
	}
	return g.evaluate(c, next, p, claims, parts[1])
}

// sessionClaims resolves the browser session to verified claims, refreshing
// an expired access token when a refresh token is available. A store read
// failure is treated as no session (fail closed); a store write failure
// after refresh is surfaced so the caller can retry.
func (g *Gate) sessionClaims(c echo.Context) (*keycloak.Claims, string, error) {
	cookie, err := c.Cookie(g.cookieName)
	if err != nil || cookie.Value == "" {
		return nil, "", errNoSession
	}
	s, err := g.sessions.Get(cookie.Value)
	if err != nil {
		// not found and store-unavailable both force re-authentication
		return nil, "", errNoSession
	}
	ts := s.TokenSet
	if !ts.Expired() {
		claims, err := g.provider.Verify(ts.AccessToken)
		if err == nil {
			return claims, ts.AccessToken, nil
		}
		if errors.Is(err, keycloak.ErrUpstream) {
			return nil, "", err
		}
		if !errors.Is(err, keycloak.ErrExpired) {
			g.sessions.Destroy(s.ID)
			return nil, "", errNoSession
		}
	}
	if ts.RefreshToken == "" {
		g.sessions.Destroy(s.ID)
		return nil, "", errNoSession
	}
	refreshed, err := g.provider.Refresh(ts.RefreshToken)
	if err != nil {
		if errors.Is(err, keycloak.ErrUpstream) {
			return nil, "", err
		}
		g.sessions.Destroy(s.ID)
		return nil, "", errNoSession
	}
	if err := g.sessions.Update(s.ID, *refreshed); err != nil {
		if errors.Is(err, session.ErrStore) {
			return nil, "", err
		}
		return nil, "", errNoSession
	}
	claims, err := g.provider.Verify(refreshed.AccessToken)
	if err != nil {
		if errors.Is(err, keycloak.ErrUpstream) {
			return nil, "", err
		}
		g.sessions.Destroy(s.ID)
		return nil, "", errNoSession
	}
	return claims, refreshed.AccessToken, nil
}

// challenge starts the authorization code flow for interactive browser
// navigation and answers 401 for everything else.
func (g *Gate) challenge(c echo.Context) error {
	if !wantsHTML(c) {
		return c.JSON(http.StatusUnauthorized, errorBody("unauthenticated", "authentication required"))
	}
	state := uuid.NewV4().String()
	c.SetCookie(&http.Cookie{
		Name:     StateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   300,
		HttpOnly: true,
		Secure:   g.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	location, err := g.provider.AuthorizationURL(g.callbackURL(c), state)
	if err != nil {
		return err
	}
	return c.Redirect(http.StatusFound, location)
}

// callback consumes the one-time code. The state must equal the value set
// when the redirect was issued; the code and state are stripped from the
// URL by redirecting to the clean route so they cannot be bookmarked or
// leak via referrer headers.
func (g *Gate) callback(c echo.Context, code string) error {
	state := c.QueryParam("state")
	cookie, err := c.Cookie(StateCookie)
	if err != nil || cookie.Value == "" || cookie.Value != state {
		g.log.Warn().Msg("authorization callback state mismatch")
		return c.JSON(http.StatusBadRequest, errorBody("invalid_state", "state parameter mismatch"))
	}
	g.clearCookie(c, StateCookie)

	ts, err := g.provider.Exchange(code, g.callbackURL(c))
	if err != nil {
		if errors.Is(err, keycloak.ErrInvalidGrant) {
			// reused or expired code: restart the login rather than
			// propagating the provider error
			return g.challenge(c)
		}
		g.log.Error().Err(err).Msg("code exchange failed")
		return c.JSON(http.StatusBadGateway, errorBody("upstream_unavailable", "identity provider unavailable"))
	}
	id, err := g.sessions.Create(*ts)
	if err != nil {
		g.log.Error().Err(err).Msg("session create failed after exchange")
		return c.JSON(http.StatusServiceUnavailable, errorBody("store_unavailable", "session could not be saved, retry"))
	}
	c.SetCookie(&http.Cookie{
		Name:     g.cookieName,
		Value:    id,
		Path:     "/",
		Expires:  time.Now().Add(g.lifetime),
		HttpOnly: true,
		Secure:   g.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	return c.Redirect(http.StatusFound, c.Request().URL.Path)
}

// evaluate applies the role predicate to verified claims, from either the
// bearer or the cookie path. A logged-in user lacking the role gets 403,
// never a redirect back to login.
func (g *Gate) evaluate(c echo.Context, next echo.HandlerFunc, p Predicate, claims *keycloak.Claims, rawToken string) error {
	if !p.Allows(claims.RealmRoles) {
		g.log.Warn().
			Str("sub", claims.Sub).
			Str("predicate", p.String()).
			Strs("roles", claims.RealmRoles).
			Msg("role predicate denied request")
		return c.JSON(http.StatusForbidden, errorBody("forbidden", "insufficient role"))
	}
	c.Set(claimsContextKey, claims)
	c.Set(tokenContextKey, rawToken)
	return next(c)
}

// Logout destroys the session record, clears the browser cookie and sends
// the browser to the provider end-session endpoint. Idempotent: a stale or
// absent session identifier is not an error.
func (g *Gate) Logout(c echo.Context) error {
	if cookie, err := c.Cookie(g.cookieName); err == nil && cookie.Value != "" {
		if err := g.sessions.Destroy(cookie.Value); err != nil {
			g.log.Warn().Err(err).Msg("session destroy failed on logout")
		}
	}
	g.clearCookie(c, g.cookieName)
	location, err := g.provider.LogoutURL(g.baseURL + "/")
	if err != nil {
		return err
	}
	return c.Redirect(http.StatusFound, location)
}

func (g *Gate) callbackURL(c echo.Context) string {
	return g.baseURL + c.Request().URL.Path
}

func (g *Gate) clearCookie(c echo.Context, name string) {
	c.SetCookie(&http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   g.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func wantsHTML(c echo.Context) bool {
	return strings.Contains(c.Request().Header.Get("Accept"), "text/html")
}

func errorBody(code string, description string) map[string]string {
	return map[string]string{
		"error":             code,
		"error_description": description,
	}
}
