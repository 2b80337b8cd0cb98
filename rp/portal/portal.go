// Package portal holds the route wiring shared by the two relying-party
// services: the protected page, the role-gated JSON API, the sibling proxy
// and the login/logout lifecycle endpoints.
package portal

import (
	"errors"
	"fmt"
	"html"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/bertrandmartel/keycloak-sso/rp/application"
	"github.com/bertrandmartel/keycloak-sso/rp/gate"
	"github.com/bertrandmartel/keycloak-sso/rp/keycloak"
	"github.com/labstack/echo/v4"
)

// Routes describes the service-specific parts of a portal: its own data
// route and the sibling route it proxies. ProxyPath is requested on the
// sibling service under the same path.
type Routes struct {
	LocalPath string
	LocalData echo.HandlerFunc
	ProxyPath string
}

type Portal struct {
	app       *application.App
	predicate gate.Predicate
}

func New(app *application.App, predicate gate.Predicate) *Portal {
	return &Portal{
		app:       app,
		predicate: predicate,
	}
}

func (p *Portal) Register(e *echo.Echo, routes Routes) {
	guard := p.app.Gate.Middleware(p.predicate)
	e.GET("/", p.home, guard)
	e.GET(routes.LocalPath, routes.LocalData, guard)
	if routes.ProxyPath != "" {
		e.GET(routes.ProxyPath, p.proxy(routes.ProxyPath), guard)
	}
	e.GET("/logout", p.logout)
	e.POST("/token", p.token)
}

func (p *Portal) home(c echo.Context) error {
	claims := gate.ClaimsFrom(c)
	page := fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><title>%v</title></head>
<body>
<h1>%v</h1>
<p>Signed in as <b>%v</b> (%v)</p>
<p>Realm roles: %v</p>
<p><a href="/logout">Logout</a></p>
</body>
</html>`,
		html.EscapeString(p.app.Config.ServiceName),
		html.EscapeString(p.app.Config.ServiceName),
		html.EscapeString(claims.PreferredUsername),
		html.EscapeString(claims.Email),
		html.EscapeString(strings.Join(claims.RealmRoles, ", ")))
	return c.HTML(http.StatusOK, page)
}

// proxy calls the sibling service with the caller's own access token. The
// sibling enforces its own role predicate; its status and error body are
// propagated verbatim so a denial is never masked.
func (p *Portal) proxy(path string) echo.HandlerFunc {
	return func(c echo.Context) error {
		if p.app.Config.SiblingURL == "" {
			return c.JSON(http.StatusBadGateway, map[string]string{
				"error":             "upstream_unavailable",
				"error_description": "no sibling service configured",
			})
		}
		target := strings.TrimRight(p.app.Config.SiblingURL, "/") + path
		req, err := http.NewRequest("GET", target, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "Bearer "+gate.RawTokenFrom(c))

		r, err := p.app.HTTPClient.Do(req)
		if err != nil {
			p.app.Log.Error().Err(err).Str("target", target).Msg("sibling service unreachable")
			return c.JSON(http.StatusBadGateway, map[string]string{
				"error":             "upstream_unavailable",
				"error_description": "sibling service unavailable",
			})
		}
		defer r.Body.Close()
		body, err := ioutil.ReadAll(r.Body)
		if err != nil {
			return err
		}
		contentType := r.Header.Get(echo.HeaderContentType)
		if contentType == "" {
			contentType = echo.MIMEApplicationJSON
		}
		return c.Blob(r.StatusCode, contentType, body)
	}
}

func (p *Portal) logout(c echo.Context) error {
	return p.app.Gate.Logout(c)
}

type tokenGrant struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// token lets non-browser API clients trade credentials for a token set via
// the provider's direct access grant, without any session being created.
func (p *Portal) token(c echo.Context) error {
	username := c.FormValue("username")
	password := c.FormValue("password")
	if username == "" || password == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":             "invalid_request",
			"error_description": "username and password are required",
		})
	}
	ts, err := p.app.Keycloak.PasswordGrant(username, password)
	if err != nil {
		if errors.Is(err, keycloak.ErrInvalidGrant) {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":             "invalid_grant",
				"error_description": "credentials rejected",
			})
		}
		p.app.Log.Error().Err(err).Msg("password grant failed")
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error":             "upstream_unavailable",
			"error_description": "identity provider unavailable",
		})
	}
	return c.JSON(http.StatusOK, tokenGrant{
		AccessToken:  ts.AccessToken,
		RefreshToken: ts.RefreshToken,
		ExpiresIn:    ts.Expiry - time.Now().Unix(),
		TokenType:    "Bearer",
	})
}
