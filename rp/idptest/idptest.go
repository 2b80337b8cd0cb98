// Package idptest runs a fake identity provider for tests: a JWKS endpoint
// backed by a generated RSA key and a token endpoint implementing the
// authorization_code (single-use), refresh_token and password grants.
package idptest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	jwt "github.com/dgrijalva/jwt-go"
)

const keyID = "idptest-key"

type User struct {
	Sub      string
	Username string
	Email    string
	Roles    []string
}

type Provider struct {
	Realm string
	// ExpiresIn is the lifetime advertised on issued tokens.
	ExpiresIn int64

	srv    *httptest.Server
	key    *rsa.PrivateKey
	badKey *rsa.PrivateKey

	mu            sync.Mutex
	codes         map[string]User
	refreshTokens map[string]User
	passwords     map[string]string
	users         map[string]User
	exchanges     int
}

func New(realm string) (*Provider, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	badKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	p := &Provider{
		Realm:         realm,
		ExpiresIn:     300,
		key:           key,
		badKey:        badKey,
		codes:         make(map[string]User),
		refreshTokens: make(map[string]User),
		passwords:     make(map[string]string),
		users:         make(map[string]User),
	}
	mux := http.NewServeMux()
	base := fmt.Sprintf("/realms/%v/protocol/openid-connect", realm)
	mux.HandleFunc(base+"/certs", p.jwks)
	mux.HandleFunc(base+"/token", p.token)
	p.srv = httptest.NewServer(mux)
	return p, nil
}

func (p *Provider) Close() {
	p.srv.Close()
}

// URL is the provider base URL, suitable for config server_url.
func (p *Provider) URL() string {
	return p.srv.URL
}

func (p *Provider) Issuer() string {
	return fmt.Sprintf("%v/realms/%v", p.srv.URL, p.Realm)
}

// AddCode registers a one-time authorization code for the given user.
func (p *Provider) AddCode(code string, u User) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.codes[code] = u
}

// AddRefreshToken registers a refresh token the token endpoint will accept.
func (p *Provider) AddRefreshToken(token string, u User) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshTokens[token] = u
}

// AddUser registers credentials for the password grant.
func (p *Provider) AddUser(username string, password string, u User) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.passwords[username] = password
	p.users[username] = u
}

// Exchanges reports how many code exchanges the token endpoint served.
func (p *Provider) Exchanges() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exchanges
}

// SignAccessToken issues a token signed with the published key.
func (p *Provider) SignAccessToken(u User, expiresAt time.Time) (string, error) {
	return p.sign(p.key, p.Issuer(), u, expiresAt)
}

// SignAccessTokenWithIssuer issues a token with an arbitrary issuer claim.
func (p *Provider) SignAccessTokenWithIssuer(issuer string, u User, expiresAt time.Time) (string, error) {
	return p.sign(p.key, issuer, u, expiresAt)
}

// SignAccessTokenBadKey issues a token signed with a key that is not in the
// published JWKS, under the published key id.
func (p *Provider) SignAccessTokenBadKey(u User, expiresAt time.Time) (string, error) {
	return p.sign(p.badKey, p.Issuer(), u, expiresAt)
}

func (p *Provider) sign(key *rsa.PrivateKey, issuer string, u User, expiresAt time.Time) (string, error) {
	sub := u.Sub
	if sub == "" {
		sub = u.Username
	}
	roles := make([]interface{}, 0, len(u.Roles))
	for _, r := range u.Roles {
		roles = append(roles, r)
	}
	claims := jwt.MapClaims{
		"iss":                issuer,
		"sub":                sub,
		"preferred_username": u.Username,
		"email":              u.Email,
		"exp":                expiresAt.Unix(),
		"iat":                time.Now().Unix(),
		"realm_access":       map[string]interface{}{"roles": roles},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = keyID
	return token.SignedString(key)
}

func (p *Provider) jwks(w http.ResponseWriter, r *http.Request) {
	pub := p.key.Public().(*rsa.PublicKey)
	e := make([]byte, 0, 4)
	for v := pub.E; v > 0; v = v >> 8 {
		e = append([]byte{byte(v & 0xff)}, e...)
	}
	body := map[string]interface{}{
		"keys": []map[string]string{
			{
				"kty": "RSA",
				"use": "sig",
				"alg": "RS256",
				"kid": keyID,
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(e),
			},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

func (p *Provider) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		p.grantError(w, "invalid_request", err.Error())
		return
	}
	var u User
	var ok bool
	var refreshToken string

	p.mu.Lock()
	switch r.PostFormValue("grant_type") {
	case "authorization_code":
		code := r.PostFormValue("code")
		u, ok = p.codes[code]
		if ok {
			// codes are single use
			delete(p.codes, code)
			p.exchanges++
			refreshToken = "rt-" + code
			p.refreshTokens[refreshToken] = u
		}
	case "refresh_token":
		refreshToken = r.PostFormValue("refresh_token")
		u, ok = p.refreshTokens[refreshToken]
	case "password":
		username := r.PostFormValue("username")
		ok = p.passwords[username] != "" && p.passwords[username] == r.PostFormValue("password")
		if ok {
			u = p.users[username]
			refreshToken = "rt-" + username
			p.refreshTokens[refreshToken] = u
		}
	}
	p.mu.Unlock()

	if !ok {
		p.grantError(w, "invalid_grant", "grant rejected")
		return
	}
	access, err := p.SignAccessToken(u, time.Now().Add(time.Duration(p.ExpiresIn)*time.Second))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"access_token":  access,
		"refresh_token": refreshToken,
		"expires_in":    p.ExpiresIn,
		"token_type":    "Bearer",
	})
}

func (p *Provider) grantError(w http.ResponseWriter, code string, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}
