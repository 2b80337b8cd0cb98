package keycloak

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	jwt "github.com/dgrijalva/jwt-go"
	"github.com/lestrrat-go/jwx/jwk"
)

var (
	// ErrExpired means the token signature is fine but the token is past its
	// expiry. Callers may attempt a refresh.
	ErrExpired = errors.New("token expired")
	// ErrBadSignature covers malformed tokens and signature failures.
	ErrBadSignature = errors.New("token signature invalid")
	// ErrWrongIssuer means the token was issued by a different realm.
	ErrWrongIssuer = errors.New("token issuer mismatch")
)

// Claims is the verified subset of the access token consumed for
// authorization decisions. RealmRoles has set semantics.
type Claims struct {
	Sub               string
	PreferredUsername string
	Email             string
	RealmRoles        []string
	Expiry            int64
	Issuer            string
}

func (cl *Claims) HasRole(name string) bool {
	for _, r := range cl.RealmRoles {
		if r == name {
			return true
		}
	}
	return false
}

// keyCache holds the realm JWKS, refreshed when a token references an
// unknown key id (key rotation).
type keyCache struct {
	endpoint string
	mu       sync.RWMutex
	set      *jwk.Set
}

func (kc *keyCache) lookup(kid string) (interface{}, error) {
	kc.mu.RLock()
	set := kc.set
	kc.mu.RUnlock()
	if set != nil {
		if keys := set.LookupKeyID(kid); len(keys) == 1 {
			return keys[0].Materialize()
		}
	}
	set, err := jwk.FetchHTTP(kc.endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	kc.mu.Lock()
	kc.set = set
	kc.mu.Unlock()
	if keys := set.LookupKeyID(kid); len(keys) == 1 {
		return keys[0].Materialize()
	}
	return nil, fmt.Errorf("unable to find key %q", kid)
}

// Verify checks the token signature against the realm published keys, its
// expiry, and its issuer. Unverified claims are never returned.
func (c *Client) Verify(rawToken string) (*Claims, error) {
	token, err := jwt.Parse(rawToken, func(token *jwt.Token) (interface{}, error) {
		keyID, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("expecting JWT header to have string kid")
		}
		return c.keys.lookup(keyID)
	})
	if err != nil {
		if ve, ok := err.(*jwt.ValidationError); ok {
			if ve.Errors&jwt.ValidationErrorExpired != 0 {
				return nil, ErrExpired
			}
			// keyfunc failures carry the JWKS fetch error
			if ve.Inner != nil && errors.Is(ve.Inner, ErrUpstream) {
				return nil, ve.Inner
			}
		}
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrBadSignature
	}
	iss, _ := claims["iss"].(string)
	if strings.TrimRight(iss, "/") != strings.TrimRight(c.issuer, "/") {
		return nil, fmt.Errorf("%w: %v", ErrWrongIssuer, iss)
	}
	out := &Claims{Issuer: iss}
	out.Sub, _ = claims["sub"].(string)
	out.PreferredUsername, _ = claims["preferred_username"].(string)
	out.Email, _ = claims["email"].(string)
	if exp, ok := claims["exp"].(float64); ok {
		out.Expiry = int64(exp)
	}
	out.RealmRoles = realmRoles(claims)
	return out, nil
}

// realmRoles extracts realm_access.roles, the realm-level role set Keycloak
// puts on every access token.
func realmRoles(claims jwt.MapClaims) []string {
	access, ok := claims["realm_access"].(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := access["roles"].([]interface{})
	if !ok {
		return nil
	}
	seen := make(map[string]bool, len(raw))
	roles := make([]string, 0, len(raw))
	for _, r := range raw {
		name, ok := r.(string)
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		roles = append(roles, name)
	}
	return roles
}
