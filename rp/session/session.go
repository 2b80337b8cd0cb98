package session

import "time"

// TokenSet is the token material obtained from the identity provider. It is
// replaced wholesale on login and refresh, never mutated field by field.
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Expiry       int64  `json:"expiry"`
}

// Expired reports whether the access token expiry has passed. The session
// store TTL is independent of this value.
func (ts *TokenSet) Expired() bool {
	return time.Now().Unix() >= ts.Expiry
}

type Session struct {
	ID             string   `json:"id"`
	TokenSet       TokenSet `json:"token_set"`
	CreatedAt      int64    `json:"created_at"`
	LastAccessedAt int64    `json:"last_accessed_at"`
}
