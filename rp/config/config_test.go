package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseConfig(t *testing.T) {
	data, err := ParseConfig("../../test/config_test.json")
	assert.Nil(t, err)
	assert.NotNil(t, data)
	assert.Equal(t, "admin-portal", data.ServiceName)
	assert.Equal(t, 6004, data.Port)
	assert.Equal(t, "https://admin.example.com", data.BaseURL)
	assert.Equal(t, "https://cs.example.com", data.SiblingURL)
	assert.Equal(t, "https://keycloak.example.com", data.Provider.ServerURL)
	assert.Equal(t, "sso-demo", data.Provider.Realm)
	assert.Equal(t, "admin-portal", data.Provider.ClientID)
	assert.Equal(t, "not-a-real-secret", data.Provider.ClientSecret)
	assert.Equal(t, "localhost:6379", data.Redis.Addr)
	assert.Equal(t, "redis-password", data.Redis.Password)
	assert.Equal(t, 2, data.Redis.DB)
	assert.Equal(t, "ADMIN_PORTAL_SESSION", data.Session.CookieName)
	assert.Equal(t, 30, data.Session.MaxLifetimeMinutes)
	assert.True(t, data.Session.CookieSecure)
	assert.False(t, data.Session.DevMode)
	assert.Nil(t, data.Validate())
	assert.Equal(t, 30*time.Minute, data.MaxLifetime())
}

func TestFileNotFound(t *testing.T) {
	data, err := ParseConfig("../../test/config_test1.json")
	assert.Nil(t, data)
	assert.NotNil(t, err)
}

func TestEndpoints(t *testing.T) {
	c := &Config{
		Provider: Provider{
			ServerURL: "https://keycloak.example.com/",
			Realm:     "sso-demo",
		},
	}
	assert.Equal(t, "https://keycloak.example.com/realms/sso-demo", c.Issuer())
	assert.Equal(t, "https://keycloak.example.com/realms/sso-demo/protocol/openid-connect/auth", c.AuthEndpoint())
	assert.Equal(t, "https://keycloak.example.com/realms/sso-demo/protocol/openid-connect/token", c.TokenEndpoint())
	assert.Equal(t, "https://keycloak.example.com/realms/sso-demo/protocol/openid-connect/certs", c.JwksEndpoint())
	assert.Equal(t, "https://keycloak.example.com/realms/sso-demo/protocol/openid-connect/logout", c.LogoutEndpoint())
}

func validConfig() *Config {
	return &Config{
		ServiceName: "admin-portal",
		Port:        8081,
		BaseURL:     "http://localhost:8081",
		Provider: Provider{
			ServerURL: "http://localhost:8080",
			Realm:     "sso-demo",
			ClientID:  "admin-portal",
		},
		Redis: Redis{Addr: "localhost:6379"},
		Session: Session{
			CookieName:         "SESSION",
			MaxLifetimeMinutes: 60,
			CookieSecure:       true,
		},
	}
}

func TestValidate(t *testing.T) {
	c := validConfig()
	assert.Nil(t, c.Validate())

	c = validConfig()
	c.Provider.ClientID = ""
	assert.NotNil(t, c.Validate())

	c = validConfig()
	c.Provider.ServerURL = "not a url"
	assert.NotNil(t, c.Validate())

	c = validConfig()
	c.Redis.Addr = ""
	assert.NotNil(t, c.Validate())

	c = validConfig()
	c.Session.MaxLifetimeMinutes = 0
	assert.NotNil(t, c.Validate())

	//secure cookies are mandatory outside dev mode
	c = validConfig()
	c.Session.CookieSecure = false
	assert.NotNil(t, c.Validate())
	c.Session.DevMode = true
	assert.Nil(t, c.Validate())
}
