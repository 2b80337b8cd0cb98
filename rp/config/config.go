package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	validator "gopkg.in/go-playground/validator.v9"
)

// Provider holds the identity provider connection parameters. ClientSecret
// is empty for public clients; when set the client is treated as
// confidential and the secret is sent on every token endpoint call.
type Provider struct {
	ServerURL    string `json:"server_url" validate:"required,url"`
	Realm        string `json:"realm" validate:"required"`
	ClientID     string `json:"client_id" validate:"required"`
	ClientSecret string `json:"client_secret"`
}

type Redis struct {
	Addr     string `json:"addr" validate:"required"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type Session struct {
	CookieName         string `json:"cookie_name" validate:"required"`
	MaxLifetimeMinutes int    `json:"max_lifetime_minutes" validate:"required,min=1"`
	CookieSecure       bool   `json:"cookie_secure"`
	DevMode            bool   `json:"dev_mode"`
}

type Config struct {
	ServiceName        string   `json:"service_name" validate:"required"`
	Port               int      `json:"port" validate:"required,min=1,max=65535"`
	BaseURL            string   `json:"base_url" validate:"required,url"`
	SiblingURL         string   `json:"sibling_url" validate:"omitempty,url"`
	InsecureSkipVerify bool     `json:"insecure_skip_verify"`
	Provider           Provider `json:"provider"`
	Redis              Redis    `json:"redis"`
	Session            Session  `json:"session"`
}

func ParseConfig(path string) (*Config, error) {
	jsonFile, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer jsonFile.Close()
	var ret Config
	if err := json.NewDecoder(jsonFile).Decode(&ret); err != nil {
		return nil, err
	}
	return &ret, nil
}

// Validate fails fast on startup instead of at first request.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if !c.Session.DevMode && !c.Session.CookieSecure {
		return errors.New("config: cookie_secure is required outside dev_mode")
	}
	return nil
}

func (c *Config) MaxLifetime() time.Duration {
	return time.Duration(c.Session.MaxLifetimeMinutes) * time.Minute
}

// Issuer is the realm issuer value as Keycloak puts it in the iss claim.
func (c *Config) Issuer() string {
	return fmt.Sprintf("%v/realms/%v", strings.TrimRight(c.Provider.ServerURL, "/"), c.Provider.Realm)
}

func (c *Config) AuthEndpoint() string {
	return c.Issuer() + "/protocol/openid-connect/auth"
}

func (c *Config) TokenEndpoint() string {
	return c.Issuer() + "/protocol/openid-connect/token"
}

func (c *Config) JwksEndpoint() string {
	return c.Issuer() + "/protocol/openid-connect/certs"
}

func (c *Config) LogoutEndpoint() string {
	return c.Issuer() + "/protocol/openid-connect/logout"
}
