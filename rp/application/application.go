// Package application wires the per-service context: configuration, the
// redis-backed session manager, the identity provider client and the
// authorization gate. There is no package-level state; every handler gets
// the App it was built with.
package application

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/bertrandmartel/keycloak-sso/rp/config"
	"github.com/bertrandmartel/keycloak-sso/rp/gate"
	"github.com/bertrandmartel/keycloak-sso/rp/keycloak"
	"github.com/bertrandmartel/keycloak-sso/rp/session"
	"github.com/go-redis/redis/v7"
	"github.com/rs/zerolog"
)

type App struct {
	Config     *config.Config
	Redis      *redis.Client
	HTTPClient *http.Client
	Keycloak   *keycloak.Client
	Sessions   *session.Manager
	Gate       *gate.Gate
	Log        zerolog.Logger
}

func New(cfg *config.Config) *App {
	log := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Logger()

	httpClient := &http.Client{
		Timeout: 10 * time.Second,
	}
	if cfg.InsecureSkipVerify {
		log.Warn().Msg("TLS certificate verification disabled, do not use outside dev")
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	provider := keycloak.New(cfg, httpClient, log)
	sessions := session.NewManager(redisClient, cfg.ServiceName, cfg.MaxLifetime(), log)

	return &App{
		Config:     cfg,
		Redis:      redisClient,
		HTTPClient: httpClient,
		Keycloak:   provider,
		Sessions:   sessions,
		Gate:       gate.New(provider, sessions, cfg.Session.CookieName, cfg.Session.CookieSecure, cfg.MaxLifetime(), cfg.BaseURL, log),
		Log:        log,
	}
}

// Connect verifies the session store is reachable before the service starts
// accepting requests.
func (a *App) Connect() error {
	if err := a.Redis.Ping().Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (a *App) Close() error {
	return a.Redis.Close()
}
