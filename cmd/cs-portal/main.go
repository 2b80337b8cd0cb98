package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/bertrandmartel/keycloak-sso/rp/application"
	"github.com/bertrandmartel/keycloak-sso/rp/config"
	"github.com/bertrandmartel/keycloak-sso/rp/gate"
	"github.com/bertrandmartel/keycloak-sso/rp/portal"
	"github.com/labstack/echo/v4"
	mw "github.com/labstack/echo/v4/middleware"
)

type customer struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

var customers = []customer{
	{ID: 1, Name: "Alice Martin", Email: "alice.martin@example.com"},
	{ID: 2, Name: "Karim Benali", Email: "karim.benali@example.com"},
	{ID: 3, Name: "Wei Zhang", Email: "wei.zhang@example.com"},
}

func main() {
	cfgPath := flag.String("config", "config/cs-portal.json", "path to config file")
	flag.Parse()

	cfg, err := config.ParseConfig(*cfgPath)
	if err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}
	app := application.New(cfg)
	if err := app.Connect(); err != nil {
		app.Log.Fatal().Err(err).Msg("session store unreachable")
	}
	defer app.Close()

	e := echo.New()
	e.HideBanner = true
	e.Use(mw.Recover())

	p := portal.New(app, gate.RequireAny("cs", "admin"))
	p.Register(e, portal.Routes{
		LocalPath: "/api/customers",
		LocalData: func(c echo.Context) error {
			return c.JSON(http.StatusOK, customers)
		},
		ProxyPath: "/api/profits",
	})

	go func() {
		if err := e.Start(":" + strconv.Itoa(cfg.Port)); err != nil && err != http.ErrServerClosed {
			app.Log.Fatal().Err(err).Msg("server stopped")
		}
	}()
	app.Log.Info().Int("port", cfg.Port).Msg("cs portal listening")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		app.Log.Error().Err(err).Msg("shutdown")
	}
}
