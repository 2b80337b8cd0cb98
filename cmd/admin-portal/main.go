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

type profit struct {
	Quarter string `json:"quarter"`
	Amount  int    `json:"amount"`
}

var profits = []profit{
	{Quarter: "Q1", Amount: 135000},
	{Quarter: "Q2", Amount: 142500},
	{Quarter: "Q3", Amount: 98700},
	{Quarter: "Q4", Amount: 161200},
}

func main() {
	cfgPath := flag.String("config", "config/admin-portal.json", "path to config file")
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

	p := portal.New(app, gate.Require("admin"))
	p.Register(e, portal.Routes{
		LocalPath: "/api/profits",
		LocalData: func(c echo.Context) error {
			return c.JSON(http.StatusOK, profits)
		},
		ProxyPath: "/api/customers",
	})

	go func() {
		if err := e.Start(":" + strconv.Itoa(cfg.Port)); err != nil && err != http.ErrServerClosed {
			app.Log.Fatal().Err(err).Msg("server stopped")
		}
	}()
	app.Log.Info().Int("port", cfg.Port).Msg("admin portal listening")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		app.Log.Error().Err(err).Msg("shutdown")
	}
}
