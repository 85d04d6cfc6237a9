package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"paygate/internal/app"
	"paygate/internal/config"
	"paygate/internal/logging"
	"paygate/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}
	cmd := os.Args[1]
	cfg, err := config.Load(os.Getenv("PAYGATE_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.Log.Level, cfg.Log.Format)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch cmd {
	case "serve":
		appInstance, err := app.New(ctx, cfg, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("app init error")
		}
		defer appInstance.Close()
		if err := appInstance.Serve(ctx); err != nil {
			logger.Error().Err(err).Msg("server error")
		}
	case "migrate":
		st, err := store.Open(cfg.Database.DSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("store error")
		}
		defer st.Close()
		if err := store.Migrate(ctx, st.DB()); err != nil {
			logger.Error().Err(err).Msg("migration error")
			return
		}
		logger.Info().Msg("migrations applied")
	default:
		usage()
	}
}

func usage() {
	fmt.Println("Usage: paygated <serve|migrate>")
}
