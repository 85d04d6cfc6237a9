package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"paygate/internal/billing"
	"paygate/internal/config"
	"paygate/internal/entitlement"
	"paygate/internal/identity"
	"paygate/internal/notify"
	"paygate/internal/observability"
	"paygate/internal/store"
)

type App struct {
	Config   config.Config
	Store    *store.Store
	Bus      *notify.Bus
	Registry *prometheus.Registry
	Observer *observability.Observer
	Billing  *billing.StripeService
	Handler  *Handler
	Logger   zerolog.Logger
}

// New opens the profile store, applies migrations and connects the change
// bus. Without a redis url the service runs without push updates and relies
// on the reconciliation poller alone.
func New(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*App, error) {
	st, err := store.Open(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx, st.DB()); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	var bus *notify.Bus
	if cfg.Redis.URL != "" {
		bus, err = notify.New(cfg.Redis.URL, logger)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("notify: %w", err)
		}
	} else {
		logger.Warn().Msg("redis url not set; change feed disabled")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	observer := observability.NewObserver(logger, registry)

	a := &App{
		Config:   cfg,
		Store:    st,
		Bus:      bus,
		Registry: registry,
		Observer: observer,
		Logger:   logger,
	}

	handler := &Handler{
		Config:   cfg,
		Verifier: identity.NewVerifier(cfg),
		Profiles: st,
		Limiter:  entitlement.NewRateLimiter(),
		Observer: observer,
		Gatherer: registry,
		Ready:    a.ready,
		Logger:   logger,
	}
	var publisher billing.Publisher
	if bus != nil {
		handler.Feed = bus
		handler.Revocations = bus
		handler.Publisher = bus
		publisher = bus
	}
	a.Billing = billing.NewStripeService(cfg, st, publisher, logger)
	handler.Billing = a.Billing
	a.Handler = handler
	return a, nil
}

func (a *App) ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.Store.Ping(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if a.Bus != nil {
		if err := a.Bus.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

func (a *App) Close() error {
	var errs []error
	if a.Bus != nil {
		errs = append(errs, a.Bus.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}

// Serve runs the HTTP server until ctx ends, then drains open requests.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.Config.HTTP.Addr,
		Handler:           a.Handler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info().Str("addr", srv.Addr).Msg("paygate listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
