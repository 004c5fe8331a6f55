package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"escrowflow/app"
	"escrowflow/auth"
	"escrowflow/config"
	"escrowflow/logging"
	"escrowflow/ratelimit"
)

func main() {
	configPath := flag.String("config", os.Getenv("ESCROW_CONFIG"), "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("escrow api: %v", err)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	var authSvc *auth.Service
	if cfg.Auth.JWTSecret != "" {
		authSvc, err = auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("auth disabled: AUTH_JWT_SECRET not set")
	}

	srv, err := newServer(serverDeps{
		Escrow:  a.Service,
		Log:     logger,
		Auth:    authSvc,
		Limiter: ratelimit.New(cfg.RateLimit.RPS, cfg.RateLimit.Burst, 0),
		Metrics: promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}),
		Health:  a.Ledger.Ping,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", slog.String("addr", cfg.HTTP.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})
	if cfg.Reconcile.Interval > 0 {
		g.Go(func() error {
			return a.Service.RunReconciler(gctx, cfg.Reconcile.Interval)
		})
	}
	return g.Wait()
}
