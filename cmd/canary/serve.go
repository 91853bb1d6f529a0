package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	httpx "github.com/splax/canary/internal/http"
	"github.com/splax/canary/internal/ws"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Expose deploys, logs and metrics over HTTP",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (default from config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Addr = addr
	}
	log := stderrLogger(cfg)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a, err := newApp(cfg, log, reg)
	if err != nil {
		return err
	}
	defer a.Close()

	fwd, err := attachTelemetry(cfg, a.orch, log)
	if err != nil {
		log.Warn("telemetry disabled", "error", err)
	}
	defer fwd.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := ws.NewHub()
	defer hub.Close()
	entries, unsubscribe := a.orch.Sink.Subscribe(256)

	router := httpx.New(httpx.Options{
		Logger:      log,
		Runner:      a.orch,
		Sink:        a.orch.Sink,
		Store:       a.store,
		Hub:         hub,
		Registry:    reg,
		JWTSecret:   cfg.JWTSecret,
		Health:      a.health,
		BaseContext: context.WithoutCancel(ctx),
	})
	if cfg.JWTSecret == "" {
		log.Warn("CANARY_JWT_SECRET is not set, the HTTP API is unauthenticated")
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("canary server starting", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		hub.Forward(gctx, entries)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		unsubscribe()
		return nil
	})

	err = g.Wait()
	router.Wait()
	log.Info("canary server stopped")
	return err
}
