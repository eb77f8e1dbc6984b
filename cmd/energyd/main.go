// Command energyd serves the energy monitoring API, websocket endpoint and
// background subscribers from a single process.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wattwise/energy-monitor/internal/app/httpapi"
	"github.com/wattwise/energy-monitor/internal/app/runtime"
	"github.com/wattwise/energy-monitor/internal/config"
	"github.com/wattwise/energy-monitor/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (overrides ENERGY_CONFIG_FILE)")
	addr := flag.String("addr", "", "Listen address (overrides ENERGY_ADDR)")
	flag.Parse()

	if *configPath != "" {
		_ = os.Setenv("ENERGY_CONFIG_FILE", *configPath)
	}
	cfg, err := config.Load()
	if err != nil {
		logger.NewDefault("energyd").WithError(err).Fatal("load config")
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	log := logger.New(cfg.Logging).Named("energyd")
	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("energyd stopped")
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := runtime.Build(ctx, cfg, log, runtime.Options{Hub: true, Schedule: true})
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.WithError(err).Warn("release backends")
		}
	}()

	handler, err := httpapi.NewHandler(rt.App, httpapi.Options{
		Prefix:         cfg.Server.APIPrefix,
		Origins:        cfg.Server.Origins(),
		AuthRateLimit:  cfg.Server.AuthRateLimit,
		AuthRateBurst:  cfg.Server.AuthRateBurst,
		TrustedProxies: cfg.Server.Proxies(),
		LocalUploads:   cfg.Objects.Backend == config.BackendMemory,
		AuditPath:      cfg.Audit.LogPath,
		AuditCapacity:  cfg.Audit.Capacity,
	}, log.Named("http"))
	if err != nil {
		return err
	}
	defer handler.Close()
	handler.StartCleanup(ctx, time.Minute)

	if err := rt.App.Start(ctx); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	return rt.App.Stop(shutdownCtx)
}
