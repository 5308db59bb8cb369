// Command messagebusd composes the message bus, cooldown registry, and
// their ambient surfaces (journal, admin WebSocket) from environment
// configuration and serves until an interrupt signal arrives.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fulcrum/messagebus/internal/adminws"
	"fulcrum/messagebus/internal/config"
	"fulcrum/messagebus/internal/cooldown"
	"fulcrum/messagebus/internal/factory"
	"fulcrum/messagebus/internal/journal"
	"fulcrum/messagebus/internal/logging"
	"fulcrum/messagebus/internal/messagebus"
	"fulcrum/messagebus/internal/metrics"
)

const shutdownGrace = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus, err := factory.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to build message bus", logging.Error(err))
	}

	cooldowns := cooldown.NewRegistry(logger.With(logging.String("component", "cooldown")), metrics.Default())
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := cooldowns.Close(closeCtx); err != nil {
			logger.Warn("cooldown registry close failed", logging.Error(err))
		}
	}()

	if cfg.JournalEnabled() {
		j, err := journal.Open(cfg.JournalPath)
		if err != nil {
			logger.Fatal("failed to open durability journal", logging.Error(err))
		}
		defer func() {
			if err := j.Close(); err != nil {
				logger.Warn("journal close failed", logging.Error(err))
			}
		}()
		token, err := bus.SubscribePattern("*", j.Subscriber(func(err error) {
			logger.Warn("journal append failed", logging.Error(err))
		}))
		if err != nil {
			logger.Fatal("failed to attach durability journal", logging.Error(err))
		}
		defer bus.Unsubscribe(token)
		logger.Info("durability journal enabled", logging.String("path", cfg.JournalPath))
	}

	var adminServer *http.Server
	if cfg.AdminSurfaceEnabled() {
		adminLogger := logger.With(logging.String("component", "adminws"))
		admin, err := adminws.New(bus, cooldowns, cfg.AdminTokenSecret, adminLogger)
		if err != nil {
			logger.Fatal("failed to build admin surface", logging.Error(err))
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := admin.Shutdown(closeCtx); err != nil {
				logger.Warn("admin surface shutdown failed", logging.Error(err))
			}
		}()

		mux := http.NewServeMux()
		mux.HandleFunc("/admin/stream", admin.Handler())
		mux.HandleFunc("/healthz", healthzHandler(bus))
		adminServer = &http.Server{Addr: cfg.AdminAddr, Handler: mux}

		go func() {
			logger.Info("admin surface listening", logging.String("address", cfg.AdminAddr))
			if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatal("admin surface terminated", logging.Error(err))
			}
		}()
	}

	logger.Info("message bus ready",
		logging.String("server_id", bus.ServerID()),
		logging.String("transport", string(cfg.EffectiveTransport())),
	)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	if adminServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		_ = adminServer.Shutdown(shutdownCtx)
		cancel()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := bus.Shutdown(shutdownCtx); err != nil {
		logger.Warn("message bus shutdown failed", logging.Error(err))
	}
}

func healthzHandler(bus *messagebus.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		code := http.StatusOK
		if !bus.IsConnected() {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		fmt.Fprintf(w, `{"status":%q}`, status)
	}
}
