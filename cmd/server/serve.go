package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/manpreetbhatti/canvasrelay/internal/api"
	"github.com/manpreetbhatti/canvasrelay/internal/auth"
	"github.com/manpreetbhatti/canvasrelay/internal/config"
	"github.com/manpreetbhatti/canvasrelay/internal/db"
	"github.com/manpreetbhatti/canvasrelay/internal/flush"
	"github.com/manpreetbhatti/canvasrelay/internal/lifecycle"
	"github.com/manpreetbhatti/canvasrelay/internal/logging"
	"github.com/manpreetbhatti/canvasrelay/internal/metrics"
	"github.com/manpreetbhatti/canvasrelay/internal/ratelimit"
	"github.com/manpreetbhatti/canvasrelay/internal/ws"
)

func runServe(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	slog.SetDefault(logger)

	authn, err := auth.NewJWTAuthenticator(cfg.Auth.JWTSecret)
	if err != nil {
		return err
	}

	store, err := db.Open(db.Options{
		Driver:      cfg.Storage.Driver,
		SQLitePath:  cfg.Storage.SQLitePath,
		PostgresDSN: cfg.Storage.PostgresDSN,
		Postgres:    db.DefaultPostgresConfig(),
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	m := metrics.New()

	buffer := flush.New(store, flush.Config{
		Interval:  cfg.Buffer.Interval,
		Timeout:   cfg.Buffer.Timeout,
		WarnDepth: cfg.Buffer.WarnDepth,
	}, logger, m)
	buffer.Start()

	janitor := lifecycle.NewJanitor(store, buffer, cfg.GC.Timeout, logger, m)

	hub := ws.NewHub(ws.Options{
		Logger:         logger,
		Metrics:        m,
		Buffer:         buffer,
		Collector:      janitor,
		SendBuffer:     cfg.WS.SendBuffer,
		RatePerSecond:  cfg.WS.RatePerSecond,
		Burst:          cfg.WS.Burst,
		MaxViolations:  cfg.WS.MaxViolations,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	go hub.Run()

	limiters := ratelimit.NewClientLimiters(cfg.API.RatePerSecond, cfg.API.Burst)

	router := mux.NewRouter()
	router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(hub, authn, w, r)
	})
	api.New(hub, buffer, store, authn, limiters, logger).Register(router)

	server := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           api.CORS(cfg.Server.AllowedOrigins)(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Order matters: no new frames, then no more connections, then the last
	// flush, then pending purges, then storage.
	manager := lifecycle.NewManager(logger)
	manager.Add("http server", server.Shutdown)
	manager.Add("hub", hub.Close)
	manager.Add("write buffer", buffer.Stop)
	manager.Add("janitor", func(context.Context) error {
		janitor.Wait()
		return nil
	})
	manager.Add("rate limiters", func(context.Context) error {
		limiters.Stop()
		return nil
	})
	manager.Add("store", func(context.Context) error {
		return store.Close()
	})

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Canvas relay starting",
			slog.String("address", cfg.Server.Address),
			slog.String("storage", cfg.Storage.Driver))
		logger.Info("Endpoints",
			slog.String("websocket", "/ws?token={jwt}"),
			slog.String("health", "GET /health"),
			slog.String("metrics", "GET /metrics"),
			slog.String("stats", "GET /api/stats"),
			slog.String("actions", "GET /api/rooms/{roomId}/actions"))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("listen: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, manager.Shutdown(shutdownCtx))
}
