package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/call-relay/config"
	"github.com/mossy-p/call-relay/internal/handlers"
	"github.com/mossy-p/call-relay/internal/logging"
	"github.com/mossy-p/call-relay/internal/metrics"
	"github.com/mossy-p/call-relay/internal/redis"
	"github.com/mossy-p/call-relay/internal/relay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fatal := logging.New("info", "production")
		fatal.Fatal().Err(err).Msg("Invalid configuration")
	}

	l := logging.New(cfg.LogLevel, cfg.Environment)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewPrometheusCollector(reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := relay.Options{
		OperatorID: cfg.OperatorID,
		Metrics:    m,
		Logger:     l,
	}
	var presence handlers.Presence

	// Redis mirror is optional
	if cfg.Redis.Enabled {
		mirror, err := redis.Connect(ctx, cfg.Redis, l)
		if err != nil {
			l.Fatal().Err(err).Str("addr", cfg.Redis.Addr()).Msg("Failed to connect to Redis")
		}
		defer mirror.Close()
		go mirror.Run(ctx)

		opts.Mirror = mirror
		presence = mirror
		l.Info().Str("addr", cfg.Redis.Addr()).Msg("Redis mirror enabled")
	}

	r := relay.New(opts)
	h := handlers.New(cfg, r, m, presence, l)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: h.Router(),
	}

	go func() {
		l.Info().
			Str("port", cfg.Port).
			Str("environment", cfg.Environment).
			Str("operator_id", cfg.OperatorID).
			Msg("Starting call relay")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	l.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Error().Err(err).Msg("Server forced to shutdown")
	}
	cancel()

	l.Info().Msg("Server exited")
}
