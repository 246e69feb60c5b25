// cmd/api/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/briangreenhill/tdxsync/cache"
	"github.com/briangreenhill/tdxsync/internal/config"
	"github.com/briangreenhill/tdxsync/internal/http/routes"
	"github.com/briangreenhill/tdxsync/internal/jobs"
	"github.com/briangreenhill/tdxsync/internal/metrics"
	"github.com/briangreenhill/tdxsync/ratelimit"
	"github.com/briangreenhill/tdxsync/tdx"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config error")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()

	if !cfg.HasCredentials() {
		logger.Warn().Msg("TDX_CLIENT_ID / TDX_CLIENT_SECRET not set; upstream reads will fail")
	}

	fc := cache.New(cfg.CacheDir, cfg.CacheEnabled, cfg.CacheTTL())
	metrics.RegisterCache(fc)

	var opts []tdx.Option
	opts = append(opts, tdx.WithLogger(logger))
	if cfg.RateLimitPerMinute > 0 {
		bucket, err := ratelimit.NewBucket(cfg.RateLimitPerMinute, cfg.RateLimitBurst)
		if err != nil {
			log.Fatal().Err(err).Msg("rate limit config error")
		}
		opts = append(opts, tdx.WithBucket(bucket))
	}
	client := tdx.New(cfg.ClientConfig(), fc, opts...)

	mgr := jobs.NewManager(client, jobs.Options{
		MaxPagesPerRun: cfg.BulkMaxPagesPerCall,
		MaxTimePerRun:  time.Duration(cfg.BulkMaxSecondsPerCall * float64(time.Second)),
	}, logger)

	s := routes.New(routes.ServerOptions{
		Client: client,
		Jobs:   mgr,
		Logger: logger,
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: s.Router}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown error")
		}
		mgr.Wait()
	}()

	logger.Info().Str("addr", cfg.ListenAddr).Msg("api listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server error")
	}
}
