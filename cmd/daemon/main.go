// cmd/daemon/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/briangreenhill/tdxsync/cache"
	"github.com/briangreenhill/tdxsync/internal/config"
	"github.com/briangreenhill/tdxsync/internal/daemon"
	"github.com/briangreenhill/tdxsync/internal/metrics"
	"github.com/briangreenhill/tdxsync/ratelimit"
	"github.com/briangreenhill/tdxsync/tdx"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config error")
	}

	// Flags override the environment for one run.
	cities := flag.String("cities", "", "comma-separated list of cities (default: all)")
	sleep := flag.Float64("sleep", cfg.DaemonSleepSeconds, "base sleep between iterations, seconds")
	pages := flag.Int("pages", cfg.DaemonStaticPagesPerRun, "static pages fetched per dataset per iteration")
	dynamic := flag.Bool("dynamic", cfg.DaemonDynamicRefresh, "refresh dynamic availability data")
	refreshDays := flag.Float64("refresh-days", cfg.DaemonStaticRefreshDays, "days between full static re-syncs (0 disables)")
	cooldown := flag.Float64("cooldown", cfg.DaemonCooldownSeconds, "per-city cooldown after repeated quota errors, seconds")
	statePath := flag.String("state", "", "daemon state file (default: <cache-dir>/tdx_daemon/state.json)")
	seconds := flag.Float64("seconds", cfg.DaemonStaticSecondsPerRun, "static fetch time budget per iteration, seconds")
	spacing := flag.Float64("spacing", cfg.RequestSpacingSeconds, "minimum spacing between upstream requests, seconds")
	retries := flag.Int("retries", cfg.RetryMaxAttempts, "retry attempts for transient upstream errors")
	flag.Parse()

	cfg.RequestSpacingSeconds = *spacing
	cfg.RetryMaxAttempts = *retries

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("component", "daemon").Logger()

	if !cfg.HasCredentials() {
		log.Fatal().Msg("TDX_CLIENT_ID and TDX_CLIENT_SECRET are required")
	}
	if !cfg.CacheEnabled {
		log.Fatal().Msg("the daemon requires TDX_CACHE_ENABLED=true")
	}

	fc := cache.New(cfg.CacheDir, true, cfg.CacheTTL())
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

	var cityList []string
	if *cities != "" {
		for _, c := range strings.Split(*cities, ",") {
			if c = strings.TrimSpace(c); c != "" {
				cityList = append(cityList, c)
			}
		}
	}

	d := daemon.New(client, daemon.Options{
		Cities:            cityList,
		Sleep:             time.Duration(*sleep * float64(time.Second)),
		StaticPagesPerRun: *pages,
		StaticTimePerRun:  time.Duration(*seconds * float64(time.Second)),
		DynamicRefresh:    *dynamic,
		DynamicInterval:   time.Duration(cfg.DaemonDynamicIntervalSeconds * float64(time.Second)),
		Cooldown:          time.Duration(*cooldown * float64(time.Second)),
		StaticRefreshDays: *refreshDays,
		StatePath:         *statePath,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("daemon error")
	}
}
