package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bookingdesk/reservesync/internal/layout"
	"github.com/bookingdesk/reservesync/internal/pushwire"
	"github.com/bookingdesk/reservesync/internal/reserve"
	"github.com/bookingdesk/reservesync/internal/resync"
	"github.com/bookingdesk/reservesync/internal/schedcfg"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	pushURL := envOr("RESERVESYNC_PUSH_URL", "ws://127.0.0.1:8080/ws")
	httpURL := envOr("RESERVESYNC_HTTP_URL", "http://127.0.0.1:8080")
	token := os.Getenv("RESERVESYNC_TOKEN")
	configPath := envOr("RESERVESYNC_CONFIG", "reservesync.toml")

	cfg := schedcfg.Default()
	configOnDisk := true
	if loaded, err := schedcfg.Load(configPath); err == nil {
		cfg = loaded
	} else if errors.Is(err, os.ErrNotExist) {
		configOnDisk = false
		logger.Info("no schedule config file; using defaults", "path", configPath)
	} else {
		logger.Error("failed to load schedule config", "path", configPath, "error", err)
		os.Exit(1)
	}

	var layoutOpts atomic.Pointer[layout.Options]
	layoutOpts.Store(optionsFor(cfg))

	var cache *reserve.Cache
	cache = reserve.NewCache(reserve.CacheOptions{
		FreeRoam: cfg.FreeRoam,
		OnChange: func() {
			opts := layoutOpts.Load()
			total := 0
			for _, rng := range cache.Ranges() {
				entries, ok := cache.Range(rng)
				if !ok {
					continue
				}
				total += len(layout.Compute(entries, *opts))
			}
			logger.Debug("recomputed calendar events", "events", total)
		},
	})

	suppression := reserve.NewEchoSuppressionStore(cfg.SuppressionWindow())
	fallback := pushwire.NewFallbackClient(httpURL, token, nil)

	var coordinator *resync.Coordinator
	client, err := pushwire.NewClient(pushURL, pushwire.ClientOptions{
		Logger: logger,
		Handler: func(ev pushwire.Event) {
			coordinator.HandleEvent(ev)
		},
	})
	if err != nil {
		logger.Error("failed to build push client", "error", err)
		os.Exit(1)
	}

	coordinator, err = resync.NewCoordinator(resync.Options{
		Cache:       cache,
		Suppression: suppression,
		Transport:   client,
		Fallback:    fallback,
		AckTimeout:  cfg.AckTimeout(),
		Logger:      logger,
	})
	if err != nil {
		logger.Error("failed to build coordinator", "error", err)
		os.Exit(1)
	}

	if configOnDisk {
		watcher, err := schedcfg.Watch(configPath, func(next schedcfg.Config) {
			layoutOpts.Store(optionsFor(next))
		}, logger)
		if err != nil {
			logger.Warn("schedule config watching disabled", "error", err)
		} else {
			defer watcher.Close()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("reservesyncd starting", "push_url", pushURL, "fallback_url", httpURL)
	runConnectLoop(ctx, client, logger)
	_ = client.Close()
	logger.Info("reservesyncd stopped")
}

// runConnectLoop keeps the push channel connected, backing off on failure.
// While the channel is down, mutations transparently use the HTTP fallback.
func runConnectLoop(ctx context.Context, client *pushwire.Client, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		if !client.Available() {
			if err := client.Connect(ctx); err != nil {
				logger.Warn("push channel connect failed", "error", err, "retry_in", backoff)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}
			logger.Info("push channel connected")
			backoff = time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func optionsFor(cfg schedcfg.Config) *layout.Options {
	return &layout.Options{
		BaseTime:         cfg.BaseTime(),
		Durations:        cfg.DurationPolicy(),
		IncludeCancelled: cfg.FreeRoam,
	}
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
