package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/inkroad/pushgate/internal/config"
	"github.com/inkroad/pushgate/internal/hub"
	"github.com/inkroad/pushgate/internal/platform/logging"
	"github.com/inkroad/pushgate/internal/platform/version"
	"github.com/inkroad/pushgate/internal/redis"
	"github.com/inkroad/pushgate/internal/relay"
	"github.com/inkroad/pushgate/internal/server"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupRedis(ctx context.Context, cfg *config.Config) *goredis.Client {
	client, err := redis.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

// runMaintenance drives the hub's maintenance cycle on a fixed interval
// until ctx is cancelled.
func runMaintenance(ctx context.Context, h *hub.Hub, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			res := h.RunMaintenanceCycle()
			if res.StalePruned > 0 || res.DuplicatesDrained > 0 {
				slog.Info("Maintenance cycle completed",
					"stale_pruned", res.StalePruned,
					"duplicates_drained", res.DuplicatesDrained,
				)
			}
		case <-ctx.Done():
			return
		}
	}
}

func runGracefulShutdown(srv *server.Server, h *hub.Hub, cancel context.CancelFunc) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		h.Stop()
		close(done)
	}()

	return done
}

func main() {
	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Gateway starting",
		"env", cfg.AppEnv,
		"port", cfg.Port,
		"version", version.Get().Version,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := hub.New(clockwork.NewRealClock())

	var (
		redisClient *goredis.Client
		eventRelay  *relay.Relay
	)
	if cfg.RedisURL != "" {
		redisClient = setupRedis(ctx, cfg)
		defer func() { _ = redisClient.Close() }()

		eventRelay = relay.New(redisClient, h)
		go eventRelay.Start(ctx)
		slog.Info("Relay enabled")
	}

	// Pass nil explicitly to avoid a typed-nil interface.
	var srv *server.Server
	if eventRelay != nil {
		srv = server.NewServer(cfg, h, eventRelay, redisClient)
	} else {
		srv = server.NewServer(cfg, h, nil, nil)
	}

	go runMaintenance(ctx, h, cfg.MaintenanceInterval)

	done := runGracefulShutdown(srv, h, cancel)

	slog.Info("Server starting", "port", cfg.Port)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
