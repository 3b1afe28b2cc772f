package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/relaykit/callrelay/internal/call"
	"github.com/relaykit/callrelay/internal/config"
	"github.com/relaykit/callrelay/internal/httpserver"
	"github.com/relaykit/callrelay/internal/hub"
	"github.com/relaykit/callrelay/internal/metrics"
	"github.com/relaykit/callrelay/internal/presence"
	"github.com/relaykit/callrelay/internal/registry"
	"github.com/relaykit/callrelay/internal/session"
	"github.com/relaykit/callrelay/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting callrelay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"presence_backend", cfg.PresenceBackend,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
	)

	store, err := newPresenceStore(cfg)
	if err != nil {
		logger.Error("failed to configure presence store", "err", err)
		os.Exit(2)
	}

	// Connection ids from a previous process are meaningless; stale rows
	// would make dead connections look online forever.
	if err := store.Clear(context.Background()); err != nil {
		logger.Error("failed to clear presence store", "err", err)
		os.Exit(1)
	}

	m := metrics.New()
	h := hub.New(logger)
	reg := registry.New(store)
	engine := call.NewEngine(reg, h, m, logger)
	sessions := session.NewController(reg, h, engine, m, logger)
	sig := signaling.NewServer(cfg, h, sessions, engine, m, logger)

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, store)
	srv.Mux().Handle("GET /ws", sig)
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func newPresenceStore(cfg config.Config) (presence.Store, error) {
	switch cfg.PresenceBackend {
	case config.PresenceBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return presence.NewRedisStore(client, cfg.RedisKeyPrefix), nil
	case config.PresenceBackendMemory:
		return presence.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported presence backend %q", cfg.PresenceBackend)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
