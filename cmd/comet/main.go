// Package main is the entry point for the jiascheduler-comet binary: the
// broker of spec.md section 4.2, wiring the Redis-backed link_pair
// registry and event bus publisher into internal/comet.Server's HTTP and
// WebSocket surface.
//
// Startup sequence grounded on arkeep's agent/cmd/agent/main.go pattern
// and the teacher's control_plane/main.go for the promhttp.Handler()
// /metrics mount.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jiascheduler/jiascheduler/internal/comet"
	"github.com/jiascheduler/jiascheduler/internal/eventbus"
	"github.com/jiascheduler/jiascheduler/internal/registry"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const shutdownTimeout = 10 * time.Second

type config struct {
	listenAddr string
	selfAddr   string
	secret     string
	fileDir    string
	redisAddr  string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "jiascheduler-comet",
		Short: "jiascheduler comet — WebSocket broker between Console and Agents",
		Long: `jiascheduler comet terminates one persistent Bridge connection per
Agent, forwards Console's /dispatch and /runtime_action HTTP calls onto the
matching connection, and republishes Agent lifecycle/UpdateJob events onto
the shared event bus.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.listenAddr, "listen-addr", envOrDefault("JIA_COMET_LISTEN", ":7001"), "Address to serve the HTTP/WebSocket surface on")
	root.PersistentFlags().StringVar(&cfg.selfAddr, "self-addr", envOrDefault("JIA_COMET_SELF_ADDR", "localhost:7001"), "This Comet's own host:port, advertised into link_pair records")
	root.PersistentFlags().StringVar(&cfg.secret, "secret", envOrDefault("JIA_SECRET", ""), "Shared secret verified on WebSocket upgrade and the Auth handshake")
	root.PersistentFlags().StringVar(&cfg.fileDir, "file-dir", envOrDefault("JIA_FILE_DIR", ""), "Directory GET /file/get/{filename} serves from")
	root.PersistentFlags().StringVar(&cfg.redisAddr, "redis-addr", envOrDefault("JIA_REDIS_ADDR", "localhost:6379"), "Redis host:port backing the link_pair registry and event bus")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("JIA_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("jiascheduler-comet %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.secret == "" {
		logger.Warn("secret not configured — WebSocket upgrade and Auth handshake are unauthenticated (set JIA_SECRET in production)")
	}

	logger.Info("starting jiascheduler comet",
		zap.String("version", version),
		zap.String("listen_addr", cfg.listenAddr),
		zap.String("self_addr", cfg.selfAddr),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.redisAddr})
	defer rdb.Close()

	linkPairs := registry.NewLinkPairs(rdb)
	bus := eventbus.New(rdb, logger)

	srv := comet.New(comet.Config{
		SelfAddr: cfg.selfAddr,
		Secret:   cfg.secret,
		FileDir:  cfg.fileDir,
	}, linkPairs, bus, logger)

	mux := http.NewServeMux()
	mux.Handle("/", srv.Handler())
	mux.Handle("/metrics", promhttp.Handler())

	httpSrv := &http.Server{Addr: cfg.listenAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("comet: http server failed: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("comet: graceful shutdown failed", zap.Error(err))
	}

	logger.Info("jiascheduler comet stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
