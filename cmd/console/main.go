// Package main is the entry point for the jiascheduler-console binary:
// the dispatch-orchestration HTTP surface of spec.md section 4.8, its
// event bus consumer, and the leader-elected stale-instance sweeper.
//
// Startup sequence grounded on arkeep's agent/cmd/agent/main.go pattern
// for the cobra/logger/signal shape, and on control_plane/main.go for
// wiring a leader-elected background loop alongside an HTTP server.
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

	"github.com/jiascheduler/jiascheduler/internal/console"
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
	listenAddr  string
	nodeID      string
	redisAddr   string
	postgresDSN string
	logLevel    string
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
		Use:   "jiascheduler-console",
		Short: "jiascheduler console — dispatch orchestration and the instance registry",
		Long: `jiascheduler console exposes POST /job/dispatch and POST
/job/redispatch, consumes the shared event bus to persist instance and
run state, and, while holding the leader lease, sweeps instances that
have gone silent past the staleness window.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.listenAddr, "listen-addr", envOrDefault("JIA_CONSOLE_LISTEN", ":7000"), "Address to serve the HTTP surface on")
	root.PersistentFlags().StringVar(&cfg.nodeID, "node-id", envOrDefault("JIA_NODE_ID", ""), "Identity this process contends for the leader lease under (random if empty)")
	root.PersistentFlags().StringVar(&cfg.redisAddr, "redis-addr", envOrDefault("JIA_REDIS_ADDR", "localhost:6379"), "Redis host:port backing the leader lease and event bus")
	root.PersistentFlags().StringVar(&cfg.postgresDSN, "postgres-dsn", envOrDefault("JIA_POSTGRES_DSN", "postgres://localhost:5432/jiascheduler"), "PostgreSQL connection string backing the instance/schedule store")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("JIA_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("jiascheduler-console %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting jiascheduler console",
		zap.String("version", version),
		zap.String("listen_addr", cfg.listenAddr),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := console.NewPostgresStore(ctx, cfg.postgresDSN)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.redisAddr})
	defer rdb.Close()

	linkPairs := registry.NewLinkPairs(rdb)
	bus := eventbus.New(rdb, logger)

	dispatcher := console.NewDispatcher(store, linkPairs, logger)
	srv := console.NewServer(dispatcher, logger)

	consumer := console.NewConsumer(store, dispatcher, logger)
	go func() {
		if err := bus.Consume(ctx, consumer.Handle); err != nil && ctx.Err() == nil {
			logger.Warn("console: event bus consumer stopped", zap.Error(err))
		}
	}()

	sweeper := console.NewSweeper(store, logger)
	elector := registry.NewLeaderElector(rdb, logger, cfg.nodeID)
	elector.SetCallbacks(sweeper.Run, func() {
		logger.Info("console: stepped down from leader")
	})
	elector.Start(ctx)
	defer elector.Stop()

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
		return fmt.Errorf("console: http server failed: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("console: graceful shutdown failed", zap.Error(err))
	}

	logger.Info("jiascheduler console stopped")
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
