// Package main is the entry point for the jiascheduler-agent binary: it
// wires internal/agentconn's reconnect loop to an internal/scheduler
// instance and blocks until SIGINT/SIGTERM.
//
// Startup sequence, grounded on arkeep's agent/cmd/agent/main.go:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Build Scheduler/Agent with a forward-reference closure (see run)
//  4. Block until ctx is cancelled, then let Agent.Run return
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jiascheduler/jiascheduler/internal/agentconn"
	"github.com/jiascheduler/jiascheduler/internal/bridge"
	"github.com/jiascheduler/jiascheduler/internal/executor"
	"github.com/jiascheduler/jiascheduler/internal/scheduler"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	cometAddr  string
	namespace  string
	secret     string
	macAddr    string
	stateDir   string
	workDir    string
	logDir     string
	logLevel   string
	metricAddr string
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
		Use:   "jiascheduler-agent",
		Short: "jiascheduler agent — executes dispatched jobs on this host",
		Long: `jiascheduler agent maintains a single persistent WebSocket
connection to its configured Comet, executing DispatchJob/RuntimeAction
requests and reporting UpdateJob events back over the same Bridge.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.cometAddr, "comet-addr", envOrDefault("JIA_COMET_ADDR", "localhost:7001"), "Comet host:port to dial")
	root.PersistentFlags().StringVar(&cfg.namespace, "namespace", envOrDefault("JIA_NAMESPACE", "default"), "Namespace this agent registers under")
	root.PersistentFlags().StringVar(&cfg.secret, "secret", envOrDefault("JIA_SECRET", ""), "Shared secret presented during the Bridge Auth handshake")
	root.PersistentFlags().StringVar(&cfg.macAddr, "mac-addr", envOrDefault("JIA_MAC_ADDR", ""), "MAC address identifying this host (auto-detected if empty)")
	root.PersistentFlags().StringVar(&cfg.stateDir, "state-dir", envOrDefault("JIA_STATE_DIR", defaultStateDir()), "Directory for agent-state.json")
	root.PersistentFlags().StringVar(&cfg.workDir, "work-dir", envOrDefault("JIA_WORK_DIR", defaultStateDir()+"/work"), "Directory fetched upload_file bytes are written to")
	root.PersistentFlags().StringVar(&cfg.logDir, "log-dir", envOrDefault("JIA_LOG_DIR", ""), "Directory job stdout/stderr is tee'd to (empty disables)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("JIA_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.metricAddr, "metrics-addr", envOrDefault("JIA_METRICS_ADDR", ":9101"), "Address to serve /metrics on")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("jiascheduler-agent %s (commit: %s, built: %s)\n", version, commit, date)
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
		logger.Warn("secret not configured — Bridge Auth handshake is unauthenticated (set JIA_SECRET in production)")
	}

	logger.Info("starting jiascheduler agent",
		zap.String("version", version),
		zap.String("comet_addr", cfg.cometAddr),
		zap.String("namespace", cfg.namespace),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.workDir, 0o750); err != nil {
		return fmt.Errorf("prepare work dir: %w", err)
	}

	exec := executor.New(cfg.logDir)

	// scheduler.New needs an agentconn.Agent as its UpdateJobSink/
	// FileFetcher, while agentconn.New needs a RequestHandler closure that
	// calls into the Scheduler it hasn't been built yet. Break the cycle
	// with a forward reference: the closure captures sched by pointer and
	// isn't invoked until well after both constructors below return.
	var sched *scheduler.Scheduler
	handler := func(ctx context.Context, req bridge.Request) json.RawMessage {
		return handleRequest(ctx, sched, logger, req)
	}

	agent := agentconn.New(agentconn.Config{
		CometAddr: cfg.cometAddr,
		Namespace: cfg.namespace,
		Secret:    cfg.secret,
		MacAddr:   cfg.macAddr,
		StateDir:  cfg.stateDir,
	}, logger, handler)

	sched = scheduler.New(exec, agent, agent, logger, cfg.workDir)
	defer sched.Stop()

	if cfg.metricAddr != "" {
		go serveMetrics(cfg.metricAddr, logger)
	}

	agent.Run(ctx)

	logger.Info("jiascheduler agent stopped")
	return nil
}

// handleRequest routes one inbound Bridge Request into the Scheduler and
// marshals its result back, mirroring internal/comet/handlers.go's
// decode-dispatch-marshal shape on the Agent side of the connection.
func handleRequest(ctx context.Context, sched *scheduler.Scheduler, log *zap.Logger, req bridge.Request) json.RawMessage {
	switch req.Type {
	case bridge.ReqDispatchJob:
		p, err := req.DispatchJobParams()
		if err != nil {
			return bridge.MarshalError("agent: decode DispatchJob params: " + err.Error())
		}
		out, err := sched.Reconcile(ctx, p)
		if err != nil {
			log.Warn("agent: reconcile failed", zap.String("eid", p.Eid), zap.Error(err))
			if out == nil {
				return bridge.MarshalError(err.Error())
			}
		}
		return bridge.MarshalValue(out)

	case bridge.ReqRuntimeAction:
		p, err := req.RuntimeActionParams()
		if err != nil {
			return bridge.MarshalError("agent: decode RuntimeAction params: " + err.Error())
		}
		if err := sched.ReconcileRuntimeAction(ctx, p); err != nil {
			log.Warn("agent: runtime action failed", zap.String("eid", p.Eid), zap.Error(err))
			return bridge.MarshalError(err.Error())
		}
		return bridge.MarshalNull()

	default:
		return bridge.MarshalError("agent: unsupported request type " + string(req.Type))
	}
}

func serveMetrics(addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		log.Warn("agent: metrics server stopped", zap.Error(err))
	}
}

// defaultStateDir returns the platform-appropriate default state directory.
func defaultStateDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.jiascheduler-agent"
	}
	return ".jiascheduler-agent"
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
