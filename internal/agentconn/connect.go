// Package agentconn owns the Agent side of the Bridge connection: the
// dial-auth-run reconnect loop, the 60s heartbeat, and the two
// callbacks the scheduler needs to reach back out to Comet
// (scheduler.UpdateJobSink and scheduler.FileFetcher).
//
// Grounded on arkeep's agent/internal/connection/manager.go for the
// overall dial/register/run-loops/reconnect shape and its atomic
// temp-file-then-rename state persistence. Deliberately departs from
// that file's exponential-backoff-with-jitter reconnect in favor of
// spec.md section 4.6's explicit flat 1s sleep -- see DESIGN.md's
// internal/agentconn ledger entry.
package agentconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jiascheduler/jiascheduler/internal/bridge"
	"github.com/jiascheduler/jiascheduler/internal/jobtypes"
)

// reconnectDelay is the flat sleep between reconnect attempts (spec.md
// section 4.6: "on return ... sleep 1 s, reconnect, resume" -- no
// backoff, no jitter).
const reconnectDelay = 1 * time.Second

// readTimeout is the Agent-side reader deadline; its expiry is what
// drives a reconnect (spec.md section 4.1's "read timeout of 90s").
const readTimeout = 90 * time.Second

const heartbeatInterval = 60 * time.Second

// Config holds what the Agent needs to dial and authenticate.
type Config struct {
	CometAddr string // host:port of the currently configured Comet
	Namespace string
	Secret    string
	MacAddr   string
	StateDir  string
}

type agentState struct {
	Initialized bool `json:"initialized"`
}

func stateFilePath(stateDir string) string {
	return filepath.Join(stateDir, "agent-state.json")
}

func loadState(stateDir string) agentState {
	data, err := os.ReadFile(stateFilePath(stateDir))
	if err != nil {
		return agentState{}
	}
	var s agentState
	if json.Unmarshal(data, &s) != nil {
		return agentState{}
	}
	return s
}

// saveState persists s atomically via temp-file-then-rename, the same
// technique arkeep's connection.saveState uses for its agent-state.json.
func saveState(stateDir string, s agentState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(stateDir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(stateDir, "agent-state.*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, stateFilePath(stateDir)); err != nil {
		return err
	}
	ok = true
	return nil
}

// RequestHandler processes an inbound Bridge Request on the Agent's
// connection (DispatchJob, RuntimeAction, SFTP passthrough). Supplied by
// the caller so agentconn has no dependency on internal/scheduler's
// concrete type.
type RequestHandler func(ctx context.Context, req bridge.Request) json.RawMessage

// Agent owns the reconnect loop and the live Connection.
type Agent struct {
	cfg     Config
	log     *zap.Logger
	handler RequestHandler

	mu          sync.RWMutex
	conn        *bridge.Connection
	cometAddr   string
	initialized bool
}

func New(cfg Config, log *zap.Logger, handler RequestHandler) *Agent {
	return &Agent{cfg: cfg, log: log, handler: handler, cometAddr: cfg.CometAddr}
}

// Run is the outer reconnect loop of spec.md section 4.6. It blocks
// until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) {
	state := loadState(a.cfg.StateDir)
	a.mu.Lock()
	a.initialized = state.Initialized
	a.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return
		}

		if err := a.session(ctx); err != nil {
			a.log.Warn("agentconn: session ended, reconnecting", zap.Error(err), zap.Duration("delay", reconnectDelay))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// clientKey returns the Bridge routing key for this Agent, computed the
// way spec.md section 3.1 defines it: "{namespace}/{ip}".
func (a *Agent) clientKey(agentIP string) string {
	return a.cfg.Namespace + "/" + agentIP
}

func (a *Agent) session(ctx context.Context) error {
	a.mu.RLock()
	cometAddr := a.cometAddr
	a.mu.RUnlock()

	u := url.URL{Scheme: "ws", Host: cometAddr, Path: "/evt/" + a.cfg.Namespace}
	header := http.Header{"Authorization": []string{"Bearer " + a.cfg.Secret}}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.String(), err)
	}

	conn := bridge.NewConnection(ws, a.log, func(ctx context.Context, req bridge.Request) json.RawMessage {
		if a.handler != nil {
			return a.handler(ctx, req)
		}
		return nil
	})

	localIP, err := localOutboundIP()
	if err != nil {
		conn.Close()
		return fmt.Errorf("determine local ip: %w", err)
	}

	a.mu.RLock()
	initialized := a.initialized
	a.mu.RUnlock()

	authErr := bridge.PerformClientAuth(conn, jobtypes.AuthParams{
		AgentIP:       localIP,
		Secret:        a.cfg.Secret,
		IsInitialized: initialized,
	})
	if authErr != nil {
		conn.Close()
		return fmt.Errorf("auth: %w", authErr)
	}

	a.log.Info("agentconn: authenticated", zap.String("client_key", a.clientKey(localIP)), zap.String("comet_addr", cometAddr))

	if !initialized {
		if err := saveState(a.cfg.StateDir, agentState{Initialized: true}); err != nil {
			a.log.Warn("agentconn: failed to persist initialized state", zap.Error(err))
		}
		a.mu.Lock()
		a.initialized = true
		a.mu.Unlock()
	}

	a.mu.Lock()
	a.conn = conn
	a.cometAddr = cometAddr
	a.mu.Unlock()

	conn.Start(readTimeout)

	done := make(chan struct{})
	conn.OnClose(func() { close(done) })

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go a.heartbeatLoop(heartbeatCtx, conn, localIP)

	select {
	case <-done:
		return errors.New("connection closed")
	case <-ctx.Done():
		conn.Close()
		return ctx.Err()
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context, conn *bridge.Connection, localIP string) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			req, err := bridge.NewHeartbeatRequest(jobtypes.HeartbeatParams{
				Namespace: a.cfg.Namespace,
				MacAddr:   a.cfg.MacAddr,
				SourceIP:  localIP,
			})
			if err != nil {
				continue
			}
			sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_, _ = conn.Send(sendCtx, req)
			cancel()
		}
	}
}

// SendUpdateJob implements scheduler.UpdateJobSink.
func (a *Agent) SendUpdateJob(ctx context.Context, p jobtypes.UpdateJobParams) error {
	a.mu.RLock()
	conn := a.conn
	a.mu.RUnlock()
	if conn == nil {
		return errors.New("agentconn: no active connection")
	}
	req, err := bridge.NewUpdateJobRequest(p)
	if err != nil {
		return err
	}
	_, err = conn.Send(ctx, req)
	return err
}

// FetchUploadFile implements scheduler.FileFetcher: HTTP-GET the file
// from the currently-registered Comet (spec.md section 4.4.1 step 1).
func (a *Agent) FetchUploadFile(ctx context.Context, filename string) ([]byte, error) {
	a.mu.RLock()
	cometAddr := a.cometAddr
	a.mu.RUnlock()

	u := url.URL{Scheme: "http", Host: cometAddr, Path: "/file/get/" + filename}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agentconn: fetch %s: status %d", filename, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func localOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
