// Package comet implements the Comet broker of spec.md section 4.2: the
// HTTP surface Console and Agents speak, the Bridge client registry, and
// the SSH tunnel splice of section 4.7.
//
// Grounded on control_plane/main.go + control_plane/api.go for the plain
// net/http + manual path-parsing HTTP server shape, and control_plane/
// ws_hub.go for the WebSocket-upgrade idiom -- adapted to serve Bridge
// connections instead of the teacher's metrics-only hub.
package comet

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jiascheduler/jiascheduler/internal/bridge"
	"github.com/jiascheduler/jiascheduler/internal/eventbus"
	"github.com/jiascheduler/jiascheduler/internal/registry"
)

// Config holds what a Comet process needs beyond its Redis/logging
// dependencies.
type Config struct {
	// SelfAddr is this Comet's own host:port, advertised into link_pair
	// records so Console knows where to POST /dispatch.
	SelfAddr string
	// Secret is the shared Bearer token verified both on the HTTP
	// upgrade (spec.md section 4.2) and inside the Auth handshake.
	Secret string
	// FileDir serves GET /file/get/{filename} (spec.md section 4.4.1's
	// upload_file fetch).
	FileDir string
}

// Server wires together the Bridge, the link_pair registry, the event
// bus publisher, and the HTTP surface.
type Server struct {
	cfg Config
	log *zap.Logger

	bridge          *bridge.Bridge
	linkPairs       *registry.LinkPairs
	bus             *eventbus.Bus
	dispatchLimiter *dispatchLimiter

	upgrader websocket.Upgrader

	sshMu     sync.Mutex
	sshParked map[string]*websocket.Conn
}

// dispatchRatePerSecond/dispatchBurst bound how fast Console may redispatch
// to the same client_key before Comet starts shedding the excess back as
// an error, rather than queueing it into the Agent's single WebSocket.
const (
	dispatchRatePerSecond = 20
	dispatchBurst         = 40
)

func New(cfg Config, linkPairs *registry.LinkPairs, bus *eventbus.Bus, log *zap.Logger) *Server {
	srv := &Server{
		cfg:             cfg,
		log:             log,
		linkPairs:       linkPairs,
		bus:             bus,
		dispatchLimiter: newDispatchLimiter(dispatchRatePerSecond, dispatchBurst),
		upgrader:        websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(*http.Request) bool { return true }},
		sshParked:       make(map[string]*websocket.Conn),
	}
	srv.bridge = bridge.New(log, &lifecycleSink{srv: srv, log: log})
	return srv
}

// Handler builds the net/http surface of spec.md section 6.2.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/evt/", s.handleEvt)
	mux.HandleFunc("/dispatch", s.handleDispatch)
	mux.HandleFunc("/runtime_action", s.handleRuntimeAction)
	mux.HandleFunc("/sftp/", s.handleSftp)
	mux.HandleFunc("/ssh/register/", s.handleSSHRegister)
	mux.HandleFunc("/ssh/tunnel/", s.handleSSHTunnel)
	mux.HandleFunc("/file/get/", s.handleFileGet)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// refreshLinkPair refreshes the link_pair record for clientKey; called
// from the Heartbeat Request handler passed into each accepted
// Connection (spec.md section 4.2's "On inbound Heartbeat ... set
// link_pair").
func (s *Server) refreshLinkPair(ctx context.Context, clientKey string) {
	if err := s.linkPairs.Set(ctx, clientKey, s.cfg.SelfAddr); err != nil {
		s.log.Warn("comet: failed to refresh link_pair", zap.String("client_key", clientKey), zap.Error(err))
	}
}

func (s *Server) publishUpdateJob(ctx context.Context, msg eventbus.Msg) {
	if s.bus == nil {
		return
	}
	if _, err := s.bus.Publish(ctx, msg); err != nil {
		s.log.Warn("comet: publish failed", zap.Error(err))
	}
}

func (s *Server) dropParkedSSH(clientKey string) {
	s.sshMu.Lock()
	conn, ok := s.sshParked[clientKey]
	if ok {
		delete(s.sshParked, clientKey)
	}
	s.sshMu.Unlock()
	if ok {
		conn.Close()
	}
}
