package comet

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// sshLoginParams is the text frame Comet sends the parked Agent socket
// once Console claims it (spec.md section 4.7).
type sshLoginParams struct {
	User     string `json:"user"`
	Password string `json:"password"`
	Port     string `json:"port"`
}

// handleSSHRegister implements "Agent opens GET /ssh/register/{client_key}
// ... and keeps the socket idle" (spec.md section 4.7): park the upgraded
// socket under client_key until a tunnel request claims it or the Agent
// disconnects (dropParkedSSH, called from lifecycleSink.OnOffline).
func (s *Server) handleSSHRegister(w http.ResponseWriter, r *http.Request) {
	clientKey := lastPathSegment("/ssh/register", r.URL.Path)
	if clientKey == "" {
		http.Error(w, "missing client_key", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("comet: ssh register upgrade failed", zap.Error(err))
		return
	}

	s.sshMu.Lock()
	if old, exists := s.sshParked[clientKey]; exists {
		old.Close()
	}
	s.sshParked[clientKey] = ws
	s.sshMu.Unlock()
}

// handleSSHTunnel implements "Console opens GET /ssh/tunnel/{ip}?...": pop
// the matching parked socket, send it the login params as a text frame,
// then splice the two sockets byte-for-byte until either side closes.
func (s *Server) handleSSHTunnel(w http.ResponseWriter, r *http.Request) {
	ip := lastPathSegment("/ssh/tunnel", r.URL.Path)
	if ip == "" {
		http.Error(w, "missing ip", http.StatusBadRequest)
		return
	}

	agentWS, clientKey := s.popParkedSSHByIP(ip)
	if agentWS == nil {
		http.Error(w, "agent not registered for ssh tunnel", http.StatusNotFound)
		return
	}

	consoleWS, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("comet: ssh tunnel upgrade failed", zap.Error(err))
		agentWS.Close()
		return
	}

	login := sshLoginParams{
		User:     r.URL.Query().Get("user"),
		Password: r.URL.Query().Get("password"),
		Port:     r.URL.Query().Get("port"),
	}
	payload, _ := json.Marshal(login)
	if err := agentWS.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.log.Warn("comet: failed to send ssh login params", zap.String("client_key", clientKey), zap.Error(err))
		agentWS.Close()
		consoleWS.Close()
		return
	}

	splicePipe(agentWS, consoleWS)
}

// popParkedSSHByIP finds the parked socket whose client_key ("namespace/ip")
// ends in "/"+ip and removes it from the parking table.
func (s *Server) popParkedSSHByIP(ip string) (*websocket.Conn, string) {
	s.sshMu.Lock()
	defer s.sshMu.Unlock()
	suffix := "/" + ip
	for key, ws := range s.sshParked {
		if strings.HasSuffix(key, suffix) {
			delete(s.sshParked, key)
			return ws, key
		}
	}
	return nil, ""
}

// splicePipe copies raw WebSocket messages in both directions until
// either side errors or closes; pure data-plane plumbing, no framing
// interpretation beyond passing each message through.
func splicePipe(a, b *websocket.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); copyMessages(a, b) }()
	go func() { defer wg.Done(); copyMessages(b, a) }()
	wg.Wait()
	a.Close()
	b.Close()
}

func copyMessages(src, dst *websocket.Conn) {
	for {
		mt, data, err := src.ReadMessage()
		if err != nil {
			return
		}
		if err := dst.WriteMessage(mt, data); err != nil {
			return
		}
	}
}
