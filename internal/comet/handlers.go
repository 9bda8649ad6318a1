package comet

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jiascheduler/jiascheduler/internal/bridge"
	"github.com/jiascheduler/jiascheduler/internal/eventbus"
	"github.com/jiascheduler/jiascheduler/internal/jobtypes"
)

// agentReadTimeout is the Comet-side Agent connection's read deadline
// (spec.md section 4.1: "the Comet side uses pongWait"-equivalent).
const agentReadTimeout = 60 * time.Second

func lastPathSegment(prefix, path string) string {
	return strings.TrimPrefix(strings.TrimPrefix(path, prefix), "/")
}

// handleEvt upgrades GET /evt/{namespace} into a Bridge connection,
// verifying the Bearer secret per spec.md section 4.2, then running the
// Auth handshake and registering the resulting client_key.
func (s *Server) handleEvt(w http.ResponseWriter, r *http.Request) {
	namespace := lastPathSegment("/evt", r.URL.Path)
	if namespace == "" {
		http.Error(w, "missing namespace", http.StatusBadRequest)
		return
	}

	authz := r.Header.Get("Authorization")
	if authz != "Bearer "+s.cfg.Secret {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("comet: websocket upgrade failed", zap.Error(err))
		return
	}

	conn := bridge.NewConnection(ws, s.log, nil)

	params, err := bridge.PerformServerAuth(conn, func(p jobtypes.AuthParams) error {
		if p.Secret != s.cfg.Secret {
			return errInvalidSecret
		}
		return nil
	})
	if err != nil {
		conn.Close()
		return
	}

	clientKey := namespace + "/" + params.AgentIP
	s.setHandler(conn, clientKey, namespace)
	s.bridge.Register(clientKey, conn)
	conn.Start(agentReadTimeout)
}

var errInvalidSecret = errors.New("comet: invalid secret")

// setHandler installs the Request handler that processes what an Agent
// sends Comet: Heartbeat and UpdateJob (spec.md section 4.2's Lifecycle
// actions). Comet needs the client_key (known only after the Auth
// handshake) bound into the closure, so the handler is attached via
// Connection.SetHandler rather than passed to NewConnection.
func (s *Server) setHandler(conn *bridge.Connection, clientKey, namespace string) {
	conn.SetHandler(func(ctx context.Context, req bridge.Request) json.RawMessage {
		switch req.Type {
		case bridge.ReqHeartbeat:
			hp, err := req.HeartbeatParams()
			if err != nil {
				return bridge.MarshalError("malformed heartbeat params")
			}
			s.refreshLinkPair(ctx, clientKey)
			s.publishUpdateJob(ctx, eventbus.HeartbeatMsg(hp))
			return bridge.MarshalNull()
		case bridge.ReqUpdateJob:
			up, err := req.UpdateJobParams()
			if err != nil {
				return bridge.MarshalError("malformed update_job params")
			}
			s.publishUpdateJob(ctx, eventbus.UpdateJobMsg(up))
			return bridge.MarshalNull()
		default:
			return bridge.MarshalError("comet: agent connection cannot originate " + string(req.Type))
		}
	})
}

// dispatchBody is the JSON body shape spec.md section 4.2 defines for
// /dispatch, /runtime_action and /sftp/...: { namespace, agent_ip,
// mac_addr, params }.
type dispatchBody struct {
	Namespace string          `json:"namespace"`
	AgentIP   string          `json:"agent_ip"`
	MacAddr   string          `json:"mac_addr"`
	Params    json.RawMessage `json:"params"`
}

func (b dispatchBody) clientKey() string { return b.Namespace + "/" + b.AgentIP }

func decodeBody(r *http.Request) (dispatchBody, error) {
	var b dispatchBody
	err := json.NewDecoder(r.Body).Decode(&b)
	return b, err
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := decodeBody(r)
	if err != nil {
		writeError(w, "invalid request body")
		return
	}
	if !s.dispatchLimiter.allow(body.clientKey()) {
		writeError(w, "dispatch rate exceeded for "+body.clientKey())
		return
	}
	var p jobtypes.DispatchJobParams
	if err := json.Unmarshal(body.Params, &p); err != nil {
		writeError(w, "invalid dispatch params")
		return
	}
	req, err := bridge.NewDispatchJobRequest(p)
	if err != nil {
		writeError(w, err.Error())
		return
	}
	s.forward(w, r.Context(), body.clientKey(), req)
}

func (s *Server) handleRuntimeAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := decodeBody(r)
	if err != nil {
		writeError(w, "invalid request body")
		return
	}
	var p jobtypes.RuntimeActionParams
	if err := json.Unmarshal(body.Params, &p); err != nil {
		writeError(w, "invalid runtime_action params")
		return
	}
	req, err := bridge.NewRuntimeActionRequest(p)
	if err != nil {
		writeError(w, err.Error())
		return
	}
	s.forward(w, r.Context(), body.clientKey(), req)
}

// handleSftp fans POST/GET /sftp/{read-dir,upload,download,remove} out to
// the matching Bridge SFTP request variant. Pure passthrough: spec.md
// section 1 scopes SFTP to tunnel plumbing only, so params travel as an
// opaque JSON value on both legs.
func (s *Server) handleSftp(w http.ResponseWriter, r *http.Request) {
	op := lastPathSegment("/sftp", r.URL.Path)
	body, err := decodeBody(r)
	if err != nil {
		writeError(w, "invalid request body")
		return
	}

	var params any
	if len(body.Params) > 0 {
		if err := json.Unmarshal(body.Params, &params); err != nil {
			writeError(w, "invalid sftp params")
			return
		}
	}

	var req bridge.Request
	switch op {
	case "read-dir":
		req, err = bridge.NewSftpReadDirRequest(params)
	case "upload":
		req, err = bridge.NewSftpUploadRequest(params)
	case "download":
		req, err = bridge.NewSftpDownloadRequest(params)
	case "remove":
		req, err = bridge.NewSftpRemoveRequest(params)
	default:
		writeError(w, "unknown sftp operation")
		return
	}
	if err != nil {
		writeError(w, err.Error())
		return
	}
	s.forward(w, r.Context(), body.clientKey(), req)
}

// forward sends req to clientKey over the Bridge and relays the Response
// verbatim under the {code,msg,data} envelope (spec.md section 4.2).
func (s *Server) forward(w http.ResponseWriter, ctx context.Context, clientKey string, req bridge.Request) {
	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	raw, err := s.bridge.Send(sendCtx, clientKey, req)
	if err != nil {
		writeError(w, err.Error())
		return
	}
	if msg, isErr := bridge.AsError(raw); isErr {
		writeError(w, msg)
		return
	}
	var data any
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &data); err != nil {
			writeError(w, "malformed response from agent")
			return
		}
	}
	writeOK(w, data)
}

// handleFileGet serves GET /file/get/{filename} out of Config.FileDir,
// the Comet-side half of spec.md section 4.4.1's upload_file fetch.
func (s *Server) handleFileGet(w http.ResponseWriter, r *http.Request) {
	filename := lastPathSegment("/file/get", r.URL.Path)
	if filename == "" || strings.Contains(filename, "..") {
		http.Error(w, "invalid filename", http.StatusBadRequest)
		return
	}
	path := filepath.Join(s.cfg.FileDir, filename)
	f, err := os.Open(path)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	io.Copy(w, f)
}
