// Package console implements the Console control plane of spec.md section
// 4.8: the dispatch orchestration HTTP surface, the Redis-backed instance
// registry, the event bus consumer, and the leader-elected stale-instance
// sweeper.
//
// Grounded on control_plane/main.go + control_plane/api.go for the plain
// net/http + manual path-parsing HTTP server shape (the same idiom
// internal/comet/server.go already adapted from the teacher).
package console

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/jiascheduler/jiascheduler/internal/jobtypes"
)

// Server exposes Console's HTTP surface: POST /job/dispatch (spec.md line
// 22's "Console /job/dispatch") and POST /job/redispatch, both backed by
// the same Dispatcher.
type Server struct {
	dispatcher *Dispatcher
	log        *zap.Logger
}

func NewServer(dispatcher *Dispatcher, log *zap.Logger) *Server {
	return &Server{dispatcher: dispatcher, log: log}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/job/dispatch", s.handleDispatch)
	mux.HandleFunc("/job/redispatch", s.handleRedispatch)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// dispatchRequestBody is the wire shape of a POST /job/dispatch call: a
// job snapshot plus the set of instance_ids to fan it out to.
type dispatchRequestBody struct {
	ScheduleID      string             `json:"schedule_id"`
	InstanceIDs     []string           `json:"instance_ids"`
	Job             jobtypes.BaseJob   `json:"job"`
	Action          jobtypes.JobAction `json:"action"`
	IsSync          bool               `json:"is_sync"`
	CreatedUser     string             `json:"created_user"`
	TimerExpr       string             `json:"timer_expr,omitempty"`
	RestartInterval time.Duration      `json:"restart_interval,omitempty"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "method not allowed")
		return
	}

	var body dispatchRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, "invalid request body: "+err.Error())
		return
	}
	if len(body.InstanceIDs) == 0 {
		writeError(w, "instance_ids must not be empty")
		return
	}

	row, err := s.dispatcher.Dispatch(r.Context(), DispatchRequest{
		ScheduleID:      body.ScheduleID,
		InstanceIDs:     body.InstanceIDs,
		Job:             body.Job,
		Action:          body.Action,
		IsSync:          body.IsSync,
		CreatedUser:     body.CreatedUser,
		TimerExpr:       body.TimerExpr,
		RestartInterval: body.RestartInterval,
	})
	if err != nil {
		s.log.Warn("console: dispatch failed", zap.String("schedule_id", body.ScheduleID), zap.Error(err))
		if row == nil {
			writeError(w, err.Error())
			return
		}
		// Partial fan-out failure: the schedule is still persisted, but
		// the caller must see a non-success code (spec.md section 4.8's
		// Persistence paragraph).
		writeErrorWithData(w, err.Error(), row)
		return
	}
	writeOK(w, row)
}

// redispatchRequestBody re-sends a previously persisted schedule's
// dispatch snapshot with a new action (e.g. stopping a running timer or
// killing a supervised process), per the Redispatch flow spec.md section
// 4.8 groups with the initial dispatch.
type redispatchRequestBody struct {
	ScheduleID string             `json:"schedule_id"`
	Action     jobtypes.JobAction `json:"action"`
}

func (s *Server) handleRedispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "method not allowed")
		return
	}

	var body redispatchRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, "invalid request body: "+err.Error())
		return
	}
	if body.ScheduleID == "" {
		writeError(w, "schedule_id must not be empty")
		return
	}

	row, err := s.dispatcher.Redispatch(r.Context(), body.ScheduleID, body.Action)
	if err != nil {
		s.log.Warn("console: redispatch failed", zap.String("schedule_id", body.ScheduleID), zap.Error(err))
		if row == nil {
			writeError(w, err.Error())
			return
		}
		writeErrorWithData(w, err.Error(), row)
		return
	}
	writeOK(w, row)
}
