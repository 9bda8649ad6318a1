// Package bridge implements the duplex, request/response transport used
// on both sides of a Comet<->Agent WebSocket connection. It exposes one
// primitive: send a Request to a named client and receive a typed
// Response within a deadline.
package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/jiascheduler/jiascheduler/internal/jobtypes"
)

// EnvelopeKind discriminates a Request frame from a Response frame. It is
// the first field decoded off the wire so the broker can route a
// Response to its pending-table entry without touching the payload.
type EnvelopeKind string

const (
	KindRequest  EnvelopeKind = "request"
	KindResponse EnvelopeKind = "response"
)

// Envelope is the self-describing wire frame carried by every binary
// WebSocket message: a connection-local id (0 reserved for the auth
// handshake and any response with no prior request) plus a Kind-tagged
// payload.
type Envelope struct {
	ID      uint64          `json:"id"`
	Kind    EnvelopeKind    `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// RequestType names one of the fixed Request variants.
type RequestType string

const (
	ReqAuth          RequestType = "Auth"
	ReqDispatchJob   RequestType = "DispatchJob"
	ReqRuntimeAction RequestType = "RuntimeAction"
	ReqPullJob       RequestType = "PullJob"
	ReqSftpReadDir   RequestType = "SftpReadDir"
	ReqSftpUpload    RequestType = "SftpUpload"
	ReqSftpDownload  RequestType = "SftpDownload"
	ReqSftpRemove    RequestType = "SftpRemove"
	ReqUpdateJob     RequestType = "UpdateJob"
	ReqHeartbeat     RequestType = "Heartbeat"
)

// Request is a type-tagged union over the fixed Request variants. Params
// is decoded lazily by the handler that cares about a given Type.
type Request struct {
	Type   RequestType     `json:"type"`
	Params json.RawMessage `json:"params"`
}

func newRequest(t RequestType, params any) (Request, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Request{}, fmt.Errorf("bridge: marshal %s params: %w", t, err)
	}
	return Request{Type: t, Params: raw}, nil
}

// NewAuthRequest builds the Auth request sent once at connection start.
func NewAuthRequest(p jobtypes.AuthParams) (Request, error) { return newRequest(ReqAuth, p) }

// NewDispatchJobRequest builds a DispatchJob request.
func NewDispatchJobRequest(p jobtypes.DispatchJobParams) (Request, error) {
	return newRequest(ReqDispatchJob, p)
}

// NewRuntimeActionRequest builds a RuntimeAction request.
func NewRuntimeActionRequest(p jobtypes.RuntimeActionParams) (Request, error) {
	return newRequest(ReqRuntimeAction, p)
}

// NewUpdateJobRequest builds an UpdateJob request (Agent -> Comet).
func NewUpdateJobRequest(p jobtypes.UpdateJobParams) (Request, error) {
	return newRequest(ReqUpdateJob, p)
}

// NewHeartbeatRequest builds a Heartbeat request (Agent -> Comet).
func NewHeartbeatRequest(p jobtypes.HeartbeatParams) (Request, error) {
	return newRequest(ReqHeartbeat, p)
}

// NewSftpReadDirRequest, NewSftpUploadRequest, NewSftpDownloadRequest and
// NewSftpRemoveRequest build the SFTP variants; params are passed through
// as an arbitrary JSON-shaped map since SFTP proxying is out of scope
// beyond passthrough (see spec.md section 1).
func NewSftpReadDirRequest(p any) (Request, error)  { return newRequest(ReqSftpReadDir, p) }
func NewSftpUploadRequest(p any) (Request, error)   { return newRequest(ReqSftpUpload, p) }
func NewSftpDownloadRequest(p any) (Request, error) { return newRequest(ReqSftpDownload, p) }
func NewSftpRemoveRequest(p any) (Request, error)   { return newRequest(ReqSftpRemove, p) }

// AuthParams decodes the request params as AuthParams.
func (r Request) AuthParams() (jobtypes.AuthParams, error) {
	var p jobtypes.AuthParams
	err := json.Unmarshal(r.Params, &p)
	return p, err
}

// DispatchJobParams decodes the request params as DispatchJobParams.
func (r Request) DispatchJobParams() (jobtypes.DispatchJobParams, error) {
	var p jobtypes.DispatchJobParams
	err := json.Unmarshal(r.Params, &p)
	return p, err
}

// RuntimeActionParams decodes the request params as RuntimeActionParams.
func (r Request) RuntimeActionParams() (jobtypes.RuntimeActionParams, error) {
	var p jobtypes.RuntimeActionParams
	err := json.Unmarshal(r.Params, &p)
	return p, err
}

// UpdateJobParams decodes the request params as UpdateJobParams.
func (r Request) UpdateJobParams() (jobtypes.UpdateJobParams, error) {
	var p jobtypes.UpdateJobParams
	err := json.Unmarshal(r.Params, &p)
	return p, err
}

// HeartbeatParams decodes the request params as HeartbeatParams.
func (r Request) HeartbeatParams() (jobtypes.HeartbeatParams, error) {
	var p jobtypes.HeartbeatParams
	err := json.Unmarshal(r.Params, &p)
	return p, err
}
