package bridge

import (
	"encoding/json"
	"time"

	"github.com/jiascheduler/jiascheduler/internal/jobtypes"
)

// authTimeout bounds the handshake on both sides; it runs before the
// normal read/write loops exist, so it cannot rely on Send's pending
// table -- it uses connection id 0 directly (spec.md section 4.1).
const authTimeout = 5 * time.Second

// PerformClientAuth runs the Agent side of the handshake: write an Auth
// Request at id 0, then block for the matching id-0 Response. Call this
// once, immediately after dialing and before Start.
func PerformClientAuth(c *Connection, params jobtypes.AuthParams) error {
	req, err := NewAuthRequest(params)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := c.sendRaw(Envelope{ID: 0, Kind: KindRequest, Payload: payload}); err != nil {
		return ErrTransport
	}

	c.ws.SetReadDeadline(time.Now().Add(authTimeout))
	env, err := c.readRaw()
	if err != nil {
		return ErrTransport
	}
	if env.ID != 0 || env.Kind != KindResponse {
		return ErrAuthFailed
	}
	if msg, isErr := AsError(env.Payload); isErr {
		_ = msg
		return ErrAuthFailed
	}
	if !DecodeOK(env.Payload) {
		return ErrAuthFailed
	}
	return nil
}

// PerformServerAuth runs the Comet side of the handshake: block for an
// id-0 Auth Request, validate it with verify, and reply "ok" or an error
// at id 0. Returns the decoded AuthParams on success so the caller can
// derive the client_key. Call this once, immediately after accepting the
// upgrade and before Start.
func PerformServerAuth(c *Connection, verify func(jobtypes.AuthParams) error) (jobtypes.AuthParams, error) {
	c.ws.SetReadDeadline(time.Now().Add(authTimeout))
	env, err := c.readRaw()
	if err != nil {
		return jobtypes.AuthParams{}, ErrTransport
	}
	if env.ID != 0 || env.Kind != KindRequest {
		return jobtypes.AuthParams{}, ErrAuthFailed
	}

	var req Request
	if err := json.Unmarshal(env.Payload, &req); err != nil || req.Type != ReqAuth {
		c.sendRaw(Envelope{ID: 0, Kind: KindResponse, Payload: marshalError("expected auth request")})
		return jobtypes.AuthParams{}, ErrAuthFailed
	}

	params, err := req.AuthParams()
	if err != nil {
		c.sendRaw(Envelope{ID: 0, Kind: KindResponse, Payload: marshalError("malformed auth params")})
		return jobtypes.AuthParams{}, ErrAuthFailed
	}

	if err := verify(params); err != nil {
		c.sendRaw(Envelope{ID: 0, Kind: KindResponse, Payload: marshalError(err.Error())})
		return jobtypes.AuthParams{}, ErrAuthFailed
	}

	if err := c.sendRaw(Envelope{ID: 0, Kind: KindResponse, Payload: marshalOK()}); err != nil {
		return jobtypes.AuthParams{}, ErrTransport
	}

	c.AgentIP = params.AgentIP
	c.IsInitialized = params.IsInitialized
	return params, nil
}
