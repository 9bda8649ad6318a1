package bridge

import "encoding/json"

// A Response carries an unstructured JSON value: a success payload or
// {"error": "..."}. Re-architected per spec.md section 9 as a tagged
// union dispatched by the request kind that produced it, instead of a
// single duck-typed Value used everywhere. Callers that only forward the
// payload opaquely (Console relaying a Comet response to its own HTTP
// caller) use RawResponse directly.

// RawResponse is the escape hatch for callers that never interpret the
// payload themselves.
type RawResponse = json.RawMessage

// errorPayload is the shape of a failure Response.
type errorPayload struct {
	Error string `json:"error"`
}

// AsError reports whether raw is an error-shaped Response and, if so,
// returns the message.
func AsError(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}
	var e errorPayload
	if err := json.Unmarshal(raw, &e); err != nil || e.Error == "" {
		return "", false
	}
	return e.Error, true
}

// JobOutput is the typed Response for a synchronous DispatchJob Exec
// call (spec.md section 4.4.1 step 5): the job's captured output, or a
// BundleOutput if the job was a bundle.
type JobOutput struct {
	ExitCode     *int          `json:"exit_code,omitempty"`
	ExitStatus   string        `json:"exit_status,omitempty"`
	Stdout       string        `json:"stdout,omitempty"`
	Stderr       string        `json:"stderr,omitempty"`
	BundleOutput []BundleEntry `json:"bundle_output,omitempty"`
}

// BundleEntry mirrors jobtypes.BundleOutputEntry; duplicated here (rather
// than imported) so the Response types in this file have no dependency
// on the scheduler's job model, keeping the wire-typed-union layer
// self-contained.
type BundleEntry struct {
	Eid        string `json:"eid"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	ExitStatus string `json:"exit_status,omitempty"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
}

// DecodeJobOutput decodes a DispatchJob Response payload. A null payload
// (the async, non-sync case) decodes to a nil *JobOutput with no error.
func DecodeJobOutput(raw json.RawMessage) (*JobOutput, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var out JobOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// OKResponse is the typed Response for requests whose success payload is
// the literal string "ok" (the Auth handshake).
type OKResponse struct{ OK bool }

// DecodeOK reports whether raw is the literal JSON string "ok".
func DecodeOK(raw json.RawMessage) bool {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false
	}
	return s == "ok"
}

func marshalOK() json.RawMessage {
	b, _ := json.Marshal("ok")
	return b
}

func marshalNull() json.RawMessage {
	return json.RawMessage("null")
}

func marshalError(msg string) json.RawMessage {
	b, _ := json.Marshal(errorPayload{Error: msg})
	return b
}

func marshalValue(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return marshalError(err.Error())
	}
	return b
}

// MarshalError, MarshalNull and MarshalValue are the exported forms of
// the helpers above, for request handlers living outside this package
// (internal/comet, internal/agentconn) that must produce a Response
// payload by hand.
func MarshalError(msg string) json.RawMessage { return marshalError(msg) }
func MarshalNull() json.RawMessage            { return marshalNull() }
func MarshalValue(v any) json.RawMessage      { return marshalValue(v) }
