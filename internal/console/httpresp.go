package console

import (
	"encoding/json"
	"net/http"
)

// envelope is Console's own {code,msg,data} HTTP response shape, matching
// internal/comet/httpresp.go bit-for-bit (spec.md section 7's HTTP-layer
// {code,msg} mapping) so a client of either server parses one response
// shape.
type envelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data,omitempty"`
}

const (
	codeSuccess = 20000
	codeError   = 50000
)

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Code: codeSuccess, Msg: "success", Data: data})
}

func writeError(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusOK, envelope{Code: codeError, Msg: msg})
}

// writeErrorWithData is writeError plus a Data payload, used where a
// partial failure still has something worth returning -- e.g. a dispatch
// whose schedule was persisted despite one target failing (spec.md
// section 4.8's Persistence paragraph).
func writeErrorWithData(w http.ResponseWriter, msg string, data any) {
	writeJSON(w, http.StatusOK, envelope{Code: codeError, Msg: msg, Data: data})
}

func writeJSON(w http.ResponseWriter, status int, v envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
