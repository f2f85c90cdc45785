// Package api implements the HTTP control-plane surface: six endpoints,
// each a thin translation over the Lease Manager and Store.
package api

import (
	"encoding/json"
	"net/http"
)

// Envelope is the standard response shape: {code, message, data}, with the
// HTTP status mirroring code.
type Envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// WriteJSON writes an {code, message, data} envelope with the given HTTP
// status.
func WriteJSON(w http.ResponseWriter, status int, message string, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Code: status, Message: message, Data: data})
}

// WriteError writes an envelope with no data payload.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, message, nil)
}
