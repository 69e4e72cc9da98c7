// Package httpapi implements the ingress HTTP surface of spec.md §6,
// routed with github.com/gorilla/mux in the style of the pack's Argus
// backend (a mux.Router and small WriteJSON/WriteError helpers; no
// middleware is registered).
package httpapi

import (
	"encoding/json"
	"net/http"
)

// WriteJSON writes v as JSON with the given HTTP status code.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// WriteSuccess writes the §6 success envelope: {success:true, data:...}.
func WriteSuccess(w http.ResponseWriter, status int, data interface{}) {
	WriteJSON(w, status, envelope{Success: true, Data: data})
}

// WriteError writes the §6/§7 error envelope: {success:false, error:"..."}.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, envelope{Success: false, Error: message})
}
