package gateway

import (
	"encoding/json"
	"net/http"
)

// envelope is the uniform response shape for JSON endpoints.
type envelope struct {
	Success  bool           `json:"success"`
	Data     any            `json:"data,omitempty"`
	Error    *errorBody     `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type errorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, status int, data any, metadata map[string]any) {
	writeJSON(w, status, envelope{Success: true, Data: data, Metadata: metadata})
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, envelope{Success: false, Error: &errorBody{Type: errType, Message: message}})
}
