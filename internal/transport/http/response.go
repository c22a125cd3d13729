package httptransport

import (
	"encoding/json"
	"log"
	"net/http"
)

// apiError is the uniform error body every endpoint returns.
type apiError struct {
	Message string `json:"message"`
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, apiError{Message: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are gone; nothing to send the client but a log line.
		log.Printf("[http] encode response error=%v", err)
	}
}
