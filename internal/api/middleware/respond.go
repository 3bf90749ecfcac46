package middleware

import (
	"encoding/json"
	"net/http"
)

// errEnvelope matches the api package's response envelope so middleware
// errors look like handler errors to clients.
type errEnvelope struct {
	Error string `json:"error,omitempty"`
}

// writeErr writes a JSON error in the API envelope format.
func writeErr(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errEnvelope{Error: msg}) //nolint:errcheck
}
