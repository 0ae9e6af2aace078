package api

import (
	"encoding/json"
	"net/http"
)

// Error codes returned to callers.
const (
	CodeBadRequest     = "BAD_REQUEST"
	CodeInternal       = "INTERNAL"
	CodeNotImplemented = "NOT_IMPLEMENTED"
	CodeUnavailable    = "UNAVAILABLE"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, requestID, code, message string) {
	writeJSON(w, status, map[string]any{
		"request_id": requestID,
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
