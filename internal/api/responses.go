package api

import (
	"encoding/json"
	"net/http"
)

// Machine-readable error codes returned in ErrorResponse.Code.
const (
	ErrBadRequest   = "bad_request"
	ErrInvalidBody  = "invalid_body"
	ErrMissingFile  = "missing_file"
	ErrDuplicate    = "duplicate_job"
	ErrTooLarge     = "too_large"
	ErrUploadFailed = "upload_failed"
	ErrNotFound     = "not_found"
	ErrUnavailable  = "unavailable"
	ErrInternal     = "internal_error"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is the standard error response body.
type ErrorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorResponse{Error: msg})
}

// WriteErrorWithCode writes a JSON error response with a machine-readable code.
func WriteErrorWithCode(w http.ResponseWriter, status int, code, msg string) {
	WriteJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{}`)
	}
	return b
}
