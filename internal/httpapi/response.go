// Package httpapi is the route-registration contract (spec.md §6's
// "the core exposes these as library functions to be wrapped"): it
// registers handlers onto a caller-owned chi.Router and never
// constructs an http.Server itself, leaving that to the external HTTP
// layer. Grounded on the teacher's internal/api package (response.go,
// validation.go, recording.go), trimmed to the operations spec.md
// actually names: catalog list/query, protection, retention override,
// export, recording-days, and retention/manager control.
package httpapi

import (
	"encoding/json"
	"net/http"
)

func decodeJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// Response is the envelope every handler in this package writes.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// ErrorInfo carries a machine-readable code alongside the message.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Meta carries pagination metadata for list endpoints.
type Meta struct {
	Total  int `json:"total,omitempty"`
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// OK writes a 200 response.
func OK(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

// OKList writes a 200 response carrying pagination metadata.
func OKList(w http.ResponseWriter, data interface{}, total, limit, offset int) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: data, Meta: &Meta{Total: total, Limit: limit, Offset: offset}})
}

// NoContent writes a 204 response.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

func errorResponse(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Response{Success: false, Error: &ErrorInfo{Code: code, Message: message}})
}

// BadRequest writes a 400 response.
func BadRequest(w http.ResponseWriter, message string) { errorResponse(w, http.StatusBadRequest, "BAD_REQUEST", message) }

// NotFound writes a 404 response.
func NotFound(w http.ResponseWriter, message string) { errorResponse(w, http.StatusNotFound, "NOT_FOUND", message) }

// Conflict writes a 409 response.
func Conflict(w http.ResponseWriter, message string) { errorResponse(w, http.StatusConflict, "CONFLICT", message) }

// InternalError writes a 500 response.
func InternalError(w http.ResponseWriter, message string) {
	errorResponse(w, http.StatusInternalServerError, "INTERNAL_ERROR", message)
}
