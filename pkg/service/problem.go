// Package service exposes the core's operations to calling surfaces: an
// in-process facade plus the HTTP layer over it. Error responses use RFC
// 7807 Problem Details.
package service

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

// problemTypeBase prefixes the per-status problem type URIs.
const problemTypeBase = "https://aegis.cognatelabs.dev/errors/"

// Problem is an RFC 7807 problem document. Every non-2xx body the service
// writes takes this shape.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func (p *Problem) Error() string {
	return p.Title + ": " + p.Detail
}

func (p *Problem) write(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

func writeProblem(w http.ResponseWriter, status int, title, detail string) {
	(&Problem{
		Type:   problemTypeBase + strconv.Itoa(status),
		Title:  title,
		Status: status,
		Detail: detail,
	}).write(w)
}

func writeBadRequest(w http.ResponseWriter, detail string) {
	writeProblem(w, http.StatusBadRequest, "Bad Request", detail)
}

func writeForbidden(w http.ResponseWriter, detail string) {
	writeProblem(w, http.StatusForbidden, "Forbidden", detail)
}

func writeNotFound(w http.ResponseWriter, detail string) {
	writeProblem(w, http.StatusNotFound, "Not Found", detail)
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeProblem(w, http.StatusMethodNotAllowed, "Method Not Allowed", "method not supported on this endpoint")
}

func writeConflict(w http.ResponseWriter, detail string) {
	writeProblem(w, http.StatusConflict, "Conflict", detail)
}

func writeTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	writeProblem(w, http.StatusTooManyRequests, "Too Many Requests", "rate limit exceeded")
}

// writeInternal logs the cause and answers with a generic 500. The error
// itself never reaches the client.
func writeInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	writeProblem(w, http.StatusInternalServerError, "Internal Server Error", "unexpected error, try again later")
}
