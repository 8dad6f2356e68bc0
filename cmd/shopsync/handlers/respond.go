// Package handlers provides the local REST API that UI clients use to read
// cached state, submit shop actions and drive synchronization.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	apperrors "github.com/kimhsiao/shopsync/internal/errors"
	"github.com/kimhsiao/shopsync/internal/logging"
	"github.com/kimhsiao/shopsync/internal/sync/conflict"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("Failed to write response", map[string]interface{}{"error": err.Error()})
	}
}

// writeError maps err to a status code through its error code.
func writeError(w http.ResponseWriter, err error) {
	code := errorCode(err)
	status := apperrors.HTTPStatus(code)
	if status >= http.StatusInternalServerError {
		logging.ErrorWithCode("Request failed", string(code), err)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: string(code)})
}

func errorCode(err error) apperrors.ErrorCode {
	if errors.Is(err, conflict.ErrConflictNotFound) {
		return apperrors.ErrConflictNotFound
	}
	if conflict.IsConflictError(err) {
		return apperrors.ErrConflictInvalid
	}
	return apperrors.CodeOf(err)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg, Code: string(apperrors.ErrInvalid)})
}

// decodeBody reads a JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		badRequest(w, "Invalid request body")
		return false
	}
	return true
}

// readRaw reads a request body that must itself be a JSON value.
func readRaw(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil || !json.Valid(data) {
		badRequest(w, "Request body must be a JSON value")
		return nil, false
	}
	return json.RawMessage(data), true
}

// Health handles GET /api/health.
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "shopsync"})
}
