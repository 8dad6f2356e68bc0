package remote

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/kimhsiao/shopsync/internal/logging"
	"github.com/kimhsiao/shopsync/internal/models"
	"github.com/kimhsiao/shopsync/internal/sync/queue"
)

// Handler serves a Memory authority over the HTTP wire format HTTPClient
// speaks. It backs the stub-remote command and the client tests.
type Handler struct {
	m      *Memory
	apiKey string
	mux    *http.ServeMux
}

// NewHandler creates a Handler. A non-empty apiKey is required as a bearer token.
func NewHandler(m *Memory, apiKey string) *Handler {
	h := &Handler{m: m, apiKey: apiKey, mux: http.NewServeMux()}
	h.mux.HandleFunc("GET /health", h.health)
	h.mux.HandleFunc("POST /actions/{action}", h.apply)
	h.mux.HandleFunc("GET /entities/{type}", h.list)
	h.mux.HandleFunc("GET /entities/{type}/{id}", h.fetch)
	h.mux.HandleFunc("PUT /entities/{type}/{id}", h.push)
	h.mux.HandleFunc("DELETE /entities/{type}/{id}", h.delete)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.apiKey != "" && r.Header.Get("Authorization") != "Bearer "+h.apiKey {
		writeError(w, http.StatusUnauthorized, "missing or invalid api key")
		return
	}
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.m.Ping(r.Context()); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) apply(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a, err := queue.Decode(r.PathValue("action"), body)
	if err != nil {
		h.fail(w, err)
		return
	}
	e, err := h.m.Apply(r.Context(), a, r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entityEnvelope{Entity: e})
}

func (h *Handler) fetch(w http.ResponseWriter, r *http.Request) {
	t, ok := h.entityType(w, r)
	if !ok {
		return
	}
	e, err := h.m.Fetch(r.Context(), t, r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	if e == nil {
		writeError(w, http.StatusNotFound, "entity not found")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) push(w http.ResponseWriter, r *http.Request) {
	t, ok := h.entityType(w, r)
	if !ok {
		return
	}
	base, ok := ifMatch(w, r)
	if !ok {
		return
	}
	var body pushBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "body must be {\"payload\": ...}")
		return
	}
	e, err := h.m.Push(r.Context(), t, r.PathValue("id"), body.Payload, base)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	t, ok := h.entityType(w, r)
	if !ok {
		return
	}
	base, ok := ifMatch(w, r)
	if !ok {
		return
	}
	if err := h.m.Delete(r.Context(), t, r.PathValue("id"), base); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	t, ok := h.entityType(w, r)
	if !ok {
		return
	}
	entities, err := h.m.List(r.Context(), t)
	if err != nil {
		h.fail(w, err)
		return
	}
	if entities == nil {
		entities = []*models.RemoteEntity{}
	}
	writeJSON(w, http.StatusOK, entityList{Entities: entities})
}

func (h *Handler) entityType(w http.ResponseWriter, r *http.Request) (models.EntityType, bool) {
	t, err := models.ParseEntityType(r.PathValue("type"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return "", false
	}
	return t, true
}

func ifMatch(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.Header.Get("If-Match")
	if raw == "" {
		writeError(w, http.StatusPreconditionRequired, "If-Match header required")
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "If-Match must be a version number")
		return 0, false
	}
	return v, true
}

// fail maps authority errors onto HTTP statuses.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	var statusErr *StatusError
	switch {
	case errors.Is(err, queue.ErrUnsupportedAction):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, queue.ErrMalformedAction):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrVersionConflict):
		writeError(w, http.StatusPreconditionFailed, err.Error())
	case errors.As(err, &statusErr):
		writeError(w, statusErr.Code, statusErr.Body)
	case IsTransient(err):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		logging.Error("Remote handler failed", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
