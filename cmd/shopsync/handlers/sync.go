package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/kimhsiao/shopsync/internal/models"
	"github.com/kimhsiao/shopsync/internal/services"
	syncpkg "github.com/kimhsiao/shopsync/internal/sync"
	"github.com/kimhsiao/shopsync/internal/sync/conflict"
	"github.com/kimhsiao/shopsync/internal/sync/scheduler"
)

// SyncHandler serves sync status, manual triggers, the queue and conflicts.
type SyncHandler struct {
	engine    syncpkg.SyncEngineInterface
	scheduler *scheduler.Scheduler
	resolver  *conflict.Resolver
	service   *services.ShopService
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(engine syncpkg.SyncEngineInterface, sched *scheduler.Scheduler, resolver *conflict.Resolver, service *services.ShopService) *SyncHandler {
	return &SyncHandler{
		engine:    engine,
		scheduler: sched,
		resolver:  resolver,
		service:   service,
	}
}

// GetStatus handles GET /api/sync/status
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.engine.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// GetScheduler handles GET /api/sync/scheduler
func (h *SyncHandler) GetScheduler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.scheduler.GetStatus())
}

// SyncNow handles POST /api/sync/now. A full=true query also pulls every
// entity type from the server.
func (h *SyncHandler) SyncNow(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("full") == "true" {
		h.engine.RequestFullPull()
	}
	result, err := h.scheduler.SyncNow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// SetOnline handles PUT /api/sync/online with {"online": bool}.
func (h *SyncHandler) SetOnline(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Online *bool `json:"online"`
	}
	if !decodeBody(w, r, &request) {
		return
	}
	if request.Online == nil {
		badRequest(w, "online is required")
		return
	}
	h.scheduler.SetOnlineStatus(*request.Online)
	writeJSON(w, http.StatusOK, h.scheduler.GetStatus())
}

// ListQueue handles GET /api/sync/queue
func (h *SyncHandler) ListQueue(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.QueueItems(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(items))
}

// ListConflicts handles GET /api/sync/conflicts. Only pending conflicts are
// listed unless all=true.
func (h *SyncHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	list := h.resolver.ListPending
	if r.URL.Query().Get("all") == "true" {
		list = h.resolver.List
	}
	conflicts, err := list(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(conflicts))
}

// ResolveConflict handles POST /api/sync/conflicts/{id}/resolve with
// {"choice": "local"|"server"|"manual", "value": ...}. An omitted value
// keeps the chosen side; null deletes the entity.
func (h *SyncHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Choice models.Resolution `json:"choice"`
		Value  json.RawMessage   `json:"value"`
	}
	if !decodeBody(w, r, &request) {
		return
	}
	if request.Choice == "" || request.Choice == models.ResolutionPending {
		badRequest(w, "choice must be local, server or manual")
		return
	}

	resolved, err := h.resolver.Resolve(r.Context(), r.PathValue("id"), request.Choice, request.Value)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}
