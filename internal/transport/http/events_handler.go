// Package http exposes the queue operations over a small JSON REST surface:
// event submission, listing, bulk delete/reset, and the cached-job snapshot.
package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/phtran-dev/saola-eventq/internal/queue"
	"github.com/phtran-dev/saola-eventq/internal/storage"
)

// Handler serves the event-queue REST endpoints.
type Handler struct {
	service *queue.Service
	log     *zap.Logger
}

// NewHandler creates the REST handler over the queue service.
func NewHandler(service *queue.Service, log *zap.Logger) *Handler {
	return &Handler{service: service, log: log}
}

// Routes registers every endpoint on a fresh mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/events", h.submit)
	mux.HandleFunc("GET /api/events", h.list)
	mux.HandleFunc("GET /api/events/{id}", h.get)
	mux.HandleFunc("POST /api/events/delete", h.deleteEvents)
	mux.HandleFunc("POST /api/events/reset", h.resetEvents)
	mux.HandleFunc("GET /api/jobs/cached", h.cachedJobs)
	return mux
}

// Event is one queued event in a JSON response.
type Event struct {
	ID           int64  `json:"id"`
	Status       string `json:"status"`
	OwnerID      string `json:"owner_id,omitempty"`
	IUID         string `json:"iuid,omitempty"`
	ResourceID   string `json:"resource_id"`
	ResourceType string `json:"resource_type"`
	AppID        string `json:"app_id"`
	AppType      string `json:"app_type"`
	Delay        int    `json:"delay"`
	Retry        int    `json:"retry"`
	FailedReason string `json:"failed_reason,omitempty"`

	NextScheduledAt string  `json:"next_scheduled_at"`
	ExpiresAt       *string `json:"expires_at,omitempty"`
	CreatedAt       string  `json:"created_at"`
	LastUpdatedAt   string  `json:"last_updated_at"`
}

func toEvent(e storage.Event) Event {
	out := Event{
		ID:              e.ID,
		Status:          e.Status,
		OwnerID:         e.OwnerID,
		IUID:            e.IUID,
		ResourceID:      e.ResourceID,
		ResourceType:    e.ResourceType,
		AppID:           e.AppID,
		AppType:         e.AppType,
		Delay:           e.DelaySeconds,
		Retry:           e.Retry,
		FailedReason:    e.FailedReason,
		NextScheduledAt: e.NextScheduledAt.Format(time.RFC3339),
		CreatedAt:       e.CreatedAt.Format(time.RFC3339),
		LastUpdatedAt:   e.LastUpdatedAt.Format(time.RFC3339),
	}
	if !e.ExpiresAt.IsZero() {
		expires := e.ExpiresAt.Format(time.RFC3339)
		out.ExpiresAt = &expires
	}
	return out
}

type submitRequest struct {
	IUID         string `json:"iuid"`
	ResourceID   string `json:"resource_id"`
	ResourceType string `json:"resource_type"`
	AppID        string `json:"app_id"`

	PatientBirthDate string `json:"patient_birth_date"`
	PatientID        string `json:"patient_id"`
	PatientName      string `json:"patient_name"`
	PatientSex       string `json:"patient_sex"`
	AccessionNumber  string `json:"accession_number"`

	Delay *int `json:"delay"`
}

type submitResponse struct {
	ID       int64 `json:"id"`
	Executed bool  `json:"executed"`
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.ResourceID == "" || req.AppID == "" {
		http.Error(w, "resource_id and app_id are required", http.StatusBadRequest)
		return
	}

	id, executed, err := h.service.ExecuteOrEnqueue(r.Context(), queue.SubmitRequest{
		IUID:             req.IUID,
		ResourceID:       req.ResourceID,
		ResourceType:     req.ResourceType,
		AppID:            req.AppID,
		PatientBirthDate: req.PatientBirthDate,
		PatientID:        req.PatientID,
		PatientName:      req.PatientName,
		PatientSex:       req.PatientSex,
		AccessionNumber:  req.AccessionNumber,
		Delay:            req.Delay,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, submitResponse{ID: id, Executed: executed})
}

// ListEventsResponse is the paginated listing payload.
type ListEventsResponse struct {
	Events []Event `json:"events"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	page := storage.Pagination{Limit: 100}

	query := r.URL.Query()
	if limitStr := query.Get("limit"); limitStr != "" {
		if limit, err := strconv.ParseInt(limitStr, 10, 64); err == nil && limit > 0 {
			page.Limit = limit
		}
	}
	if offsetStr := query.Get("offset"); offsetStr != "" {
		if offset, err := strconv.ParseInt(offsetStr, 10, 64); err == nil && offset > 0 {
			page.Offset = offset
		}
	}
	page.SortBy = query.Get("sort")

	events, err := h.service.List(r.Context(), page)
	if err != nil {
		h.log.Error("list events failed", zap.Error(err))
		http.Error(w, "failed to list events", http.StatusInternalServerError)
		return
	}

	out := make([]Event, 0, len(events))
	for _, e := range events {
		out = append(out, toEvent(e))
	}
	writeJSON(w, http.StatusOK, ListEventsResponse{Events: out})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid event id", http.StatusBadRequest)
		return
	}

	event, err := h.service.Get(r.Context(), id)
	if storage.IsNotFound(err) {
		http.Error(w, "event not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("get event failed", zap.Int64("event_id", id), zap.Error(err))
		http.Error(w, "failed to load event", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toEvent(*event))
}

type idsRequest struct {
	// IDs empty means every event: the wildcard is deliberate and mirrors
	// the bulk maintenance semantics of the storage layer.
	IDs []int64 `json:"ids"`
}

func (h *Handler) deleteEvents(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.service.Delete(r.Context(), req.IDs); err != nil {
		h.log.Error("delete events failed", zap.Error(err))
		http.Error(w, "failed to delete events", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) resetEvents(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.service.Reset(r.Context(), req.IDs); err != nil {
		h.log.Error("reset events failed", zap.Error(err))
		http.Error(w, "failed to reset events", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CachedJob is one admission-cache entry in a JSON response.
type CachedJob struct {
	ID      string                 `json:"id"`
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

func (h *Handler) cachedJobs(w http.ResponseWriter, r *http.Request) {
	jobs := h.service.CachedJobs()
	out := make([]CachedJob, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, CachedJob{ID: j.ID, Type: j.Type, Payload: j.Payload})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
