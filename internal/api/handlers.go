package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/mwhitton/conveyor/internal/errors"
	"github.com/mwhitton/conveyor/internal/job"
	"github.com/mwhitton/conveyor/internal/logger"
	"github.com/mwhitton/conveyor/internal/service"
)

// handlers holds the dependencies of the HTTP handlers.
type handlers struct {
	svc *service.Service
	log logger.Logger
}

// createJobRequest is the body of POST /api/jobs. Timeout is milliseconds.
type createJobRequest struct {
	Command    string `json:"command"`
	Priority   string `json:"priority,omitempty"`
	Timeout    *int   `json:"timeout,omitempty"`
	MaxRetries *int   `json:"max_retries,omitempty"`
}

// errorEnvelope is the body of every non-2xx response on known routes.
type errorEnvelope struct {
	Status    int                    `json:"status"`
	Kind      string                 `json:"kind"`
	Message   string                 `json:"message"`
	Timestamp string                 `json:"timestamp"`
	ErrorID   string                 `json:"error_id"`
	RequestID string                 `json:"request_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Health reports liveness.
func (h *handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   Version,
	})
}

// CreateJob enqueues a new job.
func (h *handlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.InvalidArgument("body", "invalid JSON payload: %v", err))
		return
	}

	j, err := h.svc.Enqueue(service.EnqueueParams{
		Command:    req.Command,
		Priority:   job.Priority(req.Priority),
		TimeoutMs:  req.Timeout,
		MaxRetries: req.MaxRetries,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"job_id":  j.ID,
		"status":  "queued",
		"message": "Job accepted for processing",
	})
}

// GetJob returns the full record for one job.
func (h *handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	j, err := h.svc.Get(id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, j)
}

// ListJobs returns a filtered, paginated page of jobs.
func (h *handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	params := service.ListParams{}
	q := r.URL.Query()

	if v := q.Get("status"); v != "" {
		params.Status = &v
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, r, errors.InvalidArgument("limit", "limit must be an integer, got %q", v))
			return
		}
		params.Limit = &n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, r, errors.InvalidArgument("offset", "offset must be an integer, got %q", v))
			return
		}
		params.Offset = &n
	}

	result, err := h.svc.List(params)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":   result.Items,
		"total":  result.Total,
		"limit":  result.Limit,
		"offset": result.Offset,
	})
}

// CancelJob cancels a pending or running job; terminal jobs are unchanged.
func (h *handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	j, err := h.svc.Cancel(id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	message := "Job cancelled successfully"
	if j.Status != job.StatusCancelled {
		message = "Job already in a terminal state"
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":  j.ID,
		"status":  j.Status,
		"message": message,
	})
}

// JobStats returns an aggregate snapshot of the queue and workers.
func (h *handlers) JobStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.svc.Stats())
}

// NotFound answers unknown paths with the route-miss shape.
func (h *handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusNotFound, map[string]interface{}{
		"error":   "not_found",
		"message": "no such route",
		"path":    r.URL.Path,
		"method":  r.Method,
	})
}

// MethodNotAllowed answers known paths hit with the wrong verb.
func (h *handlers) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeErrorEnvelope(w, r, http.StatusMethodNotAllowed,
		"method not allowed", map[string]interface{}{
			"path":   r.URL.Path,
			"method": r.Method,
		})
}

// writeError maps a core error onto the envelope. Unclassified errors are
// logged with their error id and surfaced as opaque 500s.
func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var coreErr *errors.Error
	status := http.StatusInternalServerError
	message := "internal server error"
	var details map[string]interface{}

	if e, ok := err.(*errors.Error); ok {
		coreErr = e
		status = e.HTTPStatus()
		if status < http.StatusInternalServerError {
			message = e.Message
			details = e.Details
		}
	}

	errorID := writeErrorEnvelope(w, r, status, message, details)

	if status >= http.StatusInternalServerError {
		h.log.ErrorContext(r.Context(), "Request failed",
			"error", err, "error_id", errorID, "path", r.URL.Path)
	} else if coreErr != nil {
		h.log.DebugContext(r.Context(), "Request rejected",
			"kind", coreErr.Kind, "message", coreErr.Message)
	}
}

// writeErrorEnvelope emits the error envelope and returns the error id.
func writeErrorEnvelope(w http.ResponseWriter, r *http.Request, status int, message string, details map[string]interface{}) string {
	errorID := uuid.New().String()
	respondJSON(w, status, errorEnvelope{
		Status:    status,
		Kind:      "error",
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		ErrorID:   errorID,
		RequestID: chimw.GetReqID(r.Context()),
		Details:   details,
	})
	return errorID
}

// respondJSON writes v with the JSON content type.
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
