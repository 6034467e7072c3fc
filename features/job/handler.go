package job

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"annopipe/internal/middleware"
)

const maxPayloadBytes = 1 << 20 // 1MB

type Handler struct {
	service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		h.writeError(ctx, w, "INVALID_BODY", "unable to read request body", http.StatusBadRequest)
		return
	}

	j, err := h.service.Submit(ctx, payload)
	if err != nil {
		slog.ErrorContext(ctx, "failed to submit job", "error", err, "correlationId", correlationID)
		h.writeServiceError(ctx, w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": j}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		h.writeError(ctx, w, "INVALID_ID", "job id must be an integer", http.StatusBadRequest)
		return
	}

	j, err := h.service.Get(ctx, jobID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to get job", "job_id", jobID, "error", err)
		h.writeServiceError(ctx, w, err)
		return
	}

	done, err := j.IsDone(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to check job doneness", "job_id", jobID, "error", err)
		h.writeServiceError(ctx, w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": j,
		"meta": map[string]bool{"done": done},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	jobID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		h.writeError(ctx, w, "INVALID_ID", "job id must be an integer", http.StatusBadRequest)
		return
	}

	slog.InfoContext(ctx, "retrying job", "job_id", jobID, "correlationId", correlationID)

	if err := h.service.Retry(ctx, jobID); err != nil {
		slog.ErrorContext(ctx, "failed to retry job", "job_id", jobID, "error", err, "correlationId", correlationID)
		h.writeServiceError(ctx, w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": "job retried"}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sourceID := r.URL.Query().Get("source_id")
	sourceSet := r.URL.Query().Get("source_set")

	ids, err := h.service.Search(ctx, sourceID, sourceSet)
	if err != nil {
		slog.ErrorContext(ctx, "failed to search jobs", "source_id", sourceID, "error", err)
		h.writeServiceError(ctx, w, err)
		return
	}
	h.writeIDs(ctx, w, ids)
}

func (h *Handler) Unfinished(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ids, err := h.service.Unfinished(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list unfinished jobs", "error", err)
		h.writeServiceError(ctx, w, err)
		return
	}
	h.writeIDs(ctx, w, ids)
}

func (h *Handler) writeIDs(ctx context.Context, w http.ResponseWriter, ids []int64) {
	if ids == nil {
		ids = []int64{}
	}
	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": ids,
		"meta": map[string]int{"count": len(ids)},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidJob):
		h.writeError(ctx, w, "INVALID_JOB", err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrAlreadyRegistered):
		h.writeError(ctx, w, "ALREADY_REGISTERED", err.Error(), http.StatusConflict)
	case errors.Is(err, ErrInvalidTransition):
		h.writeError(ctx, w, "INVALID_TRANSITION", err.Error(), http.StatusConflict)
	case errors.Is(err, ErrJobNotFound), errors.Is(err, ErrTaskNotFound):
		h.writeError(ctx, w, "NOT_FOUND", err.Error(), http.StatusNotFound)
	default:
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
