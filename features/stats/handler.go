package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"annopipe/internal/middleware"
)

type Counter interface {
	JobCount(ctx context.Context) (int, error)
	TaskCount(ctx context.Context) (int, error)
	UnfinishedJobCount(ctx context.Context) (int, error)
}

type Handler struct {
	counter Counter
}

func NewHandler(c Counter) *Handler {
	return &Handler{counter: c}
}

type StatsResponse struct {
	Jobs       int `json:"jobs"`
	Tasks      int `json:"tasks"`
	Unfinished int `json:"unfinished"`
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	slog.InfoContext(ctx, "getting stats", "correlationId", correlationID)

	jobs, err := h.counter.JobCount(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count jobs", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count jobs", http.StatusInternalServerError)
		return
	}

	tasks, err := h.counter.TaskCount(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count tasks", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count tasks", http.StatusInternalServerError)
		return
	}

	unfinished, err := h.counter.UnfinishedJobCount(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count unfinished jobs", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count unfinished jobs", http.StatusInternalServerError)
		return
	}

	resp := StatsResponse{
		Jobs:       jobs,
		Tasks:      tasks,
		Unfinished: unfinished,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": resp}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
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
