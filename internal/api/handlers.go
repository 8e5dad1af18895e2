package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/leapstack-labs/fieldflow/internal/engine"
	"github.com/leapstack-labs/fieldflow/internal/planner"
	"github.com/leapstack-labs/fieldflow/pkg/core"
)

type handlers struct {
	engine *engine.Engine
	logger *slog.Logger
}

type errorResponse struct {
	Error string `json:"error"`
}

// ExplainResponse is the body of POST /explain. Impact is null when the
// change touches no computed field.
type ExplainResponse struct {
	Impact *core.ComputedImpact `json:"impact"`
}

// OrderRequest is the body of POST /tables/{tableID}/views/{viewID}/orders.
type OrderRequest struct {
	AnchorID string             `json:"anchorId"`
	Position core.OrderPosition `json:"position"`
	Count    int                `json:"count"`
}

// OrderResponse carries the allocated keys in placement order.
type OrderResponse struct {
	Keys []float64 `json:"keys"`
}

// CreateRecordsRequest is the body of POST /tables/{tableID}/records. With a
// placement the records are ordered next to the anchor in that view.
type CreateRecordsRequest struct {
	Records   []map[string]any       `json:"records"`
	Placement *engine.OrderPlacement `json:"placement,omitempty"`
}

// CreateRecordsResponse carries the created records and the outbox tasks
// holding their deferred recomputation.
type CreateRecordsResponse struct {
	Records []*core.Record `json:"records"`
	TaskIDs []string       `json:"taskIds"`
}

// RequeueResponse names the task a dead letter was put back as.
type RequeueResponse struct {
	TaskID string `json:"taskId"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Store().DB().PingContext(r.Context()); err != nil {
		h.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) explain(w http.ResponseWriter, r *http.Request) {
	var change planner.Change
	if err := json.NewDecoder(r.Body).Decode(&change); err != nil {
		h.writeError(w, fmt.Errorf("%w: %v", core.ErrInvalidInput, err))
		return
	}
	if change.TableID == "" {
		h.writeError(w, fmt.Errorf("%w: tableId is required", core.ErrInvalidInput))
		return
	}
	impact, err := h.engine.Explain(r.Context(), change)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ExplainResponse{Impact: impact})
}

func (h *handlers) runProgress(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.RunProgress(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

func (h *handlers) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		h.writeError(w, err)
		return
	}
	offset, err := intParam(r, "offset")
	if err != nil {
		h.writeError(w, err)
		return
	}
	entries, err := h.engine.ListDeadLetters(r.Context(), limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []core.DeadLetterEntry{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"deadLetters": entries})
}

func (h *handlers) getDeadLetter(w http.ResponseWriter, r *http.Request) {
	entry, err := h.engine.GetDeadLetter(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

func (h *handlers) requeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	taskID, err := h.engine.RequeueDeadLetter(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, RequeueResponse{TaskID: taskID})
}

func (h *handlers) allocateOrders(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, fmt.Errorf("%w: %v", core.ErrInvalidInput, err))
		return
	}
	keys, err := h.engine.AllocateOrders(r.Context(),
		chi.URLParam(r, "tableID"), chi.URLParam(r, "viewID"), req.AnchorID, req.Position, req.Count)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, OrderResponse{Keys: keys})
}

func (h *handlers) createRecords(w http.ResponseWriter, r *http.Request) {
	var req CreateRecordsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, fmt.Errorf("%w: %v", core.ErrInvalidInput, err))
		return
	}
	recs, res, err := h.engine.CreateRecords(r.Context(), chi.URLParam(r, "tableID"), req.Records, req.Placement)
	if err != nil {
		h.writeError(w, err)
		return
	}
	taskIDs := res.TaskIDs
	if taskIDs == nil {
		taskIDs = []string{}
	}
	h.writeJSON(w, http.StatusCreated, CreateRecordsResponse{Records: recs, TaskIDs: taskIDs})
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", core.ErrInvalidInput, name)
	}
	return n, nil
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrInvalidInput), errors.Is(err, core.ErrInvalidViewID):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *handlers) writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
	}
	h.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to write response", "error", err)
	}
}
