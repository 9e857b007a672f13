package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/jc1122/portfolio-management-sub002/internal/runner"
	"github.com/jc1122/portfolio-management-sub002/internal/scenario"
	"github.com/jc1122/portfolio-management-sub002/pkg/logger"
)

const maxScenarioBytes = 1 << 20

// BacktestHandler handles backtest API endpoints
type BacktestHandler struct {
	manager *runner.Manager
	logger  *logger.Logger
}

// NewBacktestHandler creates a new backtest handler
func NewBacktestHandler(manager *runner.Manager, log *logger.Logger) *BacktestHandler {
	return &BacktestHandler{
		manager: manager,
		logger:  log,
	}
}

// Submit accepts a YAML scenario and starts a backtest run.
// POST /api/backtests
func (h *BacktestHandler) Submit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxScenarioBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	s, err := scenario.Parse(body)
	if err != nil {
		h.logger.WithError(err).Warn("Rejected scenario")
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := h.manager.Submit(s)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	hash, _ := scenario.Hash(s)
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"success": true,
		"data": map[string]interface{}{
			"id":       id,
			"scenario": s.Name,
			"hash":     hash,
		},
	})
}

// List returns all known runs.
// GET /api/backtests
func (h *BacktestHandler) List(w http.ResponseWriter, r *http.Request) {
	infos := h.manager.List()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data": map[string]interface{}{
			"count": len(infos),
			"items": infos,
		},
	})
}

// Get returns the state of one run.
// GET /api/backtests/{id}
func (h *BacktestHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}

	info, found := h.manager.Get(id)
	if !found {
		respondError(w, http.StatusNotFound, "Run not found")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    info,
	})
}

// GetEquity returns the equity curve of a completed run.
// GET /api/backtests/{id}/equity
func (h *BacktestHandler) GetEquity(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}

	result, found := h.manager.Result(id)
	if !found {
		respondError(w, http.StatusNotFound, "Run not finished or not found")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data": map[string]interface{}{
			"count": len(result.EquityCurve),
			"items": result.EquityCurve,
		},
	})
}

// GetEvents returns the rebalance events of a completed run.
// GET /api/backtests/{id}/events
func (h *BacktestHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}

	result, found := h.manager.Result(id)
	if !found {
		respondError(w, http.StatusNotFound, "Run not finished or not found")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data": map[string]interface{}{
			"count": len(result.Events),
			"items": result.Events,
		},
	})
}

// GetMetrics returns the performance metrics of a completed run.
// GET /api/backtests/{id}/metrics
func (h *BacktestHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}

	result, found := h.manager.Result(id)
	if !found {
		respondError(w, http.StatusNotFound, "Run not finished or not found")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    result.Metrics,
	})
}

func runID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid run id")
		return 0, false
	}
	return id, true
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}
