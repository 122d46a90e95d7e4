package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ppd-epc-link/internal/audit"
	"github.com/ppd-epc-link/internal/rules"
	"github.com/ppd-epc-link/internal/store"
)

// RunReader reads the link run audit
type RunReader interface {
	ListRuns(ctx context.Context, limit int) ([]audit.Run, error)
	GetRun(ctx context.Context, runID uuid.UUID) (*audit.Run, error)
	RuleStats(ctx context.Context, runID uuid.UUID) ([]audit.RuleStat, error)
}

// CountReader reports table sizes
type CountReader interface {
	Counts(ctx context.Context) (*store.Counts, error)
}

// APIHandler handles the status API
type APIHandler struct {
	Runs   RunReader
	Counts CountReader
	Table  *rules.Table
	Logger *zap.Logger
}

// RunResponse is a run with its per-rule statistics
type RunResponse struct {
	audit.Run
	Stats []audit.RuleStat `json:"stats"`
}

// StageResponse describes one stage of the loaded rule table
type StageResponse struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Eligibility []string       `json:"eligibility,omitempty"`
	Pending     bool           `json:"pending,omitempty"`
	Rules       []RuleResponse `json:"rules"`
}

// RuleResponse describes one rule
type RuleResponse struct {
	Priority           int      `json:"priority"`
	TransactionVariant string   `json:"transaction"`
	CertificateVariant string   `json:"certificate"`
	TransactionFilters []string `json:"transaction_filters,omitempty"`
	CertificateFilters []string `json:"certificate_filters,omitempty"`
}

// Health reports that the server is up
func (h *APIHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetStats returns the row count of the source and link tables
func (h *APIHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.Counts.Counts(r.Context())
	if err != nil {
		h.Logger.Error("failed to count rows", zap.Error(err))
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// GetRules returns the loaded rule table
func (h *APIHandler) GetRules(w http.ResponseWriter, r *http.Request) {
	stages := make([]StageResponse, 0, len(h.Table.Stages))
	for _, stage := range h.Table.Stages {
		resp := StageResponse{
			Name:        stage.Name,
			Description: stage.Description,
			Eligibility: predicateStrings(stage.Eligibility),
			Pending:     stage.Pending,
			Rules:       make([]RuleResponse, 0, len(stage.Rules)),
		}
		for _, rule := range stage.Rules {
			resp.Rules = append(resp.Rules, RuleResponse{
				Priority:           rule.Priority,
				TransactionVariant: rule.TransactionVariant,
				CertificateVariant: rule.CertificateVariant,
				TransactionFilters: predicateStrings(rule.Transaction),
				CertificateFilters: predicateStrings(rule.Certificate),
			})
		}
		stages = append(stages, resp)
	}
	writeJSON(w, http.StatusOK, stages)
}

// ListRuns returns recent link runs, newest first
func (h *APIHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := h.Runs.ListRuns(r.Context(), limit)
	if err != nil {
		h.Logger.Error("failed to list runs", zap.Error(err))
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []audit.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// GetRun returns one run and its per-rule statistics
func (h *APIHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid run id", http.StatusBadRequest)
		return
	}

	run, err := h.Runs.GetRun(r.Context(), id)
	if errors.Is(err, audit.ErrRunNotFound) {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.Logger.Error("failed to get run", zap.String("run_id", id.String()), zap.Error(err))
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}

	stats, err := h.Runs.RuleStats(r.Context(), id)
	if err != nil {
		h.Logger.Error("failed to read rule stats", zap.String("run_id", id.String()), zap.Error(err))
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	if stats == nil {
		stats = []audit.RuleStat{}
	}
	writeJSON(w, http.StatusOK, RunResponse{Run: *run, Stats: stats})
}

func predicateStrings(preds []rules.Predicate) []string {
	if len(preds) == 0 {
		return nil
	}
	out := make([]string, len(preds))
	for i, p := range preds {
		out[i] = p.String()
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
