package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/provident/provident-backend/internal/validation/service"
	"github.com/provident/provident-backend/pkg/httputil"
	"github.com/provident/provident-backend/pkg/logger"
)

// ValidationHandler handles validation endpoints
type ValidationHandler struct {
	service *service.ValidationService
	logger  *logger.Logger
}

// NewValidationHandler creates a new validation handler
func NewValidationHandler(svc *service.ValidationService, log *logger.Logger) *ValidationHandler {
	return &ValidationHandler{
		service: svc,
		logger:  log,
	}
}

// StartRunRequest is the body for starting a validation run. An optional
// fields list scopes the run to just those fields.
type StartRunRequest struct {
	ProviderID string   `json:"provider_id" validate:"required,uuid4"`
	Force      bool     `json:"force"`
	Fields     []string `json:"fields" validate:"omitempty,max=20,dive,required"`
}

// BatchRunRequest is the body for starting runs for several providers
type BatchRunRequest struct {
	ProviderIDs []string `json:"provider_ids" validate:"required,min=1,max=100,dive,uuid4"`
	Force       bool     `json:"force"`
	Fields      []string `json:"fields" validate:"omitempty,max=20,dive,required"`
}

// StartRun starts a validation run for a provider
func (h *ValidationHandler) StartRun(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	run, err := h.service.StartValidation(r.Context(), req.ProviderID, req.Force, req.Fields...)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Accepted(w, run)
}

// StartBatch starts validation runs for up to 100 providers
func (h *ValidationHandler) StartBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRunRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	runs := h.service.ValidateBatch(r.Context(), req.ProviderIDs, req.Force, req.Fields...)
	httputil.Accepted(w, runs)
}

// GetRun returns a validation run by ID
func (h *ValidationHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := h.service.GetRun(id)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, run)
}

// ListRuns lists known runs, optionally filtered by provider
func (h *ValidationHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	providerID := r.URL.Query().Get("provider_id")
	runs := h.service.ListRuns(providerID)
	httputil.JSON(w, http.StatusOK, runs)
}

// GetLatestReport returns the newest enriched report for a provider
func (h *ValidationHandler) GetLatestReport(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "id")

	enriched, err := h.service.GetLatestReport(r.Context(), providerID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, enriched)
}

// ListReports returns a provider's report history
func (h *ValidationHandler) ListReports(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "id")

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 100 {
		limit = 20
	}

	reports, err := h.service.ListReports(r.Context(), providerID, limit)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, reports)
}
