package reconcile

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/clipforge/clipforge-api/internal/pkg/response"
	"github.com/clipforge/clipforge-api/internal/pkg/validator"
)

// Handler handles admin reconciliation requests
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RunRequest is the manual reconciliation payload
type RunRequest struct {
	WindowDays int  `json:"window_days" validate:"omitempty,min=1,max=90"`
	DryRun     bool `json:"dry_run"`
}

// Run handles POST /admin/reconcile
// @Summary Reconcile against the payment gateway
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body RunRequest true "Run options"
// @Success 200 {object} response.Response
// @Router /admin/reconcile [post]
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	if details := validator.Validate(req); details != nil {
		response.ValidationError(w, details)
		return
	}

	report, err := h.service.Run(r.Context(), req.WindowDays, req.DryRun)
	if err != nil {
		log.Error().Err(err).Msg("reconciliation run failed")
		response.InternalError(w)
		return
	}
	response.OK(w, report)
}

// Register mounts the admin reconciliation route.
func (h *Handler) Register(r chi.Router) {
	r.Post("/reconcile", h.Run)
}
