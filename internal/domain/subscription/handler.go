package subscription

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/clipforge/clipforge-api/internal/domain/plan"
	"github.com/clipforge/clipforge-api/internal/middleware"
	"github.com/clipforge/clipforge-api/internal/pkg/response"
	"github.com/clipforge/clipforge-api/internal/pkg/validator"
)

// Handler handles subscription HTTP requests
type Handler struct {
	service *Service
	catalog *plan.Catalog
}

func NewHandler(service *Service, catalog *plan.Catalog) *Handler {
	return &Handler{service: service, catalog: catalog}
}

// Get handles GET /billing/subscription
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	sub, err := h.service.Get(r.Context(), userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID.String()).Msg("get subscription failed")
		response.InternalError(w)
		return
	}
	// No subscription is a normal state, not an error.
	response.OK(w, sub)
}

// Cancel handles POST /billing/subscription/cancel
// @Summary Cancel subscription at period end
// @Tags Billing
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /billing/subscription/cancel [post]
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	if err := h.service.Cancel(r.Context(), userID); err != nil {
		if errors.Is(err, ErrNotFound) {
			response.NotFound(w, "no subscription")
			return
		}
		log.Error().Err(err).Str("user_id", userID.String()).Msg("cancel subscription failed")
		response.InternalError(w)
		return
	}

	response.OK(w, map[string]bool{"cancel_at_period_end": true})
}

// UpgradeRequest is the plan-change payload
type UpgradeRequest struct {
	PlanID string `json:"plan_id" validate:"required,min=1,max=64"`
}

// Upgrade handles POST /billing/subscription/upgrade
// @Summary Move the subscription to a different plan
// @Tags Billing
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body UpgradeRequest true "Target plan"
// @Success 202 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /billing/subscription/upgrade [post]
func (h *Handler) Upgrade(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req UpgradeRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	if details := validator.Validate(req); details != nil {
		response.ValidationError(w, details)
		return
	}

	err := h.service.Upgrade(r.Context(), userID, req.PlanID)
	if err != nil {
		switch {
		case errors.Is(err, plan.ErrUnknownPlan):
			response.BadRequest(w, "unknown plan")
		case errors.Is(err, ErrNotFound):
			response.NotFound(w, "no subscription")
		default:
			log.Error().Err(err).Str("user_id", userID.String()).Str("plan_id", req.PlanID).Msg("upgrade failed")
			response.InternalError(w)
		}
		return
	}

	// The gateway confirms the change asynchronously through a webhook.
	response.JSON(w, http.StatusAccepted, map[string]string{"plan_id": req.PlanID, "status": "pending"})
}

// ListPlans handles GET /billing/plans
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	response.OK(w, map[string]interface{}{
		"plans": h.catalog.Plans(),
		"packs": h.catalog.Packs(),
	})
}

// RegisterPublic mounts routes that need no auth.
func (h *Handler) RegisterPublic(r chi.Router) {
	r.Get("/plans", h.ListPlans)
}

// Register mounts the authenticated subscription routes.
func (h *Handler) Register(r chi.Router) {
	r.Get("/subscription", h.Get)
	r.Post("/subscription/cancel", h.Cancel)
	r.Post("/subscription/upgrade", h.Upgrade)
}
