package payment

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/clipforge/clipforge-api/internal/domain/plan"
	"github.com/clipforge/clipforge-api/internal/domain/user"
	"github.com/clipforge/clipforge-api/internal/middleware"
	"github.com/clipforge/clipforge-api/internal/pkg/response"
	"github.com/clipforge/clipforge-api/internal/pkg/validator"
)

// Stripe signs payloads up to 64KB; anything larger is not a webhook.
const maxWebhookBody = 1 << 16

// Handler handles payment HTTP requests
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// CheckoutRequest is the one-time pack purchase payload
type CheckoutRequest struct {
	PackID string `json:"pack_id" validate:"required,min=1,max=64"`
}

// Checkout handles POST /billing/checkout
// @Summary Buy a credit pack
// @Tags Billing
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body CheckoutRequest true "Pack"
// @Success 201 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 502 {object} response.Response
// @Router /billing/checkout [post]
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req CheckoutRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	if details := validator.Validate(req); details != nil {
		response.ValidationError(w, details)
		return
	}

	intent, err := h.service.CreateOneTimeIntent(r.Context(), userID, req.PackID)
	if err != nil {
		h.writeIntentError(w, err, userID.String())
		return
	}
	response.Created(w, intent)
}

// SubscribeRequest is the plan subscription payload
type SubscribeRequest struct {
	PlanID string `json:"plan_id" validate:"required,min=1,max=64"`
}

// Subscribe handles POST /billing/subscribe
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req SubscribeRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	if details := validator.Validate(req); details != nil {
		response.ValidationError(w, details)
		return
	}

	intent, err := h.service.CreateSubscriptionIntent(r.Context(), userID, req.PlanID)
	if err != nil {
		h.writeIntentError(w, err, userID.String())
		return
	}
	response.Created(w, intent)
}

func (h *Handler) writeIntentError(w http.ResponseWriter, err error, userID string) {
	switch {
	case errors.Is(err, plan.ErrUnknownPlan):
		response.BadRequest(w, "unknown plan")
	case errors.Is(err, plan.ErrUnknownPack):
		response.BadRequest(w, "unknown pack")
	case errors.Is(err, user.ErrNotFound):
		response.NotFound(w, "user not found")
	case errors.Is(err, ErrGatewayUnavailable):
		response.Error(w, http.StatusBadGateway, "GATEWAY_UNAVAILABLE", "payment gateway unavailable")
	default:
		log.Error().Err(err).Str("user_id", userID).Msg("checkout intent failed")
		response.InternalError(w)
	}
}

// History handles GET /billing/history
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	limit, offset := parsePagination(r)

	payments, err := h.service.ListByUser(r.Context(), userID, limit, offset)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID.String()).Msg("list payments failed")
		response.InternalError(w)
		return
	}
	response.OK(w, payments)
}

// AdminSearch handles GET /admin/payments
func (h *Handler) AdminSearch(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	f := SearchFilter{
		Status: Status(r.URL.Query().Get("status")),
		Type:   Type(r.URL.Query().Get("type")),
		Limit:  limit,
		Offset: offset,
	}
	if v := r.URL.Query().Get("user_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			response.BadRequest(w, "invalid user_id")
			return
		}
		f.UserID = id
	}

	payments, err := h.service.Search(r.Context(), f)
	if err != nil {
		log.Error().Err(err).Msg("payment search failed")
		response.InternalError(w)
		return
	}
	response.OK(w, payments)
}

// ReplayRequest names a single gateway session to re-settle
type ReplayRequest struct {
	SessionRef string `json:"session_ref" validate:"required,min=1,max=255"`
}

// AdminReplay handles POST /admin/payments/replay. Pulls one session
// from the gateway and runs it through the normal completion path.
func (h *Handler) AdminReplay(w http.ResponseWriter, r *http.Request) {
	var req ReplayRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	if details := validator.Validate(req); details != nil {
		response.ValidationError(w, details)
		return
	}

	if err := h.service.ReplaySessionRef(r.Context(), req.SessionRef); err != nil {
		if errors.Is(err, ErrGatewayUnavailable) {
			response.Error(w, http.StatusBadGateway, "GATEWAY_UNAVAILABLE", "payment gateway unavailable")
			return
		}
		log.Error().Err(err).Str("session_ref", req.SessionRef).Msg("session replay failed")
		response.InternalError(w)
		return
	}
	response.OK(w, map[string]bool{"replayed": true})
}

// Webhook handles POST /webhooks/stripe. Unauthenticated; the signature
// header is the authentication. A non-2xx answer makes Stripe redeliver,
// so only genuine processing failures return 500.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		response.BadRequest(w, "unreadable body")
		return
	}

	err = h.service.HandleGatewayEvent(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, ErrInvalidEvent) {
			response.BadRequest(w, "invalid event")
			return
		}
		log.Error().Err(err).Msg("webhook processing failed")
		response.InternalError(w)
		return
	}
	response.OK(w, map[string]bool{"received": true})
}

// Register mounts the authenticated checkout and history routes.
func (h *Handler) Register(r chi.Router) {
	r.Post("/checkout", h.Checkout)
	r.Post("/subscribe", h.Subscribe)
	r.Get("/history", h.History)
}

// WebhookRoutes returns the unauthenticated gateway webhook routes.
func (h *Handler) WebhookRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/stripe", h.Webhook)
	return r
}

func parsePagination(r *http.Request) (limit, offset int) {
	limit = 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
