package credit

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/clipforge/clipforge-api/internal/middleware"
	"github.com/clipforge/clipforge-api/internal/pkg/response"
	"github.com/clipforge/clipforge-api/internal/pkg/validator"
)

// Handler handles balance and ledger HTTP requests
type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// GetBalance handles GET /billing/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			response.NotFound(w, "user not found")
			return
		}
		log.Error().Err(err).Str("user_id", userID.String()).Msg("get balance failed")
		response.InternalError(w)
		return
	}

	response.OK(w, map[string]int{"balance": balance})
}

// ListLedger handles GET /billing/ledger
func (h *Handler) ListLedger(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	limit, offset := parsePagination(r)

	entries, err := h.service.ListEntries(r.Context(), userID, limit, offset)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID.String()).Msg("list ledger failed")
		response.InternalError(w)
		return
	}

	response.OK(w, entries)
}

// AdjustRequest is the admin credit adjustment payload
type AdjustRequest struct {
	UserID      string `json:"user_id" validate:"required,uuid"`
	Delta       int    `json:"delta" validate:"required"`
	Description string `json:"description" validate:"required,min=3,max=500"`
}

// Adjust handles POST /admin/credits/adjust
// @Summary Admin credit adjustment
// @Description Applies a signed credit delta to a user through the ledger
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body AdjustRequest true "Adjustment"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 402 {object} response.Response
// @Router /admin/credits/adjust [post]
func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	adminID := middleware.GetUserID(r.Context())

	var req AdjustRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	if details := validator.Validate(req); details != nil {
		response.ValidationError(w, details)
		return
	}

	targetID, err := uuid.Parse(req.UserID)
	if err != nil {
		response.BadRequest(w, "invalid user_id")
		return
	}

	newBalance, err := h.service.ApplyDelta(r.Context(), targetID, req.Delta, ReasonAdminAdjustment, Source{
		Type:     "admin",
		Ref:      uuid.New().String(),
		Provider: "internal",
	}, map[string]string{
		"admin_id":    adminID.String(),
		"description": req.Description,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrUserNotFound):
			response.NotFound(w, "user not found")
		case errors.Is(err, ErrInsufficientCredits):
			response.Error(w, http.StatusPaymentRequired, "INSUFFICIENT_CREDITS", "adjustment would exceed grace floor")
		case errors.Is(err, ErrInvalidDelta):
			response.BadRequest(w, "delta must be non-zero")
		default:
			log.Error().Err(err).Str("user_id", req.UserID).Msg("admin adjustment failed")
			response.InternalError(w)
		}
		return
	}

	log.Info().
		Str("admin_id", adminID.String()).
		Str("user_id", req.UserID).
		Int("delta", req.Delta).
		Int("balance", newBalance).
		Msg("admin credit adjustment applied")

	response.OK(w, map[string]int{"balance": newBalance})
}

// AuditResult reports a ledger consistency check for one user
type AuditResult struct {
	UserID     uuid.UUID `json:"user_id"`
	Balance    int       `json:"balance"`
	LedgerSum  int       `json:"ledger_sum"`
	Consistent bool      `json:"consistent"`
}

// Audit handles GET /admin/credits/{userID}/audit
// @Summary Ledger consistency check
// @Description Recomputes a user's balance from the ledger and compares it to the cached column
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Param userID path string true "User ID"
// @Success 200 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /admin/credits/{userID}/audit [get]
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	targetID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		response.BadRequest(w, "invalid user id")
		return
	}

	balance, sum, ok, err := h.service.Audit(r.Context(), targetID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			response.NotFound(w, "user not found")
			return
		}
		log.Error().Err(err).Str("user_id", targetID.String()).Msg("ledger audit failed")
		response.InternalError(w)
		return
	}

	if !ok {
		log.Error().
			Str("user_id", targetID.String()).
			Int("balance", balance).
			Int("ledger_sum", sum).
			Msg("balance diverged from ledger sum")
	}
	response.OK(w, AuditResult{UserID: targetID, Balance: balance, LedgerSum: sum, Consistent: ok})
}

// Register mounts the user-facing balance/ledger routes. The caller
// applies auth.
func (h *Handler) Register(r chi.Router) {
	r.Get("/balance", h.GetBalance)
	r.Get("/ledger", h.ListLedger)
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
