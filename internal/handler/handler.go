package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"referral-rewards-api/internal/database"
	"referral-rewards-api/internal/middleware"
	"referral-rewards-api/internal/models"
	"referral-rewards-api/internal/service"
	"referral-rewards-api/internal/validation"
)

// Handler provides HTTP handlers for the API.
type Handler struct {
	service     *service.Service
	maxBodySize int64
	logger      *slog.Logger
}

// NewHandlerOptions holds options for creating a handler.
type NewHandlerOptions struct {
	MaxBodySize int64
	Logger      *slog.Logger
}

// DefaultHandlerOptions returns default handler options.
func DefaultHandlerOptions() NewHandlerOptions {
	return NewHandlerOptions{
		MaxBodySize: 1 << 20,
	}
}

// NewHandler creates a new handler instance.
func NewHandler(svc *service.Service) *Handler {
	return NewHandlerWithOptions(svc, DefaultHandlerOptions())
}

// NewHandlerWithOptions creates a new handler instance with custom options.
func NewHandlerWithOptions(svc *service.Service, opts NewHandlerOptions) *Handler {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultHandlerOptions().MaxBodySize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		service:     svc,
		maxBodySize: opts.MaxBodySize,
		logger:      opts.Logger,
	}
}

// Routes mounts every API route on r. Credentials must already be in the
// request context, see middleware.Credentials.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.Health)

	r.Route("/rules", func(r chi.Router) {
		r.Get("/", h.ListRules)
		r.Get("/{id}", h.GetRule)
		r.Get("/{id}/versions", h.RuleVersions)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdmin)
			r.Post("/", h.CreateRule)
			r.Put("/{id}", h.ReplaceRule)
			r.Delete("/{id}", h.ArchiveRule)
			r.Get("/{id}/overlaps", h.RuleOverlaps)
			r.Get("/{id}/usage", h.RuleUsage)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAdmin)
		r.Post("/referrals", h.CreateReferral)
		r.Post("/referrals/expire", h.ExpireReferrals)
		r.Post("/events", h.ProcessEvent)
		r.Get("/analytics", h.Analytics)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/transactions/{id}/decision", h.DecideTransaction)
			r.Get("/audit", h.Audit)
			r.Get("/wallets/{userId}/reconcile", h.Reconcile)
			r.Get("/features", h.Features)
		})
	})

	r.Route("/wallet", func(r chi.Router) {
		r.Use(middleware.RequireUser)
		r.Post("/actions", h.WalletAction)
		r.Get("/balance", h.Balance)
		r.Get("/transactions", h.Transactions)
	})
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Health(r.Context()); err != nil {
		h.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CreateRule handles POST /rules
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req models.RewardRule
	if !h.decode(w, r, &req) {
		return
	}
	req.Name = validation.SanitizeString(req.Name)
	req.Description = validation.SanitizeString(req.Description)
	req.ServiceSlug = validation.SanitizeString(req.ServiceSlug)

	rule, err := h.service.CreateRule(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, rule)
}

// ListRules handles GET /rules
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := database.RuleFilter{
		ActionType: models.ActionType(validation.SanitizeString(q.Get("actionType"))),
	}
	if v := q.Get("includeArchived"); v != "" {
		include, err := strconv.ParseBool(v)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "includeArchived must be a boolean", "VALIDATION_ERROR")
			return
		}
		filter.IncludeArchived = include
	}

	rules, err := h.service.ListRules(r.Context(), filter)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	if rules == nil {
		rules = []models.RewardRule{}
	}
	h.respondJSON(w, http.StatusOK, rules)
}

// GetRule handles GET /rules/{id}
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.service.GetRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, rule)
}

// ReplaceRule handles PUT /rules/{id}
func (h *Handler) ReplaceRule(w http.ResponseWriter, r *http.Request) {
	var req models.RewardRule
	if !h.decode(w, r, &req) {
		return
	}
	req.Name = validation.SanitizeString(req.Name)
	req.Description = validation.SanitizeString(req.Description)
	req.ServiceSlug = validation.SanitizeString(req.ServiceSlug)

	rule, err := h.service.ReplaceRule(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, rule)
}

// ArchiveRule handles DELETE /rules/{id}
func (h *Handler) ArchiveRule(w http.ResponseWriter, r *http.Request) {
	admin, _ := middleware.AdminIDFromContext(r.Context())
	rule, err := h.service.ArchiveRule(r.Context(), chi.URLParam(r, "id"), admin)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, rule)
}

// RuleVersions handles GET /rules/{id}/versions
func (h *Handler) RuleVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := h.service.RuleVersions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, versions)
}

// RuleOverlaps handles GET /rules/{id}/overlaps
func (h *Handler) RuleOverlaps(w http.ResponseWriter, r *http.Request) {
	overlaps, err := h.service.RuleOverlaps(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, overlaps)
}

// RuleUsage handles GET /rules/{id}/usage?userId=
func (h *Handler) RuleUsage(w http.ResponseWriter, r *http.Request) {
	userID := validation.SanitizeString(r.URL.Query().Get("userId"))
	quota, err := h.service.RuleQuota(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, quota)
}

// CreateReferral handles POST /referrals
func (h *Handler) CreateReferral(w http.ResponseWriter, r *http.Request) {
	var req models.CreateReferralRequest
	if !h.decode(w, r, &req) {
		return
	}

	referral, err := h.service.CreateReferral(r.Context(),
		validation.SanitizeString(req.ReferrerID), validation.SanitizeString(req.RefereeID))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, referral)
}

// ExpireReferrals handles POST /referrals/expire
func (h *Handler) ExpireReferrals(w http.ResponseWriter, r *http.Request) {
	var req models.ExpireReferralsRequest
	if !h.decode(w, r, &req) {
		return
	}

	n, err := h.service.ExpireReferrals(r.Context(), req.OlderThanDays)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, models.ExpireReferralsResponse{Expired: n})
}

// ProcessEvent handles POST /events
func (h *Handler) ProcessEvent(w http.ResponseWriter, r *http.Request) {
	var req models.QualifyingEvent
	if !h.decode(w, r, &req) {
		return
	}
	req.EventID = validation.SanitizeString(req.EventID)
	req.UserID = validation.SanitizeString(req.UserID)
	req.ReferrerID = validation.SanitizeString(req.ReferrerID)
	req.ServiceSlug = validation.SanitizeString(req.ServiceSlug)

	result, err := h.service.ProcessQualifyingEvent(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, result)
}

// DecideTransaction handles POST /admin/transactions/{id}/decision
func (h *Handler) DecideTransaction(w http.ResponseWriter, r *http.Request) {
	var req models.VerificationRequest
	if !h.decode(w, r, &req) {
		return
	}

	admin, _ := middleware.AdminIDFromContext(r.Context())
	txn, err := h.service.Decide(r.Context(), chi.URLParam(r, "id"), admin, req.Decision)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, txn)
}

// Audit handles GET /admin/audit
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := database.AuditFilter{
		Kind:   validation.SanitizeString(q.Get("kind")),
		UserID: validation.SanitizeString(q.Get("userId")),
		RuleID: validation.SanitizeString(q.Get("ruleId")),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "limit must be an integer", "VALIDATION_ERROR")
			return
		}
		filter.Limit = limit
	}

	entries, err := h.service.Audit(r.Context(), filter)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	h.respondJSON(w, http.StatusOK, entries)
}

// Reconcile handles GET /admin/wallets/{userId}/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.Reconcile(r.Context(), validation.SanitizeString(chi.URLParam(r, "userId")))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, report)
}

// Features handles GET /admin/features
func (h *Handler) Features(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.service.Features())
}

// Analytics handles GET /analytics
func (h *Handler) Analytics(w http.ResponseWriter, r *http.Request) {
	var rng models.DateRange
	if v := r.URL.Query().Get("startDate"); v != "" {
		start, err := validation.ValidateTimeString(validation.SanitizeString(v), "startDate")
		if err != nil {
			h.respondServiceError(w, r, err)
			return
		}
		start = start.UTC()
		rng.Start = &start
	}
	if v := r.URL.Query().Get("endDate"); v != "" {
		end, err := parseEndDate(validation.SanitizeString(v))
		if err != nil {
			h.respondServiceError(w, r, err)
			return
		}
		rng.End = &end
	}

	report, err := h.service.Analytics(r.Context(), rng)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, report)
}

// WalletAction handles POST /wallet/actions
func (h *Handler) WalletAction(w http.ResponseWriter, r *http.Request) {
	var req models.WalletActionRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.Action = validation.SanitizeString(req.Action)
	req.Tag = validation.SanitizeString(req.Tag)

	userID, _ := middleware.UserIDFromContext(r.Context())
	txn, err := h.service.WalletAction(r.Context(), userID, req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, txn)
}

// Balance handles GET /wallet/balance
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserIDFromContext(r.Context())
	balance, err := h.service.Balance(r.Context(), userID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, balance)
}

// Transactions handles GET /wallet/transactions
func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseTransactionFilter(r)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	userID, _ := middleware.UserIDFromContext(r.Context())
	history, err := h.service.History(r.Context(), userID, filter)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, history)
}

func parseTransactionFilter(r *http.Request) (models.TransactionFilter, error) {
	q := r.URL.Query()
	filter := models.TransactionFilter{
		Type:   models.TransactionType(validation.SanitizeString(q.Get("type"))),
		Status: models.TransactionStatus(validation.SanitizeString(q.Get("status"))),
		Tag:    validation.SanitizeString(q.Get("tag")),
	}

	if v := q.Get("startDate"); v != "" {
		start, err := validation.ValidateTimeString(validation.SanitizeString(v), "startDate")
		if err != nil {
			return filter, err
		}
		start = start.UTC()
		filter.StartDate = &start
	}
	if v := q.Get("endDate"); v != "" {
		end, err := parseEndDate(validation.SanitizeString(v))
		if err != nil {
			return filter, err
		}
		filter.EndDate = &end
	}

	for name, dst := range map[string]*int{"page": &filter.Page, "limit": &filter.Limit} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return filter, &validation.ValidationError{Field: name, Message: "must be an integer"}
		}
		*dst = n
	}
	return filter, nil
}

// parseEndDate makes a bare YYYY-MM-DD end date inclusive of the whole day.
func parseEndDate(v string) (time.Time, error) {
	end, err := validation.ValidateTimeString(v, "endDate")
	if err != nil {
		return time.Time{}, err
	}
	if len(v) == len(time.DateOnly) {
		end = end.Add(24*time.Hour - time.Nanosecond)
	}
	return end.UTC(), nil
}

// decode reads a size-limited JSON body into dst, answering 400 itself when
// the body is missing or malformed.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			h.respondError(w, http.StatusBadRequest, "request body is required", "VALIDATION_ERROR")
		case errors.As(err, &tooLarge):
			h.respondError(w, http.StatusRequestEntityTooLarge, "request body too large", "VALIDATION_ERROR")
		default:
			h.respondError(w, http.StatusBadRequest, "invalid JSON in request body", "VALIDATION_ERROR")
		}
		return false
	}
	return true
}

// respondServiceError maps domain errors to HTTP responses. Unexpected errors
// are logged and answered without detail.
func (h *Handler) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr         *validation.ValidationError
		insufficient *models.InsufficientBalanceError
	)
	switch {
	case errors.As(err, &verr):
		h.respondError(w, http.StatusBadRequest, verr.Error(), "VALIDATION_ERROR")
	case errors.As(err, &insufficient):
		available := insufficient.Available
		h.respondJSON(w, http.StatusUnprocessableEntity, models.ErrorResponse{
			Error:   insufficient.Error(),
			Code:    "INSUFFICIENT_BALANCE",
			Balance: &available,
		})
	case errors.Is(err, models.ErrNotFound):
		h.respondError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
	case errors.Is(err, models.ErrAlreadyTerminal):
		h.respondError(w, http.StatusConflict, err.Error(), "ALREADY_TERMINAL")
	case errors.Is(err, models.ErrConflict):
		h.respondError(w, http.StatusConflict, err.Error(), "CONFLICT")
	case errors.Is(err, models.ErrFeatureDisabled):
		h.respondError(w, http.StatusForbidden, err.Error(), "FEATURE_DISABLED")
	case errors.Is(err, context.DeadlineExceeded):
		h.respondError(w, http.StatusServiceUnavailable, "processing timed out, retry with the same request", "TIMEOUT")
	default:
		h.logger.ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		h.respondError(w, http.StatusInternalServerError, "internal server error", "INTERNAL_ERROR")
	}
}

// respondJSON sends a JSON response with the given status code.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("failed to encode response", slog.String("error", err.Error()))
	}
}

// respondError sends an error response with the given status code and message.
func (h *Handler) respondError(w http.ResponseWriter, status int, message, code string) {
	h.respondJSON(w, status, models.ErrorResponse{Error: message, Code: code})
}
