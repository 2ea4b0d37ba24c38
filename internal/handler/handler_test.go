package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"referral-rewards-api/internal/database"
	"referral-rewards-api/internal/features"
	"referral-rewards-api/internal/middleware"
	"referral-rewards-api/internal/models"
	"referral-rewards-api/internal/service"
)

func setupTestHandler(t *testing.T) *Handler {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "handler.db"))
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	svc := service.NewService(db, service.Options{Features: features.NewDefaultManager(nil)})
	return NewHandler(svc)
}

func setupRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Credentials)
	h.Routes(r)
	return r
}

type request struct {
	method string
	path   string
	body   any
	admin  string
	user   string
}

func do(t *testing.T, r http.Handler, req request) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if req.body != nil {
		if raw, ok := req.body.(string); ok {
			body.WriteString(raw)
		} else if err := json.NewEncoder(&body).Encode(req.body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}

	httpReq := httptest.NewRequest(req.method, req.path, &body)
	httpReq.Header.Set("Content-Type", "application/json")
	if req.admin != "" {
		httpReq.Header.Set(middleware.HeaderAdminID, req.admin)
	}
	if req.user != "" {
		httpReq.Header.Set(middleware.HeaderUserID, req.user)
	}

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httpReq)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestHealthCheck(t *testing.T) {
	r := setupRouter(setupTestHandler(t))

	rr := do(t, r, request{method: http.MethodGet, path: "/health"})
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}
}

func TestAdminRoutesRequireCredentials(t *testing.T) {
	r := setupRouter(setupTestHandler(t))

	for _, tc := range []request{
		{method: http.MethodPost, path: "/rules", body: map[string]any{}},
		{method: http.MethodPost, path: "/events", body: map[string]any{}},
		{method: http.MethodPost, path: "/referrals", body: map[string]any{}},
		{method: http.MethodGet, path: "/admin/audit"},
		{method: http.MethodGet, path: "/wallet/balance"},
		{method: http.MethodGet, path: "/wallet/balance", admin: "admin-1"},
	} {
		rr := do(t, r, tc)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401, got %d", tc.method, tc.path, rr.Code)
		}
	}
}

func TestRewardFlowEndToEnd(t *testing.T) {
	r := setupRouter(setupTestHandler(t))

	rr := do(t, r, request{method: http.MethodPost, path: "/rules", admin: "admin-1", body: map[string]any{
		"name":            "lottery referral bonus",
		"actionType":      "lottery",
		"isActive":        true,
		"rewardType":      "fixed",
		"rewardAmount":    15000,
		"rewardRecipient": "referrer",
		"maxUsesPerUser":  1,
	}})
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected 201 creating rule, got %d: %s", rr.Code, rr.Body.String())
	}
	rule := decodeBody[models.RewardRule](t, rr)
	if rule.ID == "" || rule.Version != 1 {
		t.Errorf("Unexpected rule: %+v", rule)
	}

	rr = do(t, r, request{method: http.MethodPost, path: "/referrals", admin: "admin-1",
		body: models.CreateReferralRequest{ReferrerID: "referrer-r", RefereeID: "referee-e"}})
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected 201 creating referral, got %d: %s", rr.Code, rr.Body.String())
	}

	event := models.QualifyingEvent{
		EventID:    "evt-1",
		ActionType: models.ActionLottery,
		UserID:     "referee-e",
		Amount:     1,
		OccurredAt: time.Now().UTC().Add(-time.Minute),
	}
	rr = do(t, r, request{method: http.MethodPost, path: "/events", admin: "svc-lottery", body: event})
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200 processing event, got %d: %s", rr.Code, rr.Body.String())
	}
	result := decodeBody[models.ProcessResult](t, rr)
	if len(result.Granted) != 1 || result.Duplicate {
		t.Fatalf("Unexpected result: %+v", result)
	}

	rr = do(t, r, request{method: http.MethodPost, path: "/events", admin: "svc-lottery", body: event})
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200 on replay, got %d", rr.Code)
	}
	if replay := decodeBody[models.ProcessResult](t, rr); !replay.Duplicate {
		t.Errorf("Expected replay to be flagged duplicate")
	}

	rr = do(t, r, request{method: http.MethodGet, path: "/wallet/balance", user: "referrer-r"})
	balance := decodeBody[models.Balance](t, rr)
	if balance.PendingIncomes != 15000 || balance.CurrentBalance != 0 {
		t.Errorf("Unexpected balance before verification: %+v", balance)
	}

	decisionPath := "/admin/transactions/" + result.Granted[0].TransactionID + "/decision"
	rr = do(t, r, request{method: http.MethodPost, path: decisionPath, admin: "admin-1",
		body: models.VerificationRequest{Decision: models.StatusVerified}})
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200 verifying, got %d: %s", rr.Code, rr.Body.String())
	}
	txn := decodeBody[models.Transaction](t, rr)
	if txn.VerifiedBy != "admin-1" {
		t.Errorf("Expected verifiedBy admin-1, got %q", txn.VerifiedBy)
	}

	rr = do(t, r, request{method: http.MethodPost, path: decisionPath, admin: "admin-2",
		body: models.VerificationRequest{Decision: models.StatusRejected}})
	if rr.Code != http.StatusConflict {
		t.Errorf("Expected 409 on second decision, got %d", rr.Code)
	}
	if resp := decodeBody[models.ErrorResponse](t, rr); resp.Code != "ALREADY_TERMINAL" {
		t.Errorf("Expected ALREADY_TERMINAL, got %s", resp.Code)
	}

	rr = do(t, r, request{method: http.MethodGet, path: "/wallet/balance", user: "referrer-r"})
	if balance := decodeBody[models.Balance](t, rr); balance.CurrentBalance != 15000 {
		t.Errorf("Expected balance 15000 after verification, got %+v", balance)
	}

	rr = do(t, r, request{method: http.MethodGet, path: "/wallet/transactions?tag=referral_reward&startDate=2020-01-01", user: "referrer-r"})
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200 listing transactions, got %d: %s", rr.Code, rr.Body.String())
	}
	history := decodeBody[models.TransactionHistory](t, rr)
	if history.Summary.Count != 1 || history.Summary.TotalIncome != 15000 {
		t.Errorf("Unexpected history summary: %+v", history.Summary)
	}

	rr = do(t, r, request{method: http.MethodGet, path: "/analytics?startDate=2020-01-01", admin: "admin-1"})
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200 for analytics, got %d: %s", rr.Code, rr.Body.String())
	}
	report := decodeBody[models.AnalyticsReport](t, rr)
	if report.Overview.Total != 1 || report.Overview.Rewarded != 1 {
		t.Errorf("Unexpected analytics overview: %+v", report.Overview)
	}
}

func TestWithdraw_InsufficientBalanceReportsAvailable(t *testing.T) {
	r := setupRouter(setupTestHandler(t))

	rr := do(t, r, request{method: http.MethodPost, path: "/wallet/actions", user: "user-1",
		body: models.WalletActionRequest{Action: "withdraw", Amount: 500}})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("Expected 422, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeBody[models.ErrorResponse](t, rr)
	if resp.Code != "INSUFFICIENT_BALANCE" || resp.Balance == nil || *resp.Balance != 0 {
		t.Errorf("Unexpected error response: %+v", resp)
	}
}

func TestErrorMapping(t *testing.T) {
	r := setupRouter(setupTestHandler(t))

	tests := []struct {
		name   string
		req    request
		status int
		code   string
	}{
		{
			name:   "invalid json",
			req:    request{method: http.MethodPost, path: "/events", admin: "admin-1", body: "{not json"},
			status: http.StatusBadRequest,
			code:   "VALIDATION_ERROR",
		},
		{
			name:   "empty body",
			req:    request{method: http.MethodPost, path: "/referrals", admin: "admin-1"},
			status: http.StatusBadRequest,
			code:   "VALIDATION_ERROR",
		},
		{
			name: "invalid event",
			req: request{method: http.MethodPost, path: "/events", admin: "admin-1",
				body: map[string]any{"eventId": "e-1", "actionType": "lottery", "userId": "u-1", "amount": -5}},
			status: http.StatusBadRequest,
			code:   "VALIDATION_ERROR",
		},
		{
			name:   "unknown rule",
			req:    request{method: http.MethodGet, path: "/rules/6a2f41a3-c54c-4f3b-9d3e-1c1f7a0b1234"},
			status: http.StatusNotFound,
			code:   "NOT_FOUND",
		},
		{
			name:   "malformed rule id",
			req:    request{method: http.MethodGet, path: "/rules/not-a-uuid"},
			status: http.StatusBadRequest,
			code:   "VALIDATION_ERROR",
		},
		{
			name:   "unknown transaction",
			req:    request{method: http.MethodPost, path: "/admin/transactions/6a2f41a3-c54c-4f3b-9d3e-1c1f7a0b1234/decision", admin: "admin-1", body: models.VerificationRequest{Decision: models.StatusVerified}},
			status: http.StatusNotFound,
			code:   "NOT_FOUND",
		},
		{
			name:   "bad page",
			req:    request{method: http.MethodGet, path: "/wallet/transactions?page=abc", user: "user-1"},
			status: http.StatusBadRequest,
			code:   "VALIDATION_ERROR",
		},
		{
			name:   "bad analytics date",
			req:    request{method: http.MethodGet, path: "/analytics?startDate=yesterday", admin: "admin-1"},
			status: http.StatusBadRequest,
			code:   "VALIDATION_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, r, tt.req)
			if rr.Code != tt.status {
				t.Fatalf("Expected status %d, got %d: %s", tt.status, rr.Code, rr.Body.String())
			}
			if resp := decodeBody[models.ErrorResponse](t, rr); resp.Code != tt.code {
				t.Errorf("Expected code %s, got %s", tt.code, resp.Code)
			}
		})
	}
}

func TestDuplicateReferralIsConflict(t *testing.T) {
	r := setupRouter(setupTestHandler(t))
	body := models.CreateReferralRequest{ReferrerID: "referrer-r", RefereeID: "referee-e"}

	if rr := do(t, r, request{method: http.MethodPost, path: "/referrals", admin: "admin-1", body: body}); rr.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", rr.Code)
	}
	rr := do(t, r, request{method: http.MethodPost, path: "/referrals", admin: "admin-1",
		body: models.CreateReferralRequest{ReferrerID: "someone-else", RefereeID: "referee-e"}})
	if rr.Code != http.StatusConflict {
		t.Errorf("Expected 409, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestArchiveRuleHidesItFromListing(t *testing.T) {
	r := setupRouter(setupTestHandler(t))

	rr := do(t, r, request{method: http.MethodPost, path: "/rules", admin: "admin-1", body: map[string]any{
		"name":            "signup bonus",
		"actionType":      "signup",
		"isActive":        true,
		"rewardType":      "wallet",
		"rewardAmount":    "2500",
		"rewardRecipient": "referee",
	}})
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	rule := decodeBody[models.RewardRule](t, rr)

	if rr := do(t, r, request{method: http.MethodDelete, path: "/rules/" + rule.ID, admin: "admin-1"}); rr.Code != http.StatusOK {
		t.Fatalf("Expected 200 archiving, got %d", rr.Code)
	}

	rr = do(t, r, request{method: http.MethodGet, path: "/rules"})
	if rules := decodeBody[[]models.RewardRule](t, rr); len(rules) != 0 {
		t.Errorf("Expected no active rules, got %d", len(rules))
	}
	rr = do(t, r, request{method: http.MethodGet, path: "/rules?includeArchived=true"})
	if rules := decodeBody[[]models.RewardRule](t, rr); len(rules) != 1 {
		t.Errorf("Expected archived rule in full listing, got %d", len(rules))
	}
}
