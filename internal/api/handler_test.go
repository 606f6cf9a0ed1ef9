package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ayo6706/p2p-settlement/internal/api"
	"github.com/ayo6706/p2p-settlement/internal/api/middleware"
	"github.com/ayo6706/p2p-settlement/internal/bankpattern"
	"github.com/ayo6706/p2p-settlement/internal/config"
	"github.com/ayo6706/p2p-settlement/internal/domain"
	"github.com/ayo6706/p2p-settlement/internal/repository"
	"github.com/ayo6706/p2p-settlement/internal/service"
	"github.com/ayo6706/p2p-settlement/internal/settings"
	"github.com/ayo6706/p2p-settlement/internal/testutil"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testJWTSecret   = "test-secret-0123456789-test-secret"
	testJWTIssuer   = "p2p-settlement-test"
	testJWTAudience = "settlement-api-test"
)

type testAPI struct {
	store   *repository.MemoryStore
	auth    *middleware.Authenticator
	handler http.Handler
}

func setupAPI(t *testing.T) *testAPI {
	t.Helper()
	store := repository.NewMemoryStore()
	cfg := &config.Config{
		HTTPPort:           "0",
		JWTSecret:          testJWTSecret,
		JWTIssuer:          testJWTIssuer,
		JWTAudience:        testJWTAudience,
		PublicRateLimitRPS: 1000,
		AuthRateLimitRPS:   1000,
	}
	svc := api.Services{
		Freezing:      service.NewFreezingService(store, settings.NewCache(nil, store.Queries(), time.Minute)),
		Matcher:       service.NewMatcher(store, bankpattern.NewRegistry()),
		Payouts:       service.NewPayoutService(store),
		Redistributor: service.NewRedistributor(store),
	}
	router := api.NewRouter(cfg, zap.NewNop(), nil, nil, svc)
	return &testAPI{store: store, auth: router.Authenticator(), handler: router.Routes()}
}

func (a *testAPI) token(t *testing.T, id uuid.UUID, role string) string {
	t.Helper()
	now := time.Now()
	tok, err := a.auth.Issue(middleware.Principal{ID: id, Role: role}, jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-30 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	})
	require.NoError(t, err)
	return tok
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") != "application/yaml" {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

func transactionBody(f testutil.Fixture, orderID string) map[string]any {
	return map[string]any{
		"amount":      "10000",
		"rate":        "100",
		"merchant_id": f.MerchantID.String(),
		"method_id":   f.Method.ID.String(),
		"order_id":    orderID,
	}
}

func TestRFC7807ProblemDetails(t *testing.T) {
	a := setupAPI(t)

	w, body := a.do(t, http.MethodPost, "/v1/transactions", "", map[string]any{})

	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Contains(t, w.Header().Get("Content-Type"), "application/problem+json")
	assert.NotEmpty(t, body["type"])
	assert.Equal(t, float64(http.StatusUnauthorized), body["status"])
	assert.NotEmpty(t, body["title"])
	assert.NotEmpty(t, body["detail"])
	assert.Equal(t, "/v1/transactions", body["instance"])
	assert.NotEmpty(t, body["request_id"])
	assert.Equal(t, body["request_id"], w.Header().Get("X-Trace-ID"))
}

func TestHealthAndDocs(t *testing.T) {
	a := setupAPI(t)

	w, _ := a.do(t, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, body := a.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ready", body["status"])

	w, _ = a.do(t, http.MethodGet, "/openapi.yaml", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/v1/ops/redistribute")

	w, _ = a.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestInvalidTokens(t *testing.T) {
	a := setupAPI(t)
	other := middleware.NewAuthenticator("another-secret-0123456789-another", testJWTIssuer, testJWTAudience)
	forged, err := other.Issue(middleware.Principal{ID: uuid.New(), Role: middleware.RoleAdmin}, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	require.NoError(t, err)
	expired, err := a.auth.Issue(middleware.Principal{ID: uuid.New(), Role: middleware.RoleAdmin}, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	})
	require.NoError(t, err)

	for name, tok := range map[string]string{"forged": forged, "expired": expired, "garbage": "not-a-jwt"} {
		t.Run(name, func(t *testing.T) {
			w, body := a.do(t, http.MethodPost, "/v1/ops/redistribute", tok, nil)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, body["type"], "auth/invalid-token")
		})
	}
}

func TestCreateTransactionFreezesReservation(t *testing.T) {
	a := setupAPI(t)
	f := testutil.SeedFixture(t, a.store.Queries(), testutil.FixtureOptions{})
	tok := a.token(t, f.MerchantID, middleware.RoleMerchant)

	w, body := a.do(t, http.MethodPost, "/v1/transactions", tok, transactionBody(f, "order-1"))

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, domain.TxStatusInProgress, body["status"])
	assert.Equal(t, "102.05", body["frozen_usdt_amount"])
	assert.Equal(t, "1.5", body["calculated_commission"])
	assert.Equal(t, f.Trader.ID.String(), body["trader_id"])
}

func TestCreateTransactionRejections(t *testing.T) {
	a := setupAPI(t)
	f := testutil.SeedFixture(t, a.store.Queries(), testutil.FixtureOptions{})
	merchant := a.token(t, f.MerchantID, middleware.RoleMerchant)

	tests := []struct {
		name   string
		token  string
		mutate func(map[string]any)
		status int
		slug   string
	}{
		{
			name:   "missing amount",
			token:  merchant,
			mutate: func(b map[string]any) { delete(b, "amount") },
			status: http.StatusBadRequest,
			slug:   "request/validation",
		},
		{
			name:   "non numeric rate",
			token:  merchant,
			mutate: func(b map[string]any) { b["rate"] = "abc" },
			status: http.StatusBadRequest,
			slug:   "request/validation",
		},
		{
			name:   "unknown field",
			token:  merchant,
			mutate: func(b map[string]any) { b["currency"] = "RUB" },
			status: http.StatusBadRequest,
			slug:   "request/invalid-body",
		},
		{
			name:   "negative amount",
			token:  merchant,
			mutate: func(b map[string]any) { b["amount"] = "-5" },
			status: http.StatusBadRequest,
			slug:   "request/invalid-amount",
		},
		{
			name:   "other merchant",
			token:  a.token(t, uuid.New(), middleware.RoleMerchant),
			mutate: func(map[string]any) {},
			status: http.StatusForbidden,
			slug:   "auth/merchant-mismatch",
		},
		{
			name:   "trader role",
			token:  a.token(t, f.Trader.ID, middleware.RoleTrader),
			mutate: func(map[string]any) {},
			status: http.StatusForbidden,
			slug:   "auth/insufficient-permissions",
		},
		{
			name:   "amount above trust",
			token:  merchant,
			mutate: func(b map[string]any) { b["amount"] = "1000000" },
			status: http.StatusUnprocessableEntity,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := transactionBody(f, uuid.NewString())
			tc.mutate(b)
			w, body := a.do(t, http.MethodPost, "/v1/transactions", tc.token, b)
			assert.Equal(t, tc.status, w.Code, w.Body.String())
			if tc.slug != "" {
				assert.Contains(t, body["type"], tc.slug)
			}
		})
	}

	tr, err := a.store.Queries().GetTrader(context.Background(), f.Trader.ID)
	require.NoError(t, err)
	assert.True(t, tr.FrozenUsdt.IsZero())
}

func TestValidationProblemListsFields(t *testing.T) {
	a := setupAPI(t)
	tok := a.token(t, uuid.New(), middleware.RoleAdmin)

	w, body := a.do(t, http.MethodPost, "/v1/payouts", tok, map[string]any{"amount": "10"})

	require.Equal(t, http.StatusBadRequest, w.Code)
	errs, ok := body["errors"].([]any)
	require.True(t, ok)
	fields := map[string]string{}
	for _, e := range errs {
		m := e.(map[string]any)
		fields[m["field"].(string)] = m["rule"].(string)
	}
	assert.Equal(t, "required", fields["merchant_id"])
	assert.Equal(t, "required", fields["total_usdt"])
	assert.NotContains(t, fields, "amount")
}

func TestCancelTransaction(t *testing.T) {
	a := setupAPI(t)
	f := testutil.SeedFixture(t, a.store.Queries(), testutil.FixtureOptions{})
	tok := a.token(t, f.MerchantID, middleware.RoleMerchant)

	_, created := a.do(t, http.MethodPost, "/v1/transactions", tok, transactionBody(f, "order-1"))
	id := created["id"].(string)

	w, _ := a.do(t, http.MethodPost, "/v1/transactions/"+id+"/cancel", a.token(t, uuid.New(), middleware.RoleMerchant), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, body := a.do(t, http.MethodPost, "/v1/transactions/"+id+"/cancel", tok, map[string]any{"reason": "buyer left"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, domain.TxStatusCanceled, body["status"])

	// second cancel reports the current state
	w, body = a.do(t, http.MethodPost, "/v1/transactions/"+id+"/cancel", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.TxStatusCanceled, body["status"])

	tr, err := a.store.Queries().GetTrader(context.Background(), f.Trader.ID)
	require.NoError(t, err)
	assert.True(t, tr.FrozenUsdt.IsZero())

	w, _ = a.do(t, http.MethodPost, "/v1/transactions/"+uuid.NewString()+"/cancel", a.token(t, uuid.New(), middleware.RoleAdmin), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = a.do(t, http.MethodPost, "/v1/transactions/not-a-uuid/cancel", tok, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIngestNotification(t *testing.T) {
	a := setupAPI(t)
	f := testutil.SeedFixture(t, a.store.Queries(), testutil.FixtureOptions{})
	device := a.token(t, f.Device.ID, middleware.RoleDevice)

	w, body := a.do(t, http.MethodPost, "/v1/notifications", device, map[string]any{
		"device_id":    f.Device.ID.String(),
		"package_name": "ru.sberbankmobile",
		"message":      "Перевод 10000р от Иван И.",
		"metadata":     map[string]string{"bankName": "Сбер"},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, f.Device.ID.String(), body["device_id"])

	pending, err := a.store.Queries().ListUnprocessedNotifications(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	w, _ = a.do(t, http.MethodPost, "/v1/notifications", device, map[string]any{
		"device_id":    uuid.NewString(),
		"package_name": "ru.sberbankmobile",
		"message":      "Перевод 10р",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	admin := a.token(t, uuid.New(), middleware.RoleAdmin)
	w, _ = a.do(t, http.MethodPost, "/v1/notifications", admin, map[string]any{
		"device_id":    uuid.NewString(),
		"package_name": "ru.sberbankmobile",
		"message":      "Перевод 10р",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPayoutFlow(t *testing.T) {
	a := setupAPI(t)
	q := a.store.Queries()
	tr := testutil.SeedPayoutTrader(t, q, "50000", 3)
	merchantID := testutil.PayoutMerchantID
	merchant := a.token(t, merchantID, middleware.RoleMerchant)
	trader := a.token(t, tr.ID, middleware.RoleTrader)
	admin := a.token(t, uuid.New(), middleware.RoleAdmin)

	w, created := a.do(t, http.MethodPost, "/v1/payouts", merchant, map[string]any{
		"merchant_id": merchantID.String(),
		"amount":      "10000",
		"amount_usdt": "100",
		"total":       "10000",
		"total_usdt":  "102.5",
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, domain.PayoutStatusCreated, created["status"])
	id := created["id"].(string)

	w, _ = a.do(t, http.MethodPost, "/v1/ops/redistribute", merchant, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, pass := a.do(t, http.MethodPost, "/v1/ops/redistribute", admin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(1), pass["assigned"])

	w, last := a.do(t, http.MethodGet, "/v1/ops/redistribute", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), last["processed"])

	w, _ = a.do(t, http.MethodPost, "/v1/payouts/"+id+"/confirm", a.token(t, uuid.New(), middleware.RoleTrader), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, body := a.do(t, http.MethodPost, "/v1/payouts/"+id+"/confirm", trader, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, domain.PayoutStatusChecking, body["status"])

	w, _ = a.do(t, http.MethodPost, "/v1/payouts/"+id+"/approve", a.token(t, uuid.New(), middleware.RoleMerchant), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, body = a.do(t, http.MethodPost, "/v1/payouts/"+id+"/approve", merchant, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, domain.PayoutStatusCompleted, body["status"])

	got, err := q.GetTrader(context.Background(), tr.ID)
	require.NoError(t, err)
	assert.Equal(t, "40000", got.PayoutBalance.String())
	assert.True(t, got.FrozenPayoutBalance.IsZero())
	assert.Equal(t, "2.5", got.ProfitFromPayouts.String())

	w, _ = a.do(t, http.MethodPost, "/v1/payouts/"+id+"/cancel", merchant, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestTraderCancelReturnsPayoutToPool(t *testing.T) {
	a := setupAPI(t)
	q := a.store.Queries()
	tr := testutil.SeedPayoutTrader(t, q, "5000", 1)
	p := testutil.SeedPayout(t, q, "1000", time.Now().UTC())
	admin := a.token(t, uuid.New(), middleware.RoleAdmin)

	w, _ := a.do(t, http.MethodPost, "/v1/ops/redistribute", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, body := a.do(t, http.MethodPost, "/v1/payouts/"+p.ID.String()+"/cancel", a.token(t, tr.ID, middleware.RoleTrader), map[string]any{"reason": "no funds"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, domain.PayoutStatusCreated, body["status"])
	assert.Nil(t, body["trader_id"])
	assert.Contains(t, body["cancel_reason"], "traderId:"+tr.ID.String())

	// a second cancel by the same trader no longer holds it
	w, _ = a.do(t, http.MethodPost, "/v1/payouts/"+p.ID.String()+"/cancel", a.token(t, tr.ID, middleware.RoleTrader), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	got, err := q.GetTrader(context.Background(), tr.ID)
	require.NoError(t, err)
	assert.Equal(t, "5000", got.PayoutBalance.String())
}
