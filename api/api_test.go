package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dramaplan/billing"
	"github.com/dramaplan/billing/api"
	"github.com/dramaplan/billing/provider/mock"
	"github.com/dramaplan/billing/store"
	"github.com/dramaplan/billing/store/memory"
	"github.com/dramaplan/billing/subscription"
)

var secret = []byte("test-secret")

type server struct {
	t        *testing.T
	srv      *httptest.Server
	billing  *billing.Billing
	provider *mock.Provider
}

func newServer(t *testing.T) *server {
	t.Helper()
	return newServerWithStore(t, memory.New())
}

func newServerWithStore(t *testing.T, st store.Store) *server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := mock.New()
	b := billing.New(st, billing.WithProvider(p), billing.WithLogger(logger))
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop() })

	h := api.NewHandler(b, api.WithLogger(logger))
	srv := httptest.NewServer(api.NewRouter(h, api.Config{JWTSecret: secret}))
	t.Cleanup(srv.Close)
	return &server{t: t, srv: srv, billing: b, provider: p}
}

func token(t *testing.T, userID, role string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, api.Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	s, err := tok.SignedString(secret)
	require.NoError(t, err)
	return s
}

func (s *server) do(method, path, bearer string, body any, headers ...string) (int, map[string]any) {
	s.t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(s.t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, rd)
	require.NoError(s.t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	defer resp.Body.Close()

	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(s.t, err)
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(s.t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	s := newServer(t)
	status, body := s.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestRejectsMissingOrForgedToken(t *testing.T) {
	s := newServer(t)

	status, _ := s.do(http.MethodGet, "/v1/entitlement", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, api.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u1"},
	})
	bad, err := forged.SignedString([]byte("other-secret"))
	require.NoError(t, err)
	status, _ = s.do(http.MethodGet, "/v1/entitlement", bad, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestEntitlementWithoutSubscription(t *testing.T) {
	s := newServer(t)
	status, body := s.do(http.MethodGet, "/v1/entitlement", token(t, "u1", ""), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["canGenerate"])
	assert.Equal(t, "no subscription", body["reason"])
	assert.EqualValues(t, 0, body["remainingLessons"])
}

func TestConsumeWithoutSubscription(t *testing.T) {
	s := newServer(t)
	status, body := s.do(http.MethodPost, "/v1/credits/consume", token(t, "u1", ""), nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NoSubscription", body["kind"])
}

func TestSubscribeConsumeAndPurchase(t *testing.T) {
	s := newServer(t)
	tok := token(t, "u1", "")

	status, body := s.do(http.MethodPost, "/v1/subscription", tok, map[string]string{"planId": "standard", "email": "u1@example.com"})
	require.Equal(t, http.StatusCreated, status, body)
	assert.Equal(t, "active", body["status"])

	status, body = s.do(http.MethodPost, "/v1/credits/consume", tok, nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.EqualValues(t, 1, body["lessonsGenerated"])

	status, body = s.do(http.MethodPost, "/v1/overage", tok, map[string]any{"unitCount": 2}, "Idempotency-Key", "req-1")
	require.Equal(t, http.StatusOK, status, body)
	assert.EqualValues(t, 2, body["additionalLessonsPurchased"])
	assert.EqualValues(t, 600, body["totalSpent"])

	// Replaying the same key does not charge again.
	status, body = s.do(http.MethodPost, "/v1/overage", tok, map[string]any{"unitCount": 2, "requestToken": "req-1"})
	require.Equal(t, http.StatusOK, status, body)
	assert.EqualValues(t, 2, body["additionalLessonsPurchased"])
	assert.Equal(t, 1, s.provider.ChargeCount())

	status, body = s.do(http.MethodGet, "/v1/entitlement", tok, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 31, body["remainingLessons"])

	status, _ = s.do(http.MethodPost, "/v1/subscription", tok, map[string]string{"planId": "pro"})
	assert.Equal(t, http.StatusConflict, status)
}

func TestPurchaseValidation(t *testing.T) {
	s := newServer(t)
	tok := token(t, "u1", "")

	status, body := s.do(http.MethodPost, "/v1/overage", tok, map[string]any{"unitCount": 2})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "InvalidRequest", body["kind"])

	status, body = s.do(http.MethodPost, "/v1/overage", tok, map[string]any{"unitCount": 0, "requestToken": "k"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "unitCount")

	status, _ = s.do(http.MethodPost, "/v1/overage", tok, map[string]any{"unitCount": 1, "requestToken": "k", "userId": "u2"})
	assert.Equal(t, http.StatusForbidden, status)
}

func TestAdminMayPurchaseForAnotherUser(t *testing.T) {
	s := newServer(t)

	status, _ := s.do(http.MethodPost, "/v1/subscription", token(t, "u2", ""), map[string]string{"planId": "standard"})
	require.Equal(t, http.StatusCreated, status)

	status, body := s.do(http.MethodPost, "/v1/overage", token(t, "admin-1", "admin"),
		map[string]any{"unitCount": 1, "requestToken": "k", "userId": "u2"})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "u2", body["userId"])
	assert.EqualValues(t, 1, body["additionalLessonsPurchased"])
}

func TestCancelAtPeriodEnd(t *testing.T) {
	s := newServer(t)
	tok := token(t, "u1", "")

	status, _ := s.do(http.MethodPost, "/v1/subscription", tok, map[string]string{"planId": "standard"})
	require.Equal(t, http.StatusCreated, status)

	status, _ = s.do(http.MethodDelete, "/v1/subscription?atPeriodEnd=maybe", tok, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := s.do(http.MethodDelete, "/v1/subscription?atPeriodEnd=true", tok, nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, true, body["cancelAtPeriodEnd"])
	assert.Equal(t, "active", body["status"])
}

func TestExternalFailureIsBadGateway(t *testing.T) {
	s := newServer(t)
	s.provider.CreateCustomerErr = assert.AnError

	status, body := s.do(http.MethodPost, "/v1/subscription", token(t, "u1", ""), map[string]string{"planId": "standard"})
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "ExternalBillingFailure", body["kind"])
}

func TestWebhook(t *testing.T) {
	s := newServer(t)

	status, body := s.do(http.MethodPost, "/v1/webhooks/billing", "", map[string]any{"id": "evt_1", "kind": "something_else"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["received"])
	assert.Equal(t, "ignored", body["outcome"])

	req, err := http.NewRequest(http.MethodPost, s.srv.URL+"/v1/webhooks/billing", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// lookupFailingStore fails every external reference lookup with err.
type lookupFailingStore struct {
	*memory.Store
	err error
}

func (s *lookupFailingStore) GetSubscriptionByExternalRef(context.Context, string) (*subscription.Record, error) {
	return nil, s.err
}

func TestWebhookReconcileFailureAsksForRedelivery(t *testing.T) {
	failed := map[string]any{"id": "evt_2", "kind": "invoice_payment_failed", "externalSubscriptionRef": "sub_ext"}

	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"temporary", billing.ErrTransactionFailed, http.StatusServiceUnavailable},
		{"internal", errors.New("connection reset"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newServerWithStore(t, &lookupFailingStore{Store: memory.New(), err: tt.err})
			status, body := s.do(http.MethodPost, "/v1/webhooks/billing", "", failed)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, "Internal", body["kind"])
			assert.Nil(t, body["received"])
		})
	}
}

func TestWebhookInvalidEventIsAcknowledged(t *testing.T) {
	s := newServer(t)

	status, body := s.do(http.MethodPost, "/v1/webhooks/billing", "", map[string]any{"id": "evt_3", "kind": "payment_succeeded", "planId": "standard"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["received"])
}
