package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"stamp-order-service/internal/broker"
	"stamp-order-service/internal/gateway"
	"stamp-order-service/internal/models"
	"stamp-order-service/internal/redisclient"
	"stamp-order-service/internal/service"
	"stamp-order-service/internal/store/memstore"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testJWTSecret     = "jwt-secret"
	testWebhookSecret = "webhook-secret"
)

type stubGateway struct{ seq int }

func (g *stubGateway) KeyID() string { return "rzp_test_key" }

func (g *stubGateway) CreateOrder(_ context.Context, req gateway.CreateOrderRequest) (*gateway.Order, error) {
	g.seq++
	return &gateway.Order{ID: fmt.Sprintf("order_%d", g.seq), Amount: req.Amount, Currency: req.Currency}, nil
}

func (g *stubGateway) Refund(_ context.Context, paymentID string, amount int64, _ map[string]string) (*gateway.Refund, error) {
	return &gateway.Refund{ID: "rfnd_" + paymentID, PaymentID: paymentID, Amount: amount}, nil
}

func (g *stubGateway) VerifyPaymentSignature(string, string, string) bool { return false }

func (g *stubGateway) VerifyWebhookSignature(body []byte, signature string) bool {
	return gateway.ValidSignature(testWebhookSecret, body, signature)
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

type testServer struct {
	router *gin.Engine
	repo   *memstore.Store
}

func newTestServer(t *testing.T, checks map[string]Pinger) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := memstore.New()
	repo.PutCatalogItem(models.CatalogItem{
		ID:       "penny-black",
		SKU:      "SKU-PB",
		Name:     "Penny Black",
		Price:    20000,
		Stock:    models.Stock{Quantity: 5},
		IsActive: true,
	})
	repo.PutUser("user-1", 100000)

	pricer, err := service.NewPricer("0.18", 5000, 15000, 100000)
	require.NoError(t, err)

	gw := &stubGateway{}
	coord := redisclient.NewLocal()
	publisher := broker.NewEventPublisher(broker.NewLogSink())
	compensator := service.NewCompensator(repo)
	inventory := service.NewInventoryService(repo, compensator)
	orders := service.NewOrderService(repo, inventory, compensator, pricer, gw, coord, publisher)
	settlement := service.NewSettlementService(repo, inventory, compensator, gw, coord, publisher, service.SettlementConfig{
		Currency:         "INR",
		AuthorizationTTL: 30 * time.Minute,
		WebhookDedupeTTL: time.Hour,
	})
	wallets := service.NewWalletService(repo)

	h := NewHandler(orders, settlement, wallets, NewTokenVerifier(testJWTSecret, ""), checks)
	router := gin.New()
	h.SetupRoutes(router)
	return &testServer{router: router, repo: repo}
}

func mintToken(t *testing.T, secret, userID, role string) string {
	t.Helper()
	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func (s *testServer) do(method, path, token string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, _ := json.Marshal(b)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env
}

type orderEnvelope struct {
	Order models.Order `json:"order"`
}

func checkoutBody(method string) map[string]any {
	return map[string]any{
		"items": []map[string]any{{"catalogItem": "penny-black", "quantity": 2}},
		"shippingAddress": map[string]any{
			"full_name":   "Ada Collector",
			"line1":       "1 Penny Black Lane",
			"city":        "Mumbai",
			"postal_code": "400001",
			"country":     "IN",
		},
		"payment": map[string]any{"method": method},
	}
}

func TestHealthAndReadiness(t *testing.T) {
	s := newTestServer(t, map[string]Pinger{"postgres": failingPinger{}})

	w := s.do(http.MethodGet, "/health", "", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodGet, "/ready", "", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")

	ready := newTestServer(t, nil)
	w = ready.do(http.MethodGet, "/ready", "", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthentication(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name  string
		token string
	}{
		{"missing token", ""},
		{"garbage token", "not-a-jwt"},
		{"wrong secret", mintToken(t, "other-secret", "user-1", models.RoleCustomer)},
		{"no user id", mintToken(t, testJWTSecret, "", models.RoleCustomer)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(http.MethodGet, "/api/v1/orders/my-orders", tt.token, nil, nil)
			require.Equal(t, http.StatusUnauthorized, w.Code)
			env := decodeError(t, w)
			assert.Equal(t, "UNAUTHORIZED", env.Error.Code)
			assert.Equal(t, "authentication required", env.Error.Message)
		})
	}
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	s := newTestServer(t, nil)
	customer := mintToken(t, testJWTSecret, "user-1", models.RoleCustomer)

	w := s.do(http.MethodPost, "/api/v1/admin/users/user-1/wallet/credit", customer, map[string]any{"amount": 500}, nil)
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "ACCESS_DENIED", decodeError(t, w).Error.Code)

	w = s.do(http.MethodPut, "/api/v1/orders/any/status", customer, map[string]any{"status": "processing"}, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	admin := mintToken(t, testJWTSecret, "ops", models.RoleAdmin)
	w = s.do(http.MethodPost, "/api/v1/admin/users/user-1/wallet/credit", admin, map[string]any{"amount": 500, "description": "goodwill"}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var credited struct {
		Transaction models.DepositTransaction `json:"transaction"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &credited))
	assert.Equal(t, int64(100500), credited.Transaction.BalanceAfter)
}

func TestPlaceOrderAndReplay(t *testing.T) {
	s := newTestServer(t, nil)
	token := mintToken(t, testJWTSecret, "user-1", models.RoleCustomer)
	headers := map[string]string{"Idempotency-Key": "checkout-1"}

	w := s.do(http.MethodPost, "/api/v1/orders", token, checkoutBody("deposit_account"), headers)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var first orderEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	assert.Equal(t, models.OrderStatusConfirmed, first.Order.Status)
	assert.Equal(t, int64(52200), first.Order.Pricing.Total)

	w = s.do(http.MethodPost, "/api/v1/orders", token, checkoutBody("deposit_account"), headers)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "true", w.Header().Get("Idempotent-Replayed"))
	var replay orderEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &replay))
	assert.Equal(t, first.Order.ID, replay.Order.ID)

	w = s.do(http.MethodGet, "/api/v1/orders/"+first.Order.ID, token, nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	stranger := mintToken(t, testJWTSecret, "user-2", models.RoleCustomer)
	w = s.do(http.MethodGet, "/api/v1/orders/"+first.Order.ID, stranger, nil, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(http.MethodGet, "/api/v1/wallet?limit=5", token, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var wallet models.Wallet
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &wallet))
	assert.Equal(t, int64(100000-52200), wallet.Balance)
}

func TestPlaceOrderValidation(t *testing.T) {
	s := newTestServer(t, nil)
	token := mintToken(t, testJWTSecret, "user-1", models.RoleCustomer)

	body := checkoutBody("bitcoin")
	delete(body["shippingAddress"].(map[string]any), "city")

	w := s.do(http.MethodPost, "/api/v1/orders", token, body, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	env := decodeError(t, w)
	assert.Equal(t, "VALIDATION_FAILED", env.Error.Code)
	fields, ok := env.Error.Details["fields"].(map[string]any)
	require.True(t, ok, env.Error.Details)
	assert.Equal(t, "oneof", fields["payment.method"])
	assert.Equal(t, "required", fields["shippingAddress.city"])

	huge := checkoutBody("cod")
	huge["items"] = []map[string]any{{"catalogItem": "penny-black", "quantity": int64(3000000000)}}
	w = s.do(http.MethodPost, "/api/v1/orders", token, huge, nil)
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	fields = decodeError(t, w).Error.Details["fields"].(map[string]any)
	assert.Equal(t, "max", fields["items[0].quantity"])

	w = s.do(http.MethodPost, "/api/v1/orders", token, "{not json", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_FAILED", decodeError(t, w).Error.Code)
}

func TestPlaceOrderBusinessErrorCarriesDetails(t *testing.T) {
	s := newTestServer(t, nil)
	token := mintToken(t, testJWTSecret, "user-1", models.RoleCustomer)

	body := checkoutBody("cod")
	body["items"] = []map[string]any{{"catalogItem": "penny-black", "quantity": 6}}

	w := s.do(http.MethodPost, "/api/v1/orders", token, body, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	env := decodeError(t, w)
	assert.Equal(t, "INSUFFICIENT_STOCK", env.Error.Code)
	assert.NotEmpty(t, env.Error.Details)
}

func TestShippedStatusRequiresTracking(t *testing.T) {
	s := newTestServer(t, nil)
	admin := mintToken(t, testJWTSecret, "ops", models.RoleAdmin)

	w := s.do(http.MethodPut, "/api/v1/orders/o-1/status", admin, map[string]any{"status": "shipped"}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	env := decodeError(t, w)
	fields := env.Error.Details["fields"].(map[string]any)
	assert.Equal(t, "required_if_shipped", fields["trackingNumber"])
}

func TestCancelWithoutBody(t *testing.T) {
	s := newTestServer(t, nil)
	token := mintToken(t, testJWTSecret, "user-1", models.RoleCustomer)

	w := s.do(http.MethodPost, "/api/v1/orders", token, checkoutBody("cod"), nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var placed orderEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &placed))

	w = s.do(http.MethodPut, "/api/v1/orders/"+placed.Order.ID+"/cancel", token, nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var cancelled orderEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cancelled))
	assert.Equal(t, models.OrderStatusCancelled, cancelled.Order.Status)
}

func TestWebhookIsUnauthenticatedButSigned(t *testing.T) {
	s := newTestServer(t, nil)
	body := []byte(`{"entity":"event","event":"refund.processed","payload":{}}`)

	w := s.do(http.MethodPost, "/api/v1/payments/webhook", "", body, map[string]string{
		"X-Razorpay-Signature": "bogus",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	env := decodeError(t, w)
	assert.Equal(t, "INVALID_SIGNATURE", env.Error.Code)
	assert.Equal(t, "payment signature verification failed", env.Error.Message)

	w = s.do(http.MethodPost, "/api/v1/payments/webhook", "", body, map[string]string{
		"X-Razorpay-Signature": gateway.Sign(testWebhookSecret, body),
		"X-Razorpay-Event-Id":  "evt_1",
	})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestUnknownOrderIsNotFound(t *testing.T) {
	s := newTestServer(t, nil)
	token := mintToken(t, testJWTSecret, "user-1", models.RoleCustomer)

	w := s.do(http.MethodGet, "/api/v1/payments/status/missing", token, nil, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, w).Error.Code)
}

func TestWalletLimitValidation(t *testing.T) {
	s := newTestServer(t, nil)
	token := mintToken(t, testJWTSecret, "user-1", models.RoleCustomer)

	w := s.do(http.MethodGet, "/api/v1/wallet?limit=500", token, nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
