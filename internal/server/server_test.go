package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doerly/settlement/internal/auth"
	"github.com/doerly/settlement/internal/config"
	"github.com/doerly/settlement/internal/logging"
)

const testSecret = "test-jwt-secret"

func newTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := &config.Config{
		Port:               "0",
		Env:                "test",
		LogLevel:           "error",
		JWTSecret:          testSecret,
		GatewayProvider:    "mock",
		SettlementCurrency: "USD",
		LocalCurrencies:    []string{"UZS"},
		RateLimitRPS:       1000,
	}

	srv, err := New(cfg, WithLogger(logging.New("error", "text")))
	require.NoError(t, err)
	return srv
}

func mintToken(t *testing.T, userID string, role auth.Role) string {
	t.Helper()
	token, err := auth.MintToken(testSecret, userID, role, time.Hour)
	require.NoError(t, err)
	return token
}

func doJSON(t *testing.T, srv *Server, method, path, token string, body interface{}) *httptest.ResponseRecorder {
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
	srv.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")

	w = doJSON(t, srv, "GET", "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Readiness flips only once Run() has started the listener.
	w = doJSON(t, srv, "GET", "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, "GET", "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "settlement_")
}

func TestInfoEndpoint(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, "GET", "/api", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "mock", body["gateway"])
	assert.Equal(t, "USD", body["currency"])
}

func TestAPIRequiresAuth(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{"/v1/payments/p1", "/v1/contracts/c1", "/v1/disputes/d1"} {
		w := doJSON(t, srv, "GET", path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}

	w := doJSON(t, srv, "GET", "/v1/contracts/c1", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, "POST", "/v1/admin/reconcile", mintToken(t, "user-1", auth.RoleClient), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, srv, "POST", "/v1/admin/reconcile", mintToken(t, "admin-1", auth.RoleAdmin), nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, "GET", "/health", "", nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

// TestEscrowSettlementFlow drives a contract from creation through escrow
// capture, activation, and completion entirely over the HTTP surface.
func TestEscrowSettlementFlow(t *testing.T) {
	srv := newTestServer(t)

	clientTok := mintToken(t, "client-1", auth.RoleClient)
	doerTok := mintToken(t, "doer-1", auth.RoleDoer)

	// Client creates the contract from an accepted proposal.
	w := doJSON(t, srv, "POST", "/v1/contracts", clientTok, map[string]interface{}{
		"jobId":    "job-1",
		"clientId": "client-1",
		"doerId":   "doer-1",
		"price":    "500000",
		"currency": "UZS",
		"isEscrow": true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	contract := decode(t, w)["contract"].(map[string]interface{})
	contractID := contract["id"].(string)
	require.NotEmpty(t, contractID)

	// Client initiates the escrow payment; the mock gateway issues an order.
	w = doJSON(t, srv, "POST", "/v1/payments", clientTok, map[string]interface{}{
		"contractId":    contractID,
		"payerId":       "client-1",
		"recipientId":   "doer-1",
		"localAmount":   "500000",
		"localCurrency": "UZS",
		"isEscrow":      true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	payment := decode(t, w)["payment"].(map[string]interface{})
	paymentID := payment["id"].(string)
	orderID := payment["gatewayOrderId"].(string)
	require.NotEmpty(t, orderID)
	assert.Equal(t, "pending", payment["status"])
	assert.Equal(t, "USD", payment["currency"])

	// Payer approved at the gateway; capture moves funds into escrow and
	// mirrors onto the contract, opening it for acceptance.
	w = doJSON(t, srv, "POST", "/v1/payments/capture", clientTok, map[string]interface{}{
		"orderId": orderID,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	payment = decode(t, w)["payment"].(map[string]interface{})
	assert.Equal(t, "held_escrow", payment["status"])

	// Doer accepts the now-funded contract.
	w = doJSON(t, srv, "POST", "/v1/contracts/"+contractID+"/accept", doerTok, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, srv, "POST", "/v1/contracts/"+contractID+"/activate", clientTok, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	contract = decode(t, w)["contract"].(map[string]interface{})
	assert.Equal(t, "active", contract["status"])

	// Client completes; escrow releases to the doer.
	w = doJSON(t, srv, "POST", "/v1/contracts/"+contractID+"/complete", clientTok, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	contract = decode(t, w)["contract"].(map[string]interface{})
	assert.Equal(t, "completed", contract["status"])

	w = doJSON(t, srv, "GET", "/v1/payments/"+paymentID, clientTok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	payment = decode(t, w)["payment"].(map[string]interface{})
	assert.Equal(t, "completed", payment["status"])
}

func TestStrangerCannotReadPayment(t *testing.T) {
	srv := newTestServer(t)

	clientTok := mintToken(t, "client-1", auth.RoleClient)

	w := doJSON(t, srv, "POST", "/v1/payments", clientTok, map[string]interface{}{
		"payerId":       "client-1",
		"jobId":         "job-fee",
		"localAmount":   "10000",
		"localCurrency": "UZS",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	paymentID := decode(t, w)["payment"].(map[string]interface{})["id"].(string)

	w = doJSON(t, srv, "GET", "/v1/payments/"+paymentID, mintToken(t, "stranger", auth.RoleDoer), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// An arbiter can read any payment.
	w = doJSON(t, srv, "GET", "/v1/payments/"+paymentID, mintToken(t, "arb-1", auth.RoleArbiter), nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
