package events

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doerly/settlement/internal/auth"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// noopValidator allows loopback URLs so deliveries can hit httptest servers.
func noopValidator(_ string) error { return nil }

func newTestDispatcher(store Store) *Dispatcher {
	d := NewDispatcher(store, testLogger())
	d.urlValidator = noopValidator
	return d
}

func TestMemoryStoreCRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sub := &Subscription{
		ID:        "sub_1",
		OwnerID:   "client-1",
		URL:       "https://example.com/hook",
		Secret:    "secret123",
		Events:    []EventType{EventPaymentCaptured},
		Active:    true,
		CreatedAt: time.Now(),
	}

	require.NoError(t, store.Create(ctx, sub))

	got, err := store.Get(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/hook", got.URL)

	sub.Active = false
	require.NoError(t, store.Update(ctx, sub))
	got, err = store.Get(ctx, "sub_1")
	require.NoError(t, err)
	assert.False(t, got.Active)

	require.NoError(t, store.Delete(ctx, "sub_1"))
	_, err = store.Get(ctx, "sub_1")
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
}

func TestMemoryStoreGetByOwner(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &Subscription{ID: "sub_1", OwnerID: "client-1", Events: []EventType{EventPaymentCaptured}}))
	require.NoError(t, store.Create(ctx, &Subscription{ID: "sub_2", OwnerID: "client-2", Events: []EventType{EventPaymentCaptured}}))
	require.NoError(t, store.Create(ctx, &Subscription{ID: "sub_3", OwnerID: "client-1", Events: []EventType{EventDisputeOpened}}))

	subs, err := store.GetByOwner(ctx, "client-1")
	require.NoError(t, err)
	assert.Len(t, subs, 2)
}

func TestMemoryStoreGetByEvent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &Subscription{ID: "sub_1", Events: []EventType{EventPaymentCaptured, EventEscrowReleased}}))
	require.NoError(t, store.Create(ctx, &Subscription{ID: "sub_2", Events: []EventType{EventDisputeOpened}}))
	require.NoError(t, store.Create(ctx, &Subscription{ID: "sub_3", Events: []EventType{EventPaymentCaptured}}))

	subs, err := store.GetByEvent(ctx, EventPaymentCaptured)
	require.NoError(t, err)
	assert.Len(t, subs, 2)
}

func TestSign(t *testing.T) {
	d := newTestDispatcher(NewMemoryStore())

	payload := []byte(`{"type":"payment.captured","data":{}}`)
	secret := "test_secret_key"

	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	expected := hex.EncodeToString(h.Sum(nil))

	assert.Equal(t, expected, d.sign(payload, secret))
	assert.NotEqual(t, d.sign(payload, "secret1"), d.sign(payload, "secret2"))
}

func TestDispatchSendsToSubscribers(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Subscription{
		ID:     "sub_1",
		URL:    server.URL,
		Events: []EventType{EventPaymentCaptured},
		Active: true,
	}))

	d := newTestDispatcher(store)
	require.NoError(t, d.Dispatch(ctx, &Event{
		ID:        "evt_1",
		Type:      EventPaymentCaptured,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"amount": "500.00"},
	}))

	assert.Eventually(t, func() bool { return received.Load() == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestDispatchSkipsInactiveSubscribers(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Subscription{
		ID:     "sub_1",
		URL:    server.URL,
		Events: []EventType{EventPaymentCaptured},
		Active: false,
	}))

	d := newTestDispatcher(store)
	require.NoError(t, d.Dispatch(ctx, &Event{Type: EventPaymentCaptured, Timestamp: time.Now()}))

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(0), received.Load())
}

func TestDispatchSignsAndLabelsDelivery(t *testing.T) {
	store := NewMemoryStore()

	var mu sync.Mutex
	var gotSig, gotEventType, gotTimestamp string
	var gotBody []byte
	secret := "sub_secret" //nolint:gosec // test credential

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotSig = r.Header.Get(SignatureHeader)
		gotEventType = r.Header.Get(EventHeader)
		gotTimestamp = r.Header.Get(TimestampHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Subscription{
		ID:     "sub_1",
		URL:    server.URL,
		Secret: secret,
		Events: []EventType{EventEscrowReleased},
		Active: true,
	}))

	d := newTestDispatcher(store)
	require.NoError(t, d.Dispatch(ctx, &Event{
		ID:        "evt_1",
		Type:      EventEscrowReleased,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"paymentId": "pay-1", "amount": "500.00"},
	}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotSig != ""
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	h := hmac.New(sha256.New, []byte(secret))
	h.Write(gotBody)
	assert.Equal(t, hex.EncodeToString(h.Sum(nil)), gotSig)
	assert.Equal(t, "escrow.released", gotEventType)
	assert.NotEmpty(t, gotTimestamp)

	var parsed Event
	require.NoError(t, json.Unmarshal(gotBody, &parsed))
	assert.Equal(t, EventEscrowReleased, parsed.Type)
	assert.Equal(t, "pay-1", parsed.Data["paymentId"])
}

func TestDispatchSuccessUpdatesSubscription(t *testing.T) {
	store := NewMemoryStore()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Subscription{
		ID:     "sub_1",
		URL:    server.URL,
		Events: []EventType{EventPaymentCaptured},
		Active: true,
	}))

	d := newTestDispatcher(store)
	require.NoError(t, d.Dispatch(ctx, &Event{Type: EventPaymentCaptured, Timestamp: time.Now()}))

	assert.Eventually(t, func() bool {
		sub, _ := store.Get(ctx, "sub_1")
		return sub.LastSuccess != nil
	}, 2*time.Second, 10*time.Millisecond)

	sub, err := store.Get(ctx, "sub_1")
	require.NoError(t, err)
	assert.Empty(t, sub.LastError)
	assert.Zero(t, sub.ConsecutiveFailures)
}

func TestDispatchErrorUpdatesSubscription(t *testing.T) {
	store := NewMemoryStore()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer server.Close()

	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Subscription{
		ID:     "sub_1",
		URL:    server.URL,
		Events: []EventType{EventPaymentCaptured},
		Active: true,
	}))

	d := newTestDispatcher(store)
	require.NoError(t, d.Dispatch(ctx, &Event{Type: EventPaymentCaptured, Timestamp: time.Now()}))

	assert.Eventually(t, func() bool {
		sub, _ := store.Get(ctx, "sub_1")
		return sub.LastError != ""
	}, 2*time.Second, 10*time.Millisecond)

	sub, err := store.Get(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "status 500", sub.LastError)
	assert.Equal(t, 1, sub.ConsecutiveFailures)
	assert.True(t, sub.Active)
}

func TestDispatchDeactivatesAfterRepeatedFailures(t *testing.T) {
	store := NewMemoryStore()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer server.Close()

	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Subscription{
		ID:     "sub_1",
		URL:    server.URL,
		Events: []EventType{EventPaymentCaptured},
		Active: true,
	}))

	d := newTestDispatcher(store)
	d.maxFailures = 2

	for i := 0; i < 2; i++ {
		require.NoError(t, d.Dispatch(ctx, &Event{Type: EventPaymentCaptured, Timestamp: time.Now()}))
		want := i + 1
		assert.Eventually(t, func() bool {
			sub, _ := store.Get(ctx, "sub_1")
			return sub.ConsecutiveFailures == want
		}, 2*time.Second, 10*time.Millisecond)
	}

	sub, err := store.Get(ctx, "sub_1")
	require.NoError(t, err)
	assert.False(t, sub.Active)
}

func TestDispatchBlocksUnsafeURL(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Subscription{
		ID:     "sub_1",
		URL:    "http://127.0.0.1:9/hook",
		Events: []EventType{EventPaymentCaptured},
		Active: true,
	}))

	// Default validator stays in place so the loopback target is refused.
	d := NewDispatcher(store, testLogger())
	require.NoError(t, d.Dispatch(ctx, &Event{Type: EventPaymentCaptured, Timestamp: time.Now()}))

	assert.Eventually(t, func() bool {
		sub, _ := store.Get(ctx, "sub_1")
		return sub.LastError != ""
	}, 2*time.Second, 10*time.Millisecond)

	sub, err := store.Get(ctx, "sub_1")
	require.NoError(t, err)
	assert.Contains(t, sub.LastError, "blocked URL")
}

func TestPublisherDelivers(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Subscription{
		ID:     "sub_1",
		URL:    server.URL,
		Events: []EventType{EventContractCompleted},
		Active: true,
	}))

	pub := NewPublisher(newTestDispatcher(store), testLogger())
	pub.Publish(ctx, "contract.completed", map[string]interface{}{"contractId": "ct-1"})

	assert.Eventually(t, func() bool { return received.Load() == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestPublisherNilSafe(t *testing.T) {
	var pub *Publisher
	pub.Publish(context.Background(), "payment.captured", nil)

	pub = NewPublisher(nil, testLogger())
	pub.Publish(context.Background(), "payment.captured", nil)
}

// ---------------------------------------------------------------------------
// Handler tests
// ---------------------------------------------------------------------------

func newSubscriptionRouter(store Store, userID string, role auth.Role) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	group := r.Group("/v1")
	group.Use(func(c *gin.Context) {
		c.Set(auth.CtxUserID, userID)
		c.Set(auth.CtxRole, string(role))
	})
	NewHandler(store).RegisterRoutes(group)
	return r
}

func TestCreateSubscriptionHandler(t *testing.T) {
	store := NewMemoryStore()
	r := newSubscriptionRouter(store, "client-1", auth.RoleClient)

	body := `{"url": "http://93.184.216.34/hook", "events": ["payment.captured", "dispute.opened"]}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/events/subscriptions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Subscription Subscription `json:"subscription"`
		Secret       string       `json:"secret"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Secret)
	assert.Equal(t, "client-1", resp.Subscription.OwnerID)
	assert.True(t, resp.Subscription.Active)

	stored, err := store.Get(context.Background(), resp.Subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, resp.Secret, stored.Secret)
	assert.Len(t, stored.Events, 2)
}

func TestCreateSubscriptionRejectsUnknownEvent(t *testing.T) {
	r := newSubscriptionRouter(NewMemoryStore(), "client-1", auth.RoleClient)

	body := `{"url": "http://93.184.216.34/hook", "events": ["payment.teleported"]}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/events/subscriptions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "unknown_event")
}

func TestCreateSubscriptionRejectsUnsafeURL(t *testing.T) {
	r := newSubscriptionRouter(NewMemoryStore(), "client-1", auth.RoleClient)

	body := `{"url": "http://localhost/hook", "events": ["payment.captured"]}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/events/subscriptions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_url")
}

func TestListSubscriptionsHandler(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Subscription{ID: "sub_1", OwnerID: "client-1", Secret: "s1", Events: []EventType{EventPaymentCaptured}}))
	require.NoError(t, store.Create(ctx, &Subscription{ID: "sub_2", OwnerID: "client-2", Secret: "s2", Events: []EventType{EventPaymentCaptured}}))

	r := newSubscriptionRouter(store, "client-1", auth.RoleClient)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/events/subscriptions", nil))

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Subscriptions []Subscription `json:"subscriptions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Subscriptions, 1)
	assert.Equal(t, "sub_1", resp.Subscriptions[0].ID)

	// Secrets never leave the server after creation.
	assert.NotContains(t, w.Body.String(), "s1")
}

func TestDeleteSubscriptionHandler(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Subscription{ID: "sub_1", OwnerID: "client-1", Events: []EventType{EventPaymentCaptured}}))

	// A stranger cannot delete someone else's subscription.
	r := newSubscriptionRouter(store, "client-2", auth.RoleClient)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("DELETE", "/v1/events/subscriptions/sub_1", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)

	// The owner can.
	r = newSubscriptionRouter(store, "client-1", auth.RoleClient)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("DELETE", "/v1/events/subscriptions/sub_1", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	_, err := store.Get(ctx, "sub_1")
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("DELETE", "/v1/events/subscriptions/sub_1", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
