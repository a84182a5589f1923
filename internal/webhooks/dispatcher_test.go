package webhooks

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acquira/gateway/internal/events"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *Registry, *MemoryDeliveryStore) {
	t.Helper()
	reg := NewRegistry()
	store := NewMemoryDeliveryStore()
	return NewDispatcher(reg, store), reg, store
}

func register(t *testing.T, reg *Registry, url string, types ...events.Type) *Endpoint {
	t.Helper()
	if len(types) == 0 {
		types = []events.Type{events.TypePaymentCaptured}
	}
	ep := &Endpoint{MerchantID: "mer_1", URL: url, Secret: "whsec_test", Events: types}
	require.NoError(t, reg.Register(ep))
	return ep
}

func TestRetryDelay_Schedule(t *testing.T) {
	assert.Equal(t, 60*time.Second, RetryDelay(1))
	assert.Equal(t, 120*time.Second, RetryDelay(2))
	assert.Equal(t, 240*time.Second, RetryDelay(3))
	assert.Equal(t, 480*time.Second, RetryDelay(4))
	assert.Equal(t, time.Hour, RetryDelay(8), "delay is capped at one hour")
}

func TestEnqueue_DeliversSignedPayload(t *testing.T) {
	var gotSig, gotType, gotID, gotAttempt string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Webhook-Signature")
		gotType = r.Header.Get("X-Webhook-Event-Type")
		gotID = r.Header.Get("X-Webhook-Delivery-Id")
		gotAttempt = r.Header.Get("X-Webhook-Attempt")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, reg, store := newTestDispatcher(t)
	register(t, reg, srv.URL)
	ctx := context.Background()

	e := events.New(events.TypePaymentCaptured, "pay_1", "mer_1", map[string]interface{}{"amount": "10.00"})
	require.NoError(t, d.Enqueue(ctx, e))

	assert.Equal(t, string(events.TypePaymentCaptured), gotType)
	assert.Regexp(t, `^whd_`, gotID)
	assert.Equal(t, "1", gotAttempt)
	assert.True(t, VerifySignature(gotBody, "whsec_test", gotSig), "signature must verify over the exact body")

	del, err := store.Get(ctx, gotID)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, del.Status)
	assert.NotNil(t, del.DeliveredAt)
}

func TestEnqueue_OnlyMatchingEndpoints(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, reg, _ := newTestDispatcher(t)
	register(t, reg, srv.URL, events.TypePaymentCaptured)
	// Different merchant and different event type both stay silent.
	other := &Endpoint{MerchantID: "mer_other", URL: srv.URL, Secret: "s", Events: []events.Type{events.TypePaymentCaptured}}
	require.NoError(t, reg.Register(other))
	register(t, reg, srv.URL, events.TypePaymentFailed)

	e := events.New(events.TypePaymentCaptured, "pay_1", "mer_1", nil)
	require.NoError(t, d.Enqueue(context.Background(), e))
	assert.Equal(t, int32(1), calls.Load())
}

func TestFailedDeliveryIsScheduledForRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d, reg, store := newTestDispatcher(t)
	register(t, reg, srv.URL)
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return base }

	e := events.New(events.TypePaymentCaptured, "pay_1", "mer_1", nil)
	require.NoError(t, d.Enqueue(ctx, e))

	due, err := store.Due(ctx, base.Add(61*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].Attempts)
	assert.Equal(t, base.Add(60*time.Second), due[0].NextAttemptAt)
	assert.Contains(t, due[0].LastError, "500")

	// Not due a second early.
	early, err := store.Due(ctx, base.Add(59*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, early)
}

func TestSweep_RetriesUntilExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d, reg, store := newTestDispatcher(t)
	register(t, reg, srv.URL)
	ctx := context.Background()

	at := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return at }

	e := events.New(events.TypePaymentCaptured, "pay_1", "mer_1", nil)
	require.NoError(t, d.Enqueue(ctx, e))

	for i := 0; i < MaxAttempts; i++ {
		at = at.Add(2 * time.Hour) // past any backoff
		require.NoError(t, d.Sweep(ctx))
	}

	assert.Equal(t, int32(MaxAttempts), calls.Load(), "no attempts past the budget")

	due, err := store.Due(ctx, at.Add(24*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "exhausted deliveries never come due again")
}

func TestSweep_RecoveredEndpointDelivers(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusNoContent)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	d, reg, store := newTestDispatcher(t)
	register(t, reg, srv.URL)
	ctx := context.Background()

	at := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return at }

	e := events.New(events.TypePaymentCaptured, "pay_1", "mer_1", nil)
	require.NoError(t, d.Enqueue(ctx, e))

	healthy.Store(true)
	at = at.Add(90 * time.Second)
	require.NoError(t, d.Sweep(ctx))

	due, err := store.Due(ctx, at.Add(24*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestRegistry_DisablesEndpointAfterRepeatedFailures(t *testing.T) {
	reg := NewRegistry()
	ep := &Endpoint{MerchantID: "mer_1", URL: "https://example.test/hook", Secret: "s",
		Events: []events.Type{events.TypePaymentCaptured}}
	require.NoError(t, reg.Register(ep))

	for i := 0; i < disableAfterFailures; i++ {
		reg.MarkFailed(ep.ID)
	}
	assert.Empty(t, reg.Matching("mer_1", events.TypePaymentCaptured))
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"event_id":"evt_x"}`)
	sig := SignPayload(payload, "whsec_abc")
	assert.True(t, VerifySignature(payload, "whsec_abc", sig))
	assert.False(t, VerifySignature(payload, "whsec_other", sig))
	assert.False(t, VerifySignature([]byte(`{"event_id":"evt_y"}`), "whsec_abc", sig))
}
