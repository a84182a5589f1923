package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreatePayment(t *testing.T) {
	var gotKey, gotIdem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/payments", r.URL.Path)
		gotKey = r.Header.Get("X-Api-Key")
		gotIdem = r.Header.Get("X-Idempotency-Key")

		var req PaymentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "49.99", req.Amount)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"payment_id":     "pay_abc",
			"status":         StatusAuthorized,
			"amount":         "49.99",
			"currency":       "USD",
			"card_last_four": "0366",
		})
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, APIKey: "merch_1.sk_live_m1"})
	p, err := client.CreatePayment(context.Background(), "idem-1", PaymentRequest{
		Amount:   "49.99",
		Currency: "USD",
		Card:     Card{Number: "4532015112830366", ExpMonth: 12, ExpYear: 2030, CVV: "123"},
	})
	require.NoError(t, err)

	assert.Equal(t, "pay_abc", p.ID)
	assert.Equal(t, StatusAuthorized, p.Status)
	assert.Equal(t, "49.99", p.Amount.StringFixed(2))
	assert.Equal(t, "merch_1.sk_live_m1", gotKey)
	assert.Equal(t, "idem-1", gotIdem)
}

func TestCreatePaymentChallengeRequired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{
				"code":                "THREE_DS_CHALLENGE_REQUIRED",
				"message":             "cardholder authentication required",
				"three_ds_session_id": "3ds_xyz",
				"challenge_url":       "https://acs.example.com/c/3ds_xyz",
			},
		})
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, APIKey: "merch_1.sk_live_m1"})
	_, err := client.CreatePayment(context.Background(), "idem-2", PaymentRequest{Amount: "10.00", Currency: "USD"})

	var challenge *ChallengeRequiredError
	require.ErrorAs(t, err, &challenge)
	assert.Equal(t, "3ds_xyz", challenge.SessionID)
	assert.Equal(t, "https://acs.example.com/c/3ds_xyz", challenge.ChallengeURL)
}

func TestAPIErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"code": "CARD_DECLINED", "message": "the issuer declined the payment"},
		})
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, APIKey: "merch_1.sk_live_m1"})
	_, err := client.Capture(context.Background(), "cap-1", "pay_abc", "")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	assert.Equal(t, "CARD_DECLINED", apiErr.Code)
}

func TestRefundSendsOptionalAmount(t *testing.T) {
	var gotBody map[string]string
	var gotIdem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/payments/pay_abc/refund", r.URL.Path)
		gotIdem = r.Header.Get("X-Idempotency-Key")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"payment": map[string]interface{}{"payment_id": "pay_abc", "status": StatusRefundedPartial},
			"refund":  map[string]interface{}{"refund_id": "ref_1", "amount": "5.00", "status": "SUCCEEDED"},
		})
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, APIKey: "merch_1.sk_live_m1"})
	res, err := client.Refund(context.Background(), "ref-1", "pay_abc", "5.00")
	require.NoError(t, err)

	assert.Equal(t, "ref-1", gotIdem)
	assert.Equal(t, map[string]string{"amount": "5.00"}, gotBody)
	assert.Equal(t, StatusRefundedPartial, res.Payment.Status)
	assert.Equal(t, "ref_1", res.Refund.ID)
}

func TestWebhookHandlerVerifiesSignature(t *testing.T) {
	payload := []byte(`{"event_id":"evt_1","event_type":"payment.captured","payment_id":"pay_abc","data":{}}`)
	secret := "whsec_test"

	var got *WebhookEvent
	h := WebhookHandler(secret, func(ev *WebhookEvent) error {
		got = ev
		return nil
	})

	req := httptest.NewRequest(http.MethodPost, "/hooks", bytes.NewReader(payload))
	req.Header.Set("X-Webhook-Signature", SignPayload(payload, secret))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "payment.captured", got.Type)
	assert.Equal(t, "pay_abc", got.PaymentID)

	// Tampered body must be rejected so the gateway retries.
	req = httptest.NewRequest(http.MethodPost, "/hooks", bytes.NewReader([]byte(`{"event_id":"evt_2"}`)))
	req.Header.Set("X-Webhook-Signature", SignPayload(payload, secret))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookHandlerHandlerError(t *testing.T) {
	payload := []byte(`{"event_id":"evt_1","event_type":"payment.failed","payment_id":"pay_x","data":{}}`)
	h := WebhookHandler("whsec_test", func(*WebhookEvent) error {
		return errors.New("db down")
	})

	req := httptest.NewRequest(http.MethodPost, "/hooks", bytes.NewReader(payload))
	req.Header.Set("X-Webhook-Signature", SignPayload(payload, "whsec_test"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
