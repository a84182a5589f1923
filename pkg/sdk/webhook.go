package sdk

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"time"
)

// WebhookEvent is the payload of a webhook delivery.
type WebhookEvent struct {
	ID            string                 `json:"event_id"`
	Type          string                 `json:"event_type"`
	SchemaVersion int                    `json:"schema_version"`
	PaymentID     string                 `json:"payment_id"`
	MerchantID    string                 `json:"merchant_id,omitempty"`
	OccurredAt    time.Time              `json:"occurred_at"`
	Data          map[string]interface{} `json:"data"`
}

// SignPayload computes the base64 HMAC-SHA256 signature the gateway sends in
// the X-Webhook-Signature header.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a delivery signature in constant time. The payload
// must be the raw request body, byte for byte.
func VerifySignature(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}

// ParseWebhook verifies and decodes an incoming delivery. It reads the
// request body, checks X-Webhook-Signature against the endpoint secret and
// unmarshals the event.
func ParseWebhook(r *http.Request, secret string) (*WebhookEvent, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if !VerifySignature(body, secret, r.Header.Get("X-Webhook-Signature")) {
		return nil, ErrBadSignature
	}
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// ErrBadSignature means the delivery signature did not match the secret.
var ErrBadSignature = &APIError{Status: http.StatusUnauthorized, Code: "BAD_SIGNATURE",
	Message: "webhook signature verification failed"}

// WebhookHandler wraps a merchant-side handler with signature verification.
// Unverifiable deliveries get a 401 so the gateway retries them; handler
// errors get a 500 for the same reason.
//
//	http.Handle("/hooks/gateway", sdk.WebhookHandler(secret,
//	    func(ev *sdk.WebhookEvent) error {
//	        log.Printf("%s for %s", ev.Type, ev.PaymentID)
//	        return nil
//	    }))
func WebhookHandler(secret string, handler func(*WebhookEvent) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ev, err := ParseWebhook(r, secret)
		if err != nil {
			http.Error(w, "signature verification failed", http.StatusUnauthorized)
			return
		}
		if err := handler(ev); err != nil {
			http.Error(w, "handler failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}
