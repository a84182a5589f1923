// Package events is the payment event pipeline: a validated envelope, an
// in-process bus for tests and SSE-style fan-out, a Pub/Sub publisher with
// per-payment ordering, and an idempotent consumer.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/acquira/gateway/internal/ids"
)

// Type enumerates the events the gateway emits.
type Type string

const (
	TypePaymentCreated    Type = "payment.created"
	TypePaymentAuthorized Type = "payment.authorized"
	TypePaymentCaptured   Type = "payment.captured"
	TypePaymentCancelled  Type = "payment.cancelled"
	TypePaymentRefunded   Type = "payment.refunded"
	TypePaymentFailed     Type = "payment.failed"
	TypeFraudReview       Type = "fraud.review_required"
)

var knownTypes = map[Type]bool{
	TypePaymentCreated:    true,
	TypePaymentAuthorized: true,
	TypePaymentCaptured:   true,
	TypePaymentCancelled:  true,
	TypePaymentRefunded:   true,
	TypePaymentFailed:     true,
	TypeFraudReview:       true,
}

// SchemaVersion is bumped when the envelope shape changes incompatibly.
const SchemaVersion = 1

// Event is the envelope every published message carries. PaymentID doubles
// as the ordering key so consumers see each payment's history in order.
type Event struct {
	ID            string                 `json:"event_id"`
	Type          Type                   `json:"event_type"`
	SchemaVersion int                    `json:"schema_version"`
	PaymentID     string                 `json:"payment_id"`
	MerchantID    string                 `json:"merchant_id,omitempty"`
	OccurredAt    time.Time              `json:"occurred_at"`
	Data          map[string]interface{} `json:"data"`
}

// New builds a validated-shape envelope with a fresh evt_ id.
func New(typ Type, paymentID, merchantID string, data map[string]interface{}) *Event {
	if data == nil {
		data = map[string]interface{}{}
	}
	return &Event{
		ID:            ids.Event(),
		Type:          typ,
		SchemaVersion: SchemaVersion,
		PaymentID:     paymentID,
		MerchantID:    merchantID,
		OccurredAt:    time.Now().UTC(),
		Data:          data,
	}
}

var ErrInvalidEvent = errors.New("events: INVALID_EVENT")

// Validate enforces the envelope schema before anything reaches the wire.
func (e *Event) Validate() error {
	switch {
	case e == nil:
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	case !strings.HasPrefix(e.ID, "evt_"):
		return fmt.Errorf("%w: event_id %q", ErrInvalidEvent, e.ID)
	case !knownTypes[e.Type]:
		return fmt.Errorf("%w: unknown event_type %q", ErrInvalidEvent, e.Type)
	case e.SchemaVersion != SchemaVersion:
		return fmt.Errorf("%w: schema_version %d", ErrInvalidEvent, e.SchemaVersion)
	case e.PaymentID == "":
		return fmt.Errorf("%w: missing payment_id", ErrInvalidEvent)
	case e.OccurredAt.IsZero():
		return fmt.Errorf("%w: missing occurred_at", ErrInvalidEvent)
	case e.Data == nil:
		return fmt.Errorf("%w: missing data", ErrInvalidEvent)
	}
	return nil
}

// JSON serializes the envelope.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses and validates a wire payload.
func Decode(raw []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
