package sdk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Payment statuses returned by the gateway.
const (
	StatusPending         = "PENDING"
	StatusAuthorized      = "AUTHORIZED"
	StatusCaptured        = "CAPTURED"
	StatusRefundedPartial = "REFUNDED_PARTIAL"
	StatusRefunded        = "REFUNDED"
	StatusCancelled       = "CANCELLED"
	StatusFailed          = "FAILED"
)

// Card holds the raw card data sent on an authorization. The gateway
// tokenizes it immediately; it never appears in any response.
type Card struct {
	Number   string `json:"number"`
	ExpMonth int    `json:"exp_month"`
	ExpYear  int    `json:"exp_year"`
	CVV      string `json:"cvv"`
}

// BillingAddress is the cardholder billing address.
type BillingAddress struct {
	Street  string `json:"street"`
	City    string `json:"city"`
	State   string `json:"state"`
	Zip     string `json:"zip"`
	Country string `json:"country"`
}

// PaymentRequest is the body of an authorization call.
type PaymentRequest struct {
	// Amount is a decimal string with at most two fraction digits, e.g. "49.99".
	Amount      string         `json:"amount"`
	Currency    string         `json:"currency"`
	Card        Card           `json:"card"`
	Billing     BillingAddress `json:"billing_address"`
	Description string         `json:"description,omitempty"`
	ReferenceID string         `json:"reference_id,omitempty"`
	IPCountry   string         `json:"ip_country,omitempty"`
	DeviceID    string         `json:"device_id,omitempty"`

	// ThreeDSSessionID resubmits an authorization after the cardholder
	// completed the challenge for the session returned in a
	// ChallengeRequiredError.
	ThreeDSSessionID string `json:"three_ds_session_id,omitempty"`
}

// Payment is the gateway's view of a payment.
type Payment struct {
	ID             string          `json:"payment_id"`
	MerchantID     string          `json:"merchant_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Status         string          `json:"status"`
	CardLastFour   string          `json:"card_last_four"`
	CardBrand      string          `json:"card_brand"`
	PSPTxnID       string          `json:"psp_transaction_id,omitempty"`
	FraudScore     float64         `json:"fraud_score"`
	FraudDecision  string          `json:"fraud_decision,omitempty"`
	ThreeDSStatus  string          `json:"three_ds_status,omitempty"`
	Description    string          `json:"description,omitempty"`
	ReferenceID    string          `json:"reference_id,omitempty"`
	CapturedAmount decimal.Decimal `json:"captured_amount"`
	RefundedAmount decimal.Decimal `json:"refunded_amount"`
	FeeAmount      decimal.Decimal `json:"fee_amount"`
	NetSettlement  decimal.Decimal `json:"net_settlement"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	AuthorizedAt   *time.Time      `json:"authorized_at,omitempty"`
	CapturedAt     *time.Time      `json:"captured_at,omitempty"`
}

// Refund is one refund against a captured payment.
type Refund struct {
	ID        string          `json:"refund_id"`
	PaymentID string          `json:"payment_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// RefundResult pairs the refund with the payment state after it.
type RefundResult struct {
	Payment *Payment `json:"payment"`
	Refund  *Refund  `json:"refund"`
}

// PaymentEvent is one entry of a payment's audit trail.
type PaymentEvent struct {
	ID         int64           `json:"id"`
	PaymentID  string          `json:"payment_id"`
	Kind       string          `json:"kind"`
	StateAfter string          `json:"state_after"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	CreatedAt  time.Time       `json:"created_at"`
}

// PaymentList is one page of payments.
type PaymentList struct {
	Payments []*Payment `json:"payments"`
	Limit    int        `json:"limit"`
	Offset   int        `json:"offset"`
}

// ThreeDSSession is the state of a 3-D Secure challenge session.
type ThreeDSSession struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transaction_id"`
	Status        string    `json:"status"`
	ChallengeURL  string    `json:"challenge_url,omitempty"`
	CAVV          string    `json:"cavv,omitempty"`
	ECI           string    `json:"eci,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// WebhookEndpoint is a registered webhook destination. The signing secret is
// write-only and never echoed back.
type WebhookEndpoint struct {
	ID         string    `json:"id"`
	MerchantID string    `json:"merchant_id"`
	URL        string    `json:"url"`
	Events     []string  `json:"events"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	FailCount  int       `json:"fail_count"`
}

// WebhookRequest registers a new endpoint.
type WebhookRequest struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret"`
	Events []string `json:"events"`
}

// FXQuote is an indicative currency conversion.
type FXQuote struct {
	Amount decimal.Decimal `json:"amount"`
	Rate   decimal.Decimal `json:"rate"`
	From   string          `json:"from"`
	To     string          `json:"to"`
	Stale  bool            `json:"stale"`
}

// APIError is a non-2xx gateway response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway: %s (%s, http %d)", e.Message, e.Code, e.Status)
}

// ChallengeRequiredError means the authorization needs 3-D Secure. Direct the
// cardholder to ChallengeURL, then resubmit the same PaymentRequest with
// ThreeDSSessionID set.
type ChallengeRequiredError struct {
	SessionID    string
	ChallengeURL string
	Message      string
}

func (e *ChallengeRequiredError) Error() string {
	return fmt.Sprintf("gateway: 3-D Secure challenge required (session %s)", e.SessionID)
}
