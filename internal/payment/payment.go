// Package payment owns the payment aggregate: its state machine, its
// append-only event history, and the authorization saga that drives a
// payment from PENDING to AUTHORIZED.
package payment

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the payment lifecycle state.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusAuthorized      Status = "AUTHORIZED"
	StatusCaptured        Status = "CAPTURED"
	StatusCancelled       Status = "CANCELLED"
	StatusFailed          Status = "FAILED"
	StatusRefundedPartial Status = "REFUNDED_PARTIAL"
	StatusRefunded        Status = "REFUNDED"
)

// transitions is the authoritative FSM. REFUNDED_PARTIAL may repeat while
// cumulative refunds stay below the captured amount.
var transitions = map[Status][]Status{
	StatusPending:         {StatusAuthorized, StatusFailed, StatusCancelled},
	StatusAuthorized:      {StatusCaptured, StatusCancelled},
	StatusCaptured:        {StatusRefundedPartial, StatusRefunded},
	StatusRefundedPartial: {StatusRefundedPartial, StatusRefunded},
}

// ThreeDSStatus on the payment.
type ThreeDSStatus string

const (
	ThreeDSAuthenticated ThreeDSStatus = "AUTHENTICATED"
	ThreeDSNotEnrolled   ThreeDSStatus = "NOT_ENROLLED"
	ThreeDSFailed        ThreeDSStatus = "FAILED"
	ThreeDSUnavailable   ThreeDSStatus = "UNAVAILABLE"
)

// BillingAddress travels with the authorization for AVS and geo checks.
type BillingAddress struct {
	Street  string `json:"street"`
	City    string `json:"city"`
	State   string `json:"state"`
	Zip     string `json:"zip"`
	Country string `json:"country"`
}

// Payment is the primary aggregate. Amounts are fixed-point decimals at
// scale 2; Fee and NetSettlement are maintained so that
// refunded + fee + net == captured holds exactly.
type Payment struct {
	ID             string          `json:"payment_id"`
	MerchantID     string          `json:"merchant_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Status         Status          `json:"status"`
	CardTokenID    string          `json:"-"`
	CardLastFour   string          `json:"card_last_four"`
	CardBrand      string          `json:"card_brand"`
	PSPProvider    string          `json:"-"`
	PSPTxnID       string          `json:"psp_transaction_id,omitempty"`
	FraudScore     float64         `json:"fraud_score"`
	FraudDecision  string          `json:"fraud_decision,omitempty"`
	ThreeDSStatus  ThreeDSStatus   `json:"three_ds_status,omitempty"`
	CAVV           string          `json:"-"`
	ECI            string          `json:"-"`
	Description    string          `json:"description,omitempty"`
	ReferenceID    string          `json:"reference_id,omitempty"`
	Billing        BillingAddress  `json:"-"`
	CapturedAmount decimal.Decimal `json:"captured_amount"`
	RefundedAmount decimal.Decimal `json:"refunded_amount"`
	FeeAmount      decimal.Decimal `json:"fee_amount"`
	NetSettlement  decimal.Decimal `json:"net_settlement"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	AuthorizedAt   *time.Time      `json:"authorized_at,omitempty"`
	CapturedAt     *time.Time      `json:"captured_at,omitempty"`
	UpdatedAt      time.Time       `json:"-"`
}

var (
	ErrNotFound = errors.New("payment: NOT_FOUND")
)

// ConflictError reports an FSM-illegal transition; the API maps it to 409.
type ConflictError struct {
	PaymentID string
	From, To  Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("payment: illegal transition %s -> %s for %s", e.From, e.To, e.PaymentID)
}

// Transition moves the payment to next, or returns a ConflictError.
func (p *Payment) Transition(next Status) error {
	for _, allowed := range transitions[p.Status] {
		if allowed == next {
			p.Status = next
			return nil
		}
	}
	return &ConflictError{PaymentID: p.ID, From: p.Status, To: next}
}

// CanTransition reports whether next is reachable without mutating.
func (p *Payment) CanTransition(next Status) bool {
	for _, allowed := range transitions[p.Status] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions exist.
func (p *Payment) Terminal() bool {
	return len(transitions[p.Status]) == 0
}

// feeRate and feeFixed approximate the acquiring fee schedule applied at
// capture time.
var (
	feeRate  = decimal.RequireFromString("0.029")
	feeFixed = decimal.RequireFromString("0.30")
)

// ApplyCapture records the captured amount and derives fee and net
// settlement at scale 2.
func (p *Payment) ApplyCapture(amount decimal.Decimal, at time.Time) error {
	if err := p.Transition(StatusCaptured); err != nil {
		return err
	}
	p.CapturedAmount = amount
	p.FeeAmount = amount.Mul(feeRate).Round(2).Add(feeFixed)
	p.NetSettlement = p.CapturedAmount.Sub(p.FeeAmount).Sub(p.RefundedAmount)
	p.CapturedAt = &at
	return nil
}

// ApplyRefund adds a refund, keeping refunded + fee + net == captured exact
// and choosing REFUNDED vs REFUNDED_PARTIAL by the cumulative total.
func (p *Payment) ApplyRefund(amount decimal.Decimal) error {
	total := p.RefundedAmount.Add(amount)
	next := StatusRefundedPartial
	if total.Equal(p.CapturedAmount) {
		next = StatusRefunded
	}
	if err := p.Transition(next); err != nil {
		return err
	}
	p.RefundedAmount = total
	p.NetSettlement = p.CapturedAmount.Sub(p.FeeAmount).Sub(p.RefundedAmount)
	return nil
}

// EventKind labels the append-only audit records.
type EventKind string

const (
	EventSagaStarted     EventKind = "SAGA_STARTED"
	EventSagaCompensated EventKind = "SAGA_COMPENSATED"
	EventCreated         EventKind = "PAYMENT_CREATED"
	EventAuthorized      EventKind = "PAYMENT_AUTHORIZED"
	EventDeclined        EventKind = "PAYMENT_DECLINED"
	EventCaptured        EventKind = "PAYMENT_CAPTURED"
	EventCancelled       EventKind = "PAYMENT_CANCELLED"
	EventRefunded        EventKind = "PAYMENT_REFUNDED"
	EventFailed          EventKind = "PAYMENT_FAILED"
)

// Event is one immutable audit record for a payment.
type Event struct {
	ID         int64           `json:"id"`
	PaymentID  string          `json:"payment_id"`
	Kind       EventKind       `json:"kind"`
	StateAfter Status          `json:"state_after"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	CreatedAt  time.Time       `json:"created_at"`
}

// RefundStatus for refund records.
type RefundStatus string

const (
	RefundSucceeded RefundStatus = "SUCCEEDED"
)

// Refund is one refund against a captured payment.
type Refund struct {
	ID        string          `json:"refund_id"`
	PaymentID string          `json:"payment_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Status    RefundStatus    `json:"status"`
	PSPRef    string          `json:"-"`
	CreatedAt time.Time       `json:"created_at"`
}
