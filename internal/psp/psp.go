// Package psp defines the Payment Service Provider boundary: the client
// interface each provider variant implements, the error taxonomy the router
// and retry engine classify on, and the priority-ordered failover router.
package psp

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrNoPSPAvailable is the synthetic failure when every provider was
// skipped or failed without a more specific retryable error to surface.
var ErrNoPSPAvailable = errors.New("psp: NO_PSP_AVAILABLE")

// ErrUnknownProvider means a payment references a PSP this router does not know.
var ErrUnknownProvider = errors.New("psp: unknown provider")

// Error is a classified provider failure. Declines are issuer decisions and
// are neither retried nor failed over; retryable errors move to the next
// provider; terminal errors advance without retry.
type Error struct {
	Code      string
	Message   string
	retryable bool
	declined  bool
}

func (e *Error) Error() string {
	return "psp: " + e.Code + ": " + e.Message
}

// Retryable feeds the retry engine's classification.
func (e *Error) Retryable() bool { return e.retryable }

// Declined reports an issuer decline.
func (e *Error) Declined() bool { return e.declined }

// NewDecline builds an issuer-decline error.
func NewDecline(code, message string) *Error {
	return &Error{Code: code, Message: message, declined: true}
}

// NewTransient builds a retryable provider error (timeouts, 5xx, transport).
func NewTransient(code, message string) *Error {
	return &Error{Code: code, Message: message, retryable: true}
}

// NewTerminal builds a non-retryable provider error that is not a decline.
func NewTerminal(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// IsDecline reports whether err is an issuer decline.
func IsDecline(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.declined
}

// AuthRequest carries everything a provider needs to authorize a payment.
// Only the token travels here; the PAN stays behind the tokenization
// boundary.
type AuthRequest struct {
	TransactionID string
	MerchantID    string
	CardToken     string
	Amount        decimal.Decimal
	Currency      string
	// CAVV and ECI are present when 3-D Secure authentication succeeded;
	// forwarding them shifts chargeback liability to the issuer.
	CAVV string
	ECI  string
}

// AuthResult is a successful authorization.
type AuthResult struct {
	Provider         string
	PSPTransactionID string
	ApprovalCode     string
}

// Client is one provider variant (STRIPE, ADYEN, ...).
type Client interface {
	Name() string
	Authorize(ctx context.Context, req AuthRequest) (*AuthResult, error)
	Capture(ctx context.Context, pspTxnID string, amount decimal.Decimal, currency string) error
	Void(ctx context.Context, pspTxnID string) error
	Refund(ctx context.Context, pspTxnID string, amount decimal.Decimal, currency string) (refundRef string, err error)
}
