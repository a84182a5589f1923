package psp

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/acquira/gateway/internal/ids"
)

// SimulatedClient stands in for a real provider integration. Authorization
// outcomes are scriptable per transaction so router and saga behavior can be
// exercised deterministically; the default is approval.
//
// Real deployments swap this for gRPC/HTTP connector variants selected via
// configuration.
type SimulatedClient struct {
	name     string
	txPrefix string

	mu       sync.Mutex
	script   func(req AuthRequest) error
	captured map[string]decimal.Decimal
	voided   map[string]bool
	refunded map[string]decimal.Decimal
	authed   map[string]decimal.Decimal
}

// NewSimulatedClient creates a provider that approves everything until
// scripted otherwise. txPrefix becomes the PSP transaction id prefix, e.g.
// "stripe_" or "adyen_".
func NewSimulatedClient(name, txPrefix string) *SimulatedClient {
	return &SimulatedClient{
		name:     name,
		txPrefix: txPrefix,
		captured: make(map[string]decimal.Decimal),
		voided:   make(map[string]bool),
		refunded: make(map[string]decimal.Decimal),
		authed:   make(map[string]decimal.Decimal),
	}
}

// NewStripe returns the STRIPE variant.
func NewStripe() *SimulatedClient { return NewSimulatedClient("STRIPE", "stripe_") }

// NewAdyen returns the ADYEN variant.
func NewAdyen() *SimulatedClient { return NewSimulatedClient("ADYEN", "adyen_") }

// Script installs an authorization outcome function. A nil script restores
// unconditional approval.
func (c *SimulatedClient) Script(fn func(req AuthRequest) error) {
	c.mu.Lock()
	c.script = fn
	c.mu.Unlock()
}

func (c *SimulatedClient) Name() string { return c.name }

func (c *SimulatedClient) Authorize(ctx context.Context, req AuthRequest) (*AuthResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	script := c.script
	c.mu.Unlock()
	if script != nil {
		if err := script(req); err != nil {
			return nil, err
		}
	}

	txnID := c.txPrefix + ids.New("")
	c.mu.Lock()
	c.authed[txnID] = req.Amount
	c.mu.Unlock()

	return &AuthResult{
		Provider:         c.name,
		PSPTransactionID: txnID,
		ApprovalCode:     fmt.Sprintf("APPR-%s", req.TransactionID),
	}, nil
}

func (c *SimulatedClient) Capture(ctx context.Context, pspTxnID string, amount decimal.Decimal, currency string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	authed, ok := c.authed[pspTxnID]
	if !ok {
		return NewTerminal("UNKNOWN_TRANSACTION", "no such authorization: "+pspTxnID)
	}
	if c.voided[pspTxnID] {
		return NewTerminal("ALREADY_VOIDED", "authorization was voided")
	}
	if amount.GreaterThan(authed) {
		return NewTerminal("AMOUNT_EXCEEDS_AUTH", "capture exceeds authorized amount")
	}
	c.captured[pspTxnID] = amount
	return nil
}

func (c *SimulatedClient) Void(ctx context.Context, pspTxnID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.authed[pspTxnID]; !ok {
		return NewTerminal("UNKNOWN_TRANSACTION", "no such authorization: "+pspTxnID)
	}
	c.voided[pspTxnID] = true
	return nil
}

func (c *SimulatedClient) Refund(ctx context.Context, pspTxnID string, amount decimal.Decimal, currency string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	captured, ok := c.captured[pspTxnID]
	if !ok {
		return "", NewTerminal("NOT_CAPTURED", "refund requires a captured transaction")
	}
	already := c.refunded[pspTxnID]
	if already.Add(amount).GreaterThan(captured) {
		return "", NewTerminal("REFUND_EXCEEDS_CAPTURE", "cumulative refund exceeds captured amount")
	}
	c.refunded[pspTxnID] = already.Add(amount)
	return c.txPrefix + "rf_" + ids.New(""), nil
}

// Voided reports whether a transaction was voided. Test helper.
func (c *SimulatedClient) Voided(pspTxnID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.voided[pspTxnID]
}

// AuthCount returns the number of successful authorizations. Test helper.
func (c *SimulatedClient) AuthCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.authed)
}
