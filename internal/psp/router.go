package psp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/acquira/gateway/internal/config"
	"github.com/acquira/gateway/internal/metrics"
	"github.com/acquira/gateway/internal/retry"
)

// Router selects a provider by ascending priority and fails over on
// retryable and terminal provider errors. Issuer declines return immediately:
// a decline from one issuer is a decision, not an outage, and must not be
// re-tried against another provider.
type Router struct {
	clients map[string]Client
	routes  []config.PSPEntry
	engine  *retry.Engine
	timeout time.Duration
}

// NewRouter wires the router with the configured priority list. Entries are
// sorted by ascending priority once here.
func NewRouter(clients []Client, routes []config.PSPEntry, engine *retry.Engine, callTimeout time.Duration) *Router {
	byName := make(map[string]Client, len(clients))
	for _, c := range clients {
		byName[c.Name()] = c
	}
	sorted := make([]config.PSPEntry, len(routes))
	copy(sorted, routes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return &Router{clients: byName, routes: sorted, engine: engine, timeout: callTimeout}
}

// Authorize walks the priority list. Providers with an open circuit are
// skipped without consuming attempts. The last retryable error is surfaced
// when everything fails; ErrNoPSPAvailable when nothing was even reachable.
func (r *Router) Authorize(ctx context.Context, req AuthRequest) (*AuthResult, error) {
	var lastRetryable error

	for _, route := range r.routes {
		client, ok := r.clients[route.Name]
		if !ok {
			slog.Warn("configured psp has no client", "psp", route.Name)
			continue
		}

		if r.engine.Breakers().Get(route.Name).State() == retry.StateOpen {
			slog.Info("skipping psp with open circuit", "psp", route.Name,
				"transaction_id", req.TransactionID)
			continue
		}

		var result *AuthResult
		err := r.engine.Execute(ctx, retry.Task{
			TransactionID: req.TransactionID,
			PSP:           route.Name,
		}, func(ctx context.Context) error {
			callCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			start := time.Now()
			res, err := client.Authorize(callCtx, req)
			metrics.ObservePSP(route.Name, callOutcome(err), time.Since(start))
			if err != nil {
				return err
			}
			result = res
			return nil
		})
		if err == nil {
			return result, nil
		}

		if IsDecline(err) {
			return nil, err
		}
		if retry.IsRetryable(err) {
			lastRetryable = err
		}
		// Terminal provider errors also advance to the next PSP.
		slog.Warn("psp failed, advancing", "psp", route.Name,
			"transaction_id", req.TransactionID, "error", err.Error())
	}

	if lastRetryable != nil {
		return nil, lastRetryable
	}
	return nil, ErrNoPSPAvailable
}

// Capture routes a capture back to the provider that issued the original
// authorization.
func (r *Router) Capture(ctx context.Context, provider, pspTxnID string, amount decimal.Decimal, currency string) error {
	client, err := r.client(provider)
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return client.Capture(callCtx, pspTxnID, amount, currency)
}

// Void routes a void to the originating provider.
func (r *Router) Void(ctx context.Context, provider, pspTxnID string) error {
	client, err := r.client(provider)
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return client.Void(callCtx, pspTxnID)
}

// Refund routes a refund to the originating provider.
func (r *Router) Refund(ctx context.Context, provider, pspTxnID string, amount decimal.Decimal, currency string) (string, error) {
	client, err := r.client(provider)
	if err != nil {
		return "", err
	}
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return client.Refund(callCtx, pspTxnID, amount, currency)
}

func callOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsDecline(err):
		return "declined"
	default:
		return "error"
	}
}

func (r *Router) client(provider string) (Client, error) {
	client, ok := r.clients[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	return client, nil
}
