// Package fx converts presentment amounts to settlement currency. Rates come
// from an external provider through a one-hour cache; when the provider is
// down a stale cached rate is used and flagged rather than failing the
// payment.
package fx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/acquira/gateway/internal/infra"
)

// RateTTL is how long a fetched rate is considered fresh.
const RateTTL = time.Hour

// staleRetention bounds how old a fallback rate may be.
const staleRetention = 24 * time.Hour

var (
	// ErrRateUnavailable means neither the provider nor the stale cache could
	// produce a rate.
	ErrRateUnavailable = errors.New("fx: RATE_UNAVAILABLE")
	ErrInvalidCurrency = errors.New("fx: INVALID_CURRENCY")
)

// RateProvider fetches the current mid-market rate for a currency pair.
type RateProvider interface {
	Rate(ctx context.Context, from, to string) (decimal.Decimal, error)
}

// RateProviderFunc adapts a function to RateProvider.
type RateProviderFunc func(ctx context.Context, from, to string) (decimal.Decimal, error)

func (f RateProviderFunc) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	return f(ctx, from, to)
}

// Conversion is the result of one currency conversion.
type Conversion struct {
	Amount decimal.Decimal `json:"amount"`
	Rate   decimal.Decimal `json:"rate"`
	From   string          `json:"from"`
	To     string          `json:"to"`
	// Stale marks conversions computed from an expired cached rate because
	// the provider was unreachable.
	Stale bool `json:"stale"`
}

// Service caches rates in the shared store.
type Service struct {
	kv       infra.KV
	provider RateProvider
	ttl      time.Duration
}

func NewService(kv infra.KV, provider RateProvider) *Service {
	return &Service{kv: kv, provider: provider, ttl: RateTTL}
}

// Convert converts amount from one ISO currency to another, rounding half-up
// to two decimal places. Same-currency conversions short-circuit at rate 1.
func (s *Service) Convert(ctx context.Context, amount decimal.Decimal, from, to string) (Conversion, error) {
	if len(from) != 3 || len(to) != 3 {
		return Conversion{}, fmt.Errorf("%w: %q -> %q", ErrInvalidCurrency, from, to)
	}
	if from == to {
		return Conversion{Amount: round(amount), Rate: decimal.NewFromInt(1), From: from, To: to}, nil
	}

	rate, stale, err := s.rate(ctx, from, to)
	if err != nil {
		return Conversion{}, err
	}
	return Conversion{
		Amount: round(amount.Mul(rate)),
		Rate:   rate,
		From:   from,
		To:     to,
		Stale:  stale,
	}, nil
}

// rate resolves cache -> provider -> stale cache, in that order.
func (s *Service) rate(ctx context.Context, from, to string) (decimal.Decimal, bool, error) {
	if raw, err := s.kv.Get(ctx, freshKey(from, to)); err == nil {
		if rate, perr := decimal.NewFromString(raw); perr == nil {
			return rate, false, nil
		}
	}

	rate, err := s.provider.Rate(ctx, from, to)
	if err == nil {
		raw := rate.String()
		if cerr := s.kv.Set(ctx, freshKey(from, to), raw, s.ttl); cerr != nil {
			slog.Warn("fx rate cache write failed", "pair", from+to, "error", cerr)
		}
		// The stale copy outlives the fresh one for provider outages.
		_ = s.kv.Set(ctx, staleKey(from, to), raw, staleRetention)
		return rate, false, nil
	}

	slog.Warn("fx provider unavailable, trying stale rate", "pair", from+to, "error", err)
	if raw, serr := s.kv.Get(ctx, staleKey(from, to)); serr == nil {
		if rate, perr := decimal.NewFromString(raw); perr == nil {
			return rate, true, nil
		}
	}
	return decimal.Decimal{}, false, fmt.Errorf("%w: %s->%s: %v", ErrRateUnavailable, from, to, err)
}

// round applies half-up rounding at two decimal places, matching scheme
// settlement files.
func round(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

func freshKey(from, to string) string { return "fx:rate:" + from + ":" + to }
func staleKey(from, to string) string { return "fx:stale:" + from + ":" + to }
