package fx

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// StaticProvider serves rates from a fixed table keyed "FROM/TO". It stands
// in for a market-data feed in local and test deployments; unknown pairs are
// tried through the inverse before giving up.
func StaticProvider(table map[string]string) RateProviderFunc {
	rates := make(map[string]decimal.Decimal, len(table))
	for pair, rate := range table {
		rates[pair] = decimal.RequireFromString(rate)
	}
	return func(_ context.Context, from, to string) (decimal.Decimal, error) {
		if r, ok := rates[from+"/"+to]; ok {
			return r, nil
		}
		if r, ok := rates[to+"/"+from]; ok && !r.IsZero() {
			return decimal.NewFromInt(1).DivRound(r, 8), nil
		}
		return decimal.Zero, fmt.Errorf("fx: no rate for %s/%s: %w", from, to, ErrRateUnavailable)
	}
}

// DefaultRates covers the majors for local runs.
func DefaultRates() map[string]string {
	return map[string]string{
		"USD/EUR": "0.920000",
		"USD/GBP": "0.790000",
		"USD/JPY": "148.500000",
		"EUR/GBP": "0.858700",
		"USD/CAD": "1.360000",
		"USD/AUD": "1.520000",
	}
}
