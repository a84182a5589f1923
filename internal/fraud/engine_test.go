package fraud

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acquira/gateway/internal/degrade"
	"github.com/acquira/gateway/internal/infra"
)

func cleanInput(id string) Input {
	return Input{
		TransactionID:  id,
		MerchantID:     "mer_1",
		CardHash:       "hash_" + id,
		Amount:         decimal.RequireFromString("49.99"),
		Currency:       "USD",
		IPAddress:      "198.51.100.7",
		IPCountry:      "US",
		BillingCountry: "US",
		DeviceID:       "dev_" + id,
	}
}

func zeroScorer() Scorer {
	return ScorerFunc(func(context.Context, Input) (float64, error) { return 0, nil })
}

func newTestEngine(t *testing.T, scorer Scorer) (*Engine, *infra.MemoryKV, *degrade.Controller) {
	t.Helper()
	kv := infra.NewMemoryKV()
	ctl := degrade.NewController()
	e := NewEngine(kv, scorer, ctl)
	// Pin clocks mid-bucket so velocity windows are deterministic.
	at := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	e.now = func() time.Time { return at }
	e.limiter.now = e.now
	kv.SetClock(e.now)
	return e, kv, ctl
}

func TestEvaluate_CleanTransaction(t *testing.T) {
	e, _, _ := newTestEngine(t, zeroScorer())

	out, err := e.Evaluate(context.Background(), cleanInput("tx1"))
	require.NoError(t, err)
	assert.Equal(t, DecisionClean, out.Decision)
	assert.Zero(t, out.Score)
	assert.False(t, out.Require3DS)
	assert.False(t, out.Fallback)
	assert.Empty(t, out.TriggeredRules)
}

func TestEvaluate_BlacklistedIPBlocks(t *testing.T) {
	e, kv, _ := newTestEngine(t, zeroScorer())
	require.NoError(t, kv.SAdd(context.Background(), "fraud:blacklist:ip", "198.51.100.7"))

	out, err := e.Evaluate(context.Background(), cleanInput("tx2"))
	require.NoError(t, err)
	assert.Equal(t, DecisionBlock, out.Decision)
	assert.Equal(t, 1.0, out.Score)
	assert.Equal(t, []string{RuleBlacklistHit}, out.TriggeredRules)
	assert.True(t, out.Require3DS)
}

func TestEvaluate_BlacklistedCardHashBlocks(t *testing.T) {
	e, kv, _ := newTestEngine(t, zeroScorer())
	in := cleanInput("tx3")
	require.NoError(t, kv.SAdd(context.Background(), "fraud:blacklist:card", in.CardHash))

	out, err := e.Evaluate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, DecisionBlock, out.Decision)
	assert.Equal(t, []string{RuleBlacklistHit}, out.TriggeredRules)
}

func TestEvaluate_CardVelocityLimitBlocks(t *testing.T) {
	e, _, _ := newTestEngine(t, zeroScorer())
	ctx := context.Background()

	in := cleanInput("tx4")
	for i := 0; i < CardLimitPerHour; i++ {
		in.TransactionID = fmt.Sprintf("tx4_%d", i)
		in.IPAddress = fmt.Sprintf("203.0.113.%d", i) // vary IP so only the card window fills
		out, err := e.Evaluate(ctx, in)
		require.NoError(t, err)
		require.NotEqual(t, DecisionBlock, out.Decision, "attempt %d should pass", i+1)
	}

	in.TransactionID = "tx4_over"
	out, err := e.Evaluate(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, DecisionBlock, out.Decision)
	assert.Equal(t, []string{RuleVelocityExceeded}, out.TriggeredRules)
	assert.True(t, out.Require3DS)
}

func TestVelocityLimiter_SlidingWindowWeighsPreviousBucket(t *testing.T) {
	kv := infra.NewMemoryKV()
	v := NewVelocityLimiter(kv)
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	at := base
	v.now = func() time.Time { return at }
	kv.SetClock(v.now)

	// Fill the first hour bucket to the limit.
	for i := 0; i < 10; i++ {
		ok, err := v.Allow(ctx, "card", "h", 10, time.Hour)
		require.NoError(t, err)
		require.True(t, ok)
	}

	// Shortly into the next bucket the previous one still counts at ~98%.
	at = base.Add(61 * time.Minute)
	ok, err := v.Allow(ctx, "card", "h", 10, time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "window still nearly full just after the bucket boundary")

	// Near the end of the next bucket the old traffic has aged out.
	at = base.Add(119 * time.Minute)
	ok, err = v.Allow(ctx, "card", "h", 10, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluate_GeoMismatchRaisesScore(t *testing.T) {
	e, _, _ := newTestEngine(t, ScorerFunc(func(context.Context, Input) (float64, error) {
		return 0.6, nil
	}))

	in := cleanInput("tx5")
	in.IPCountry = "BR"

	out, err := e.Evaluate(context.Background(), in)
	require.NoError(t, err)
	// 0.6*0.6 + 0.3*0.5 + 0.1*1 = 0.61
	assert.InDelta(t, 0.61, out.Score, 1e-9)
	assert.Equal(t, DecisionReview, out.Decision)
	assert.Contains(t, out.TriggeredRules, RuleGeoMismatch)
	assert.True(t, out.Require3DS)
}

func TestEvaluate_HighRiskCountry(t *testing.T) {
	e, _, _ := newTestEngine(t, zeroScorer())

	in := cleanInput("tx6")
	in.IPCountry = "NG"
	in.BillingCountry = "NG"

	out, err := e.Evaluate(context.Background(), in)
	require.NoError(t, err)
	assert.Contains(t, out.TriggeredRules, RuleHighRiskCountry)
	// 0.3*0.5 + 0.1*1 = 0.25
	assert.InDelta(t, 0.25, out.Score, 1e-9)
	assert.Equal(t, DecisionClean, out.Decision)
}

func TestEvaluate_BlockThreshold(t *testing.T) {
	e, _, _ := newTestEngine(t, ScorerFunc(func(context.Context, Input) (float64, error) {
		return 1.0, nil
	}))

	in := cleanInput("tx7")
	in.IPCountry = "DE"

	out, err := e.Evaluate(context.Background(), in)
	require.NoError(t, err)
	// 0.6*1.0 + 0.3*0.5 + 0.1*1 = 0.85
	assert.InDelta(t, 0.85, out.Score, 1e-9)
	assert.Equal(t, DecisionBlock, out.Decision)
}

func TestEvaluate_FallbackWhenScorerFails(t *testing.T) {
	calls := 0
	e, _, ctl := newTestEngine(t, ScorerFunc(func(context.Context, Input) (float64, error) {
		calls++
		return 0, errors.New("connection refused")
	}))
	ctx := context.Background()

	in := cleanInput("tx8")
	in.Amount = decimal.RequireFromString("6000.00")

	out, err := e.Evaluate(ctx, in)
	require.NoError(t, err)
	assert.True(t, out.Fallback)
	// fallback ml = 0.5 (amount) + 0.2 (first-time card) = 0.7; 0.6*0.7 = 0.42
	assert.InDelta(t, 0.42, out.Score, 1e-9)
	assert.Equal(t, 1, calls)

	// Two more failures mark the scorer degraded; later evaluations skip it.
	for i := 0; i < 2; i++ {
		in.TransactionID = fmt.Sprintf("tx8_%d", i)
		_, err := e.Evaluate(ctx, in)
		require.NoError(t, err)
	}
	assert.False(t, ctl.Healthy(degrade.DepFraudScorer))

	in.TransactionID = "tx8_degraded"
	out, err = e.Evaluate(ctx, in)
	require.NoError(t, err)
	assert.True(t, out.Fallback)
	assert.Equal(t, 3, calls, "degraded scorer must not be called")
}

func TestEvaluate_FallbackFirstTimeCardBonusClearsAfterRecord(t *testing.T) {
	e, _, ctl := newTestEngine(t, nil)
	ctl.MarkDegraded(degrade.DepFraudScorer, "down")
	ctx := context.Background()

	in := cleanInput("tx9")
	out, err := e.Evaluate(ctx, in)
	require.NoError(t, err)
	// first-time card only: ml = 0.2; 0.6*0.2 = 0.12
	assert.InDelta(t, 0.12, out.Score, 1e-9)

	require.NoError(t, e.RecordCardSeen(ctx, in.CardHash))

	in.TransactionID = "tx9_seen"
	out, err = e.Evaluate(ctx, in)
	require.NoError(t, err)
	assert.Zero(t, out.Score)
}
