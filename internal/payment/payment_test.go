package payment

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestFSM_LegalPaths(t *testing.T) {
	p := &Payment{ID: "pay_x", Status: StatusPending}
	require.NoError(t, p.Transition(StatusAuthorized))
	require.NoError(t, p.Transition(StatusCaptured))
	require.NoError(t, p.Transition(StatusRefundedPartial))
	require.NoError(t, p.Transition(StatusRefundedPartial))
	require.NoError(t, p.Transition(StatusRefunded))
	assert.True(t, p.Terminal())
}

func TestFSM_IllegalTransitionsConflict(t *testing.T) {
	cases := []struct {
		from, to Status
	}{
		{StatusPending, StatusCaptured},
		{StatusAuthorized, StatusRefunded},
		{StatusCaptured, StatusAuthorized},
		{StatusFailed, StatusAuthorized},
		{StatusCancelled, StatusCaptured},
		{StatusRefunded, StatusRefundedPartial},
	}
	for _, tc := range cases {
		p := &Payment{ID: "pay_x", Status: tc.from}
		err := p.Transition(tc.to)
		var conflict *ConflictError
		require.ErrorAs(t, err, &conflict, "%s -> %s must conflict", tc.from, tc.to)
		assert.Equal(t, tc.from, conflict.From)
		assert.Equal(t, tc.to, conflict.To)
		assert.Equal(t, tc.from, p.Status, "failed transition must not mutate")
	}
}

func TestApplyCapture_DerivesFeeAndNet(t *testing.T) {
	p := &Payment{ID: "pay_x", Status: StatusAuthorized,
		Amount: d("100.00"), CapturedAmount: decimal.Zero, RefundedAmount: decimal.Zero}
	require.NoError(t, p.ApplyCapture(d("100.00"), time.Now()))

	assert.Equal(t, StatusCaptured, p.Status)
	assert.Equal(t, "3.20", p.FeeAmount.StringFixed(2)) // 2.9% + 0.30
	assert.Equal(t, "96.80", p.NetSettlement.StringFixed(2))
	assert.NotNil(t, p.CapturedAt)
}

func TestApplyRefund_PartialThenFull(t *testing.T) {
	p := &Payment{ID: "pay_x", Status: StatusAuthorized,
		Amount: d("100.00"), RefundedAmount: decimal.Zero}
	require.NoError(t, p.ApplyCapture(d("100.00"), time.Now()))

	require.NoError(t, p.ApplyRefund(d("40.00")))
	assert.Equal(t, StatusRefundedPartial, p.Status)
	assert.Equal(t, "40.00", p.RefundedAmount.StringFixed(2))

	require.NoError(t, p.ApplyRefund(d("60.00")))
	assert.Equal(t, StatusRefunded, p.Status)
	assert.True(t, p.Terminal())
}

func TestDoubleEntryHoldsThroughRefunds(t *testing.T) {
	p := &Payment{ID: "pay_x", Status: StatusAuthorized,
		Amount: d("123.45"), RefundedAmount: decimal.Zero}
	require.NoError(t, p.ApplyCapture(d("123.45"), time.Now()))

	for _, amt := range []string{"10.01", "0.44", "50.00"} {
		require.NoError(t, p.ApplyRefund(d(amt)))
		sum := p.RefundedAmount.Add(p.FeeAmount).Add(p.NetSettlement)
		assert.True(t, sum.Equal(p.CapturedAmount),
			"refunded+fee+net=%s must equal captured=%s", sum, p.CapturedAmount)
	}
}
