package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/acquira/gateway/pb"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

func TestAuditChain_RootChangesPerEntry(t *testing.T) {
	chain := NewAuditChain()
	assert.Empty(t, chain.Root())

	h1 := chain.Append("pay_1", "USD gross=100.00")
	root1 := chain.Root()
	require.NotEmpty(t, root1)
	assert.Equal(t, root1, chain.PaymentRoot("pay_1"))

	h2 := chain.Append("pay_2", "EUR gross=50.00")
	root2 := chain.Root()
	assert.NotEqual(t, root1, root2)
	assert.Equal(t, root2, chain.PaymentRoot("pay_2"))
	assert.Equal(t, root1, chain.PaymentRoot("pay_1"))

	assert.True(t, chain.VerifyInclusion(h1))
	assert.True(t, chain.VerifyInclusion(h2))
	assert.False(t, chain.VerifyInclusion("deadbeef"))
	assert.Equal(t, 2, chain.Size())
}

type capturingLedger struct {
	entries []*pb.SettlementEntry
	fail    error
}

func (c *capturingLedger) PostEntry(ctx context.Context, in *pb.SettlementEntry, opts ...grpc.CallOption) (*pb.SettlementAck, error) {
	if c.fail != nil {
		return nil, c.fail
	}
	c.entries = append(c.entries, in)
	return &pb.SettlementAck{PaymentId: in.PaymentId, Sequence: int64(len(c.entries))}, nil
}

func TestClient_PostSettlement(t *testing.T) {
	remote := &capturingLedger{}
	c := NewClient(remote)

	err := c.PostSettlement(context.Background(), "pay_1", "merch_1", "USD",
		decimal.RequireFromString("100.00"), decimal.RequireFromString("3.20"),
		decimal.RequireFromString("96.80"), decimal.Zero)
	require.NoError(t, err)

	require.Len(t, remote.entries, 1)
	e := remote.entries[0]
	assert.Equal(t, pb.SettlementEntry_CAPTURE, e.Kind)
	assert.Equal(t, "merch_1", e.MerchantId)
	assert.Equal(t, "100.00", e.GrossAmount)
	assert.Equal(t, "3.20", e.FeeAmount)
	assert.Equal(t, "96.80", e.NetAmount)
	assert.True(t, c.Chain().VerifyInclusion(e.EntryHash))
}

func TestClient_RefundEntryKind(t *testing.T) {
	remote := &capturingLedger{}
	c := NewClient(remote)

	err := c.PostSettlement(context.Background(), "pay_1", "merch_1", "USD",
		decimal.RequireFromString("100.00"), decimal.RequireFromString("3.20"),
		decimal.RequireFromString("56.80"), decimal.RequireFromString("40.00"))
	require.NoError(t, err)
	assert.Equal(t, pb.SettlementEntry_REFUND, remote.entries[0].Kind)
}

func TestClient_RemoteFailureStillRecordsLocally(t *testing.T) {
	remote := &capturingLedger{fail: errors.New("unavailable")}
	c := NewClient(remote)

	err := c.PostSettlement(context.Background(), "pay_1", "merch_1", "USD",
		decimal.RequireFromString("10.00"), decimal.RequireFromString("0.59"),
		decimal.RequireFromString("9.41"), decimal.Zero)
	require.Error(t, err)
	assert.Equal(t, 1, c.Chain().Size())
}
