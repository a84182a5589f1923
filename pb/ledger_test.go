package pb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// The ledger messages are hand-written, not protoc output, so they must go
// through the registered json codec: the default proto codec rejects them at
// marshal time on a dialed connection.
func TestJSONCodecRoundTripsSettlementEntry(t *testing.T) {
	codec := encoding.GetCodec(JSONCodecName)
	require.NotNil(t, codec, "json codec must be registered at init")

	in := &SettlementEntry{
		PaymentId:      "pay_1",
		MerchantId:     "merch_1",
		Currency:       "USD",
		Kind:           SettlementEntry_REFUND,
		GrossAmount:    "100.00",
		FeeAmount:      "3.20",
		NetAmount:      "56.80",
		RefundedAmount: "40.00",
		EntryHash:      "abc123",
		Timestamp:      timestamppb.Now(),
	}

	raw, err := codec.Marshal(in)
	require.NoError(t, err)

	var out SettlementEntry
	require.NoError(t, codec.Unmarshal(raw, &out))
	assert.Equal(t, in.PaymentId, out.PaymentId)
	assert.Equal(t, in.MerchantId, out.MerchantId)
	assert.Equal(t, in.Kind, out.Kind)
	assert.Equal(t, in.RefundedAmount, out.RefundedAmount)
	assert.Equal(t, in.Timestamp.GetSeconds(), out.Timestamp.GetSeconds())
}

func TestJSONCodecRoundTripsSettlementAck(t *testing.T) {
	codec := encoding.GetCodec(JSONCodecName)
	require.NotNil(t, codec)

	raw, err := codec.Marshal(&SettlementAck{PaymentId: "pay_1", Sequence: 7, RootHash: "root"})
	require.NoError(t, err)

	var ack SettlementAck
	require.NoError(t, codec.Unmarshal(raw, &ack))
	assert.Equal(t, int64(7), ack.Sequence)
	assert.Equal(t, "root", ack.RootHash)
}
