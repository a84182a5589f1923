// Package ledger posts settlement entries to the downstream ledger service
// and keeps a local Merkle audit trail of everything it sent.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/acquira/gateway/pb"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const rpcTimeout = 5 * time.Second

// Client implements the payment service's SettlementLedger against the
// ledger gRPC service. Posting is best effort: a failed RPC is logged and
// surfaced, never retried here, because reconciliation replays from the
// audit chain.
type Client struct {
	client pb.LedgerServiceClient
	chain  *AuditChain
	conn   *grpc.ClientConn
}

// NewClient wraps an existing ledger client, typically a mock in tests.
func NewClient(c pb.LedgerServiceClient) *Client {
	return &Client{client: c, chain: NewAuditChain()}
}

// Dial connects to the ledger service at addr. Transport security is the
// mesh's job; the gateway dials plaintext inside the cluster.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("ledger: dial %s: %w", addr, err)
	}
	return &Client{client: pb.NewLedgerServiceClient(conn), chain: NewAuditChain(), conn: conn}, nil
}

func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Chain exposes the local audit trail for reconciliation.
func (c *Client) Chain() *AuditChain { return c.chain }

// PostSettlement records the entry locally, then posts it to the ledger
// service with a bounded timeout.
func (c *Client) PostSettlement(ctx context.Context, paymentID, merchantID, currency string,
	gross, fee, net, refunded decimal.Decimal) error {

	kind := pb.SettlementEntry_CAPTURE
	if refunded.IsPositive() {
		kind = pb.SettlementEntry_REFUND
	}

	detail := fmt.Sprintf("%s %s gross=%s fee=%s net=%s refunded=%s",
		merchantID, currency, gross.StringFixed(2), fee.StringFixed(2),
		net.StringFixed(2), refunded.StringFixed(2))
	leafHash := c.chain.Append(paymentID, detail)

	entry := &pb.SettlementEntry{
		PaymentId:      paymentID,
		MerchantId:     merchantID,
		Currency:       currency,
		Kind:           kind,
		GrossAmount:    gross.StringFixed(2),
		FeeAmount:      fee.StringFixed(2),
		NetAmount:      net.StringFixed(2),
		RefundedAmount: refunded.StringFixed(2),
		EntryHash:      leafHash,
		Timestamp:      timestamppb.Now(),
	}

	rpcCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	ack, err := c.client.PostEntry(rpcCtx, entry)
	if err != nil {
		slog.Error("ledger entry post failed", "payment_id", paymentID, "error", err)
		return fmt.Errorf("ledger: post entry: %w", err)
	}
	slog.Debug("ledger entry accepted", "payment_id", paymentID, "sequence", ack.Sequence)
	return nil
}
