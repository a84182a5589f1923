package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PostgresRepository persists payments in the payments, payment_events and
// refunds tables (migrations/001_init.sql).
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const paymentColumns = `
	id, merchant_id, amount, currency, status, card_token_id, card_last_four,
	card_brand, psp_provider, psp_txn_id, fraud_score, fraud_decision,
	three_ds_status, three_ds_cavv, three_ds_eci, description, reference_id,
	billing_street, billing_city, billing_state, billing_zip, billing_country,
	captured_amount, refunded_amount, fee_amount, net_settlement,
	failure_reason, created_at, authorized_at, captured_at, updated_at`

func (r *PostgresRepository) Create(ctx context.Context, p *Payment) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,
		        $18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31)`,
		p.ID, p.MerchantID, p.Amount, p.Currency, p.Status, nullStr(p.CardTokenID),
		p.CardLastFour, p.CardBrand, nullStr(p.PSPProvider), nullStr(p.PSPTxnID),
		p.FraudScore, nullStr(p.FraudDecision), nullStr(string(p.ThreeDSStatus)),
		nullStr(p.CAVV), nullStr(p.ECI), nullStr(p.Description), nullStr(p.ReferenceID),
		p.Billing.Street, p.Billing.City, p.Billing.State, p.Billing.Zip, p.Billing.Country,
		p.CapturedAmount, p.RefundedAmount, p.FeeAmount, p.NetSettlement,
		nullStr(p.FailureReason), p.CreatedAt, p.AuthorizedAt, p.CapturedAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("payment: insert: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Update(ctx context.Context, p *Payment) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE payments SET
			status = $2, card_token_id = $3, card_last_four = $4, card_brand = $5,
			psp_provider = $6, psp_txn_id = $7, fraud_score = $8, fraud_decision = $9,
			three_ds_status = $10, three_ds_cavv = $11, three_ds_eci = $12,
			captured_amount = $13, refunded_amount = $14, fee_amount = $15,
			net_settlement = $16, failure_reason = $17, authorized_at = $18,
			captured_at = $19, updated_at = $20
		WHERE id = $1`,
		p.ID, p.Status, nullStr(p.CardTokenID), p.CardLastFour, p.CardBrand,
		nullStr(p.PSPProvider), nullStr(p.PSPTxnID), p.FraudScore, nullStr(p.FraudDecision),
		nullStr(string(p.ThreeDSStatus)), nullStr(p.CAVV), nullStr(p.ECI),
		p.CapturedAmount, p.RefundedAmount, p.FeeAmount, p.NetSettlement,
		nullStr(p.FailureReason), p.AuthorizedAt, p.CapturedAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("payment: update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Payment, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	return scanPayment(row)
}

func (r *PostgresRepository) List(ctx context.Context, f ListFilter) ([]*Payment, error) {
	var conds []string
	var args []interface{}
	if f.MerchantID != "" {
		args = append(args, f.MerchantID)
		conds = append(conds, "merchant_id = $"+strconv.Itoa(len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, "status = $"+strconv.Itoa(len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	args = append(args, limit, f.Offset)
	q := `SELECT ` + paymentColumns + ` FROM payments` + where +
		` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(len(args)-1) +
		` OFFSET $` + strconv.Itoa(len(args))

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("payment: list: %w", err)
	}
	defer rows.Close()

	var out []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) AppendEvent(ctx context.Context, e *Event) error {
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payment_events (payment_id, kind, state_after, amount, currency, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.PaymentID, e.Kind, e.StateAfter, e.Amount, e.Currency, created)
	if err != nil {
		return fmt.Errorf("payment: append event: %w", err)
	}
	return nil
}

func (r *PostgresRepository) EventsFor(ctx context.Context, paymentID string) ([]*Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, payment_id, kind, state_after, amount, currency, created_at
		FROM payment_events WHERE payment_id = $1 ORDER BY id ASC`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("payment: events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.PaymentID, &e.Kind, &e.StateAfter,
			&e.Amount, &e.Currency, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("payment: scan event: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) InsertRefund(ctx context.Context, ref *Refund) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refunds (id, payment_id, amount, currency, status, psp_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ref.ID, ref.PaymentID, ref.Amount, ref.Currency, ref.Status, nullStr(ref.PSPRef), ref.CreatedAt)
	if err != nil {
		return fmt.Errorf("payment: insert refund: %w", err)
	}
	return nil
}

func (r *PostgresRepository) RefundsFor(ctx context.Context, paymentID string) ([]*Refund, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, payment_id, amount, currency, status, psp_ref, created_at
		FROM refunds WHERE payment_id = $1 ORDER BY created_at ASC`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("payment: refunds: %w", err)
	}
	defer rows.Close()

	var out []*Refund
	for rows.Next() {
		var ref Refund
		var pspRef sql.NullString
		if err := rows.Scan(&ref.ID, &ref.PaymentID, &ref.Amount, &ref.Currency,
			&ref.Status, &pspRef, &ref.CreatedAt); err != nil {
			return nil, fmt.Errorf("payment: scan refund: %w", err)
		}
		ref.PSPRef = pspRef.String
		out = append(out, &ref)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(row rowScanner) (*Payment, error) {
	var p Payment
	var tokenID, pspProvider, pspTxn, fraudDecision, tdsStatus, cavv, eci sql.NullString
	var desc, ref, failure sql.NullString
	var amount, captured, refunded, fee, net string
	err := row.Scan(&p.ID, &p.MerchantID, &amount, &p.Currency, &p.Status,
		&tokenID, &p.CardLastFour, &p.CardBrand, &pspProvider, &pspTxn,
		&p.FraudScore, &fraudDecision, &tdsStatus, &cavv, &eci, &desc, &ref,
		&p.Billing.Street, &p.Billing.City, &p.Billing.State, &p.Billing.Zip,
		&p.Billing.Country, &captured, &refunded, &fee, &net, &failure,
		&p.CreatedAt, &p.AuthorizedAt, &p.CapturedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("payment: scan: %w", err)
	}
	p.CardTokenID = tokenID.String
	p.PSPProvider = pspProvider.String
	p.PSPTxnID = pspTxn.String
	p.FraudDecision = fraudDecision.String
	p.ThreeDSStatus = ThreeDSStatus(tdsStatus.String)
	p.CAVV = cavv.String
	p.ECI = eci.String
	p.Description = desc.String
	p.ReferenceID = ref.String
	p.FailureReason = failure.String
	for dst, src := range map[*decimal.Decimal]string{
		&p.Amount: amount, &p.CapturedAmount: captured,
		&p.RefundedAmount: refunded, &p.FeeAmount: fee, &p.NetSettlement: net,
	} {
		d, derr := decimal.NewFromString(src)
		if derr != nil {
			return nil, fmt.Errorf("payment: bad decimal %q: %w", src, derr)
		}
		*dst = d
	}
	return &p, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
