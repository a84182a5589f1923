package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DeliveryStatus tracks one delivery attempt chain.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "PENDING"
	StatusDelivered DeliveryStatus = "DELIVERED"
	StatusExhausted DeliveryStatus = "EXHAUSTED"
)

// MaxAttempts before a delivery is abandoned.
const MaxAttempts = 5

// RetryDelay returns the wait before attempt n+1: 60s doubling per attempt,
// capped at one hour.
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := 60 * time.Second
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= time.Hour {
			return time.Hour
		}
	}
	return d
}

// Delivery is one event-to-endpoint notification with its retry state.
type Delivery struct {
	ID            string         `json:"id"`
	EndpointID    string         `json:"endpoint_id"`
	EventID       string         `json:"event_id"`
	EventType     string         `json:"event_type"`
	PaymentID     string         `json:"payment_id"`
	Payload       []byte         `json:"-"`
	Status        DeliveryStatus `json:"status"`
	Attempts      int            `json:"attempts"`
	NextAttemptAt time.Time      `json:"next_attempt_at"`
	LastError     string         `json:"last_error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	DeliveredAt   *time.Time     `json:"delivered_at,omitempty"`
}

var ErrDeliveryNotFound = errors.New("webhooks: DELIVERY_NOT_FOUND")

// DeliveryStore persists delivery state across restarts.
type DeliveryStore interface {
	Insert(ctx context.Context, d *Delivery) error
	Update(ctx context.Context, d *Delivery) error
	Get(ctx context.Context, id string) (*Delivery, error)
	// Due returns pending deliveries whose next attempt is at or before now,
	// oldest first, bounded by limit.
	Due(ctx context.Context, now time.Time, limit int) ([]*Delivery, error)
}

// MemoryDeliveryStore backs tests and single-node runs.
type MemoryDeliveryStore struct {
	mu   sync.Mutex
	rows map[string]*Delivery
}

func NewMemoryDeliveryStore() *MemoryDeliveryStore {
	return &MemoryDeliveryStore{rows: make(map[string]*Delivery)}
}

func (s *MemoryDeliveryStore) Insert(_ context.Context, d *Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.rows[d.ID] = &cp
	return nil
}

func (s *MemoryDeliveryStore) Update(_ context.Context, d *Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[d.ID]; !ok {
		return ErrDeliveryNotFound
	}
	cp := *d
	s.rows[d.ID] = &cp
	return nil
}

func (s *MemoryDeliveryStore) Get(_ context.Context, id string) (*Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.rows[id]
	if !ok {
		return nil, ErrDeliveryNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryDeliveryStore) Due(_ context.Context, now time.Time, limit int) ([]*Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*Delivery
	for _, d := range s.rows {
		if d.Status == StatusPending && !d.NextAttemptAt.After(now) {
			cp := *d
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// PostgresDeliveryStore persists deliveries in the webhook_deliveries table.
type PostgresDeliveryStore struct {
	db *sql.DB
}

func NewPostgresDeliveryStore(db *sql.DB) *PostgresDeliveryStore {
	return &PostgresDeliveryStore{db: db}
}

func (s *PostgresDeliveryStore) Insert(ctx context.Context, d *Delivery) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries
			(id, endpoint_id, event_id, event_type, payment_id, payload,
			 status, attempts, next_attempt_at, last_error, created_at, delivered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		d.ID, d.EndpointID, d.EventID, d.EventType, d.PaymentID, d.Payload,
		d.Status, d.Attempts, d.NextAttemptAt, nullable(d.LastError), d.CreatedAt, d.DeliveredAt)
	if err != nil {
		return fmt.Errorf("webhooks: insert delivery: %w", err)
	}
	return nil
}

func (s *PostgresDeliveryStore) Update(ctx context.Context, d *Delivery) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = $2, attempts = $3, next_attempt_at = $4, last_error = $5, delivered_at = $6
		WHERE id = $1`,
		d.ID, d.Status, d.Attempts, d.NextAttemptAt, nullable(d.LastError), d.DeliveredAt)
	if err != nil {
		return fmt.Errorf("webhooks: update delivery: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDeliveryNotFound
	}
	return nil
}

func (s *PostgresDeliveryStore) Get(ctx context.Context, id string) (*Delivery, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, endpoint_id, event_id, event_type, payment_id, payload,
		       status, attempts, next_attempt_at, last_error, created_at, delivered_at
		FROM webhook_deliveries WHERE id = $1`, id)
	return scanDelivery(row)
}

func (s *PostgresDeliveryStore) Due(ctx context.Context, now time.Time, limit int) ([]*Delivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, endpoint_id, event_id, event_type, payment_id, payload,
		       status, attempts, next_attempt_at, last_error, created_at, delivered_at
		FROM webhook_deliveries
		WHERE status = $1 AND next_attempt_at <= $2
		ORDER BY next_attempt_at ASC
		LIMIT $3`, StatusPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("webhooks: query due deliveries: %w", err)
	}
	defer rows.Close()

	var out []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDelivery(row rowScanner) (*Delivery, error) {
	var d Delivery
	var lastErr sql.NullString
	err := row.Scan(&d.ID, &d.EndpointID, &d.EventID, &d.EventType, &d.PaymentID,
		&d.Payload, &d.Status, &d.Attempts, &d.NextAttemptAt, &lastErr,
		&d.CreatedAt, &d.DeliveredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeliveryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("webhooks: scan delivery: %w", err)
	}
	d.LastError = lastErr.String
	return &d, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
