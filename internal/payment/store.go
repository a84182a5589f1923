package payment

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ListFilter narrows and pages List results.
type ListFilter struct {
	MerchantID string
	Status     Status
	Limit      int
	Offset     int
}

// DefaultPageSize bounds unpaged List calls.
const DefaultPageSize = 50

// Repository persists payments, their audit events and refunds.
type Repository interface {
	Create(ctx context.Context, p *Payment) error
	Update(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id string) (*Payment, error)
	List(ctx context.Context, f ListFilter) ([]*Payment, error)
	AppendEvent(ctx context.Context, e *Event) error
	EventsFor(ctx context.Context, paymentID string) ([]*Event, error)
	InsertRefund(ctx context.Context, r *Refund) error
	RefundsFor(ctx context.Context, paymentID string) ([]*Refund, error)
}

// MemoryRepository backs tests and local runs.
type MemoryRepository struct {
	mu       sync.Mutex
	payments map[string]*Payment
	events   []*Event
	refunds  map[string][]*Refund
	eventSeq int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		payments: make(map[string]*Payment),
		refunds:  make(map[string][]*Refund),
	}
}

func (r *MemoryRepository) Create(_ context.Context, p *Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.payments[p.ID] = &cp
	return nil
}

func (r *MemoryRepository) Update(_ context.Context, p *Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.payments[p.ID]; !ok {
		return ErrNotFound
	}
	cp := *p
	cp.UpdatedAt = time.Now().UTC()
	r.payments[p.ID] = &cp
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *MemoryRepository) List(_ context.Context, f ListFilter) ([]*Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*Payment
	for _, p := range r.payments {
		if f.MerchantID != "" && p.MerchantID != f.MerchantID {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		cp := *p
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if f.Offset >= len(all) {
		return nil, nil
	}
	all = all[f.Offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (r *MemoryRepository) AppendEvent(_ context.Context, e *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eventSeq++
	cp := *e
	cp.ID = r.eventSeq
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	r.events = append(r.events, &cp)
	return nil
}

func (r *MemoryRepository) EventsFor(_ context.Context, paymentID string) ([]*Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Event
	for _, e := range r.events {
		if e.PaymentID == paymentID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *MemoryRepository) InsertRefund(_ context.Context, ref *Refund) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *ref
	r.refunds[ref.PaymentID] = append(r.refunds[ref.PaymentID], &cp)
	return nil
}

func (r *MemoryRepository) RefundsFor(_ context.Context, paymentID string) ([]*Refund, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Refund
	for _, ref := range r.refunds[paymentID] {
		cp := *ref
		out = append(out, &cp)
	}
	return out, nil
}
