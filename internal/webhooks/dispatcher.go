package webhooks

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/acquira/gateway/internal/events"
	"github.com/acquira/gateway/internal/ids"
	"github.com/acquira/gateway/internal/metrics"
)

// ScanInterval is how often the scheduler sweeps for due deliveries.
const ScanInterval = 60 * time.Second

// Dispatcher fans events out to merchant endpoints. Enqueue records a
// delivery per matching endpoint and tries it immediately; the Run scheduler
// sweeps the store for retries on the exponential backoff schedule.
type Dispatcher struct {
	registry   *Registry
	store      DeliveryStore
	httpClient *http.Client
	logger     *log.Logger
	interval   time.Duration
	now        func() time.Time
}

func NewDispatcher(registry *Registry, store DeliveryStore) *Dispatcher {
	return &Dispatcher{
		registry:   registry,
		store:      store,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
		interval:   ScanInterval,
		now:        time.Now,
	}
}

// Enqueue creates deliveries for every endpoint subscribed to the event and
// attempts each once inline. Failures stay PENDING for the scheduler.
func (d *Dispatcher) Enqueue(ctx context.Context, e *events.Event) error {
	payload, err := e.JSON()
	if err != nil {
		return fmt.Errorf("webhooks: marshal event: %w", err)
	}

	for _, ep := range d.registry.Matching(e.MerchantID, e.Type) {
		del := &Delivery{
			ID:            ids.Delivery(),
			EndpointID:    ep.ID,
			EventID:       e.ID,
			EventType:     string(e.Type),
			PaymentID:     e.PaymentID,
			Payload:       payload,
			Status:        StatusPending,
			NextAttemptAt: d.now().UTC(),
			CreatedAt:     d.now().UTC(),
		}
		if err := d.store.Insert(ctx, del); err != nil {
			return err
		}
		d.attempt(ctx, del)
	}
	return nil
}

// Run sweeps for due deliveries until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Sweep(ctx); err != nil {
				d.logger.Printf("sweep failed: %v", err)
			}
		}
	}
}

// Sweep attempts every delivery whose retry time has arrived.
func (d *Dispatcher) Sweep(ctx context.Context) error {
	due, err := d.store.Due(ctx, d.now().UTC(), 100)
	if err != nil {
		return err
	}
	for _, del := range due {
		d.attempt(ctx, del)
	}
	return nil
}

// attempt performs one HTTP POST and updates the delivery's retry state.
// Any 2xx response counts as delivered.
func (d *Dispatcher) attempt(ctx context.Context, del *Delivery) {
	ep, ok := d.registry.Get(del.EndpointID)
	if !ok || !ep.Active {
		del.Status = StatusExhausted
		del.LastError = "endpoint removed or disabled"
		d.update(ctx, del)
		return
	}

	del.Attempts++

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(del.Payload))
	if err != nil {
		d.recordFailure(ctx, del, ep, err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event-Type", del.EventType)
	req.Header.Set("X-Webhook-Delivery-Id", del.ID)
	req.Header.Set("X-Webhook-Attempt", fmt.Sprintf("%d", del.Attempts))
	req.Header.Set("X-Webhook-Signature", SignPayload(del.Payload, ep.Secret))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.recordFailure(ctx, del, ep, err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		now := d.now().UTC()
		del.Status = StatusDelivered
		del.DeliveredAt = &now
		del.LastError = ""
		d.update(ctx, del)
		d.registry.MarkDelivered(ep.ID)
		metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
		d.logger.Printf("delivered %s -> %s (%s)", del.EventType, ep.URL, del.ID)
		return
	}
	d.recordFailure(ctx, del, ep, fmt.Sprintf("endpoint returned %d", resp.StatusCode))
}

func (d *Dispatcher) recordFailure(ctx context.Context, del *Delivery, ep *Endpoint, reason string) {
	del.LastError = reason
	d.registry.MarkFailed(ep.ID)

	if del.Attempts >= MaxAttempts {
		del.Status = StatusExhausted
		metrics.WebhookDeliveriesTotal.WithLabelValues("exhausted").Inc()
		d.logger.Printf("delivery %s exhausted after %d attempts: %s", del.ID, del.Attempts, reason)
	} else {
		del.NextAttemptAt = d.now().UTC().Add(RetryDelay(del.Attempts))
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
	}
	d.update(ctx, del)
}

func (d *Dispatcher) update(ctx context.Context, del *Delivery) {
	if err := d.store.Update(ctx, del); err != nil {
		d.logger.Printf("delivery %s state update failed: %v", del.ID, err)
	}
}
