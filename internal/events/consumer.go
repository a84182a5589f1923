package events

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/acquira/gateway/internal/infra"
)

// ProcessedMarkerTTL is how long a consumed event id stays on record. Pub/Sub
// redelivery windows are far shorter, so seven days is a safe dedup horizon.
const ProcessedMarkerTTL = 7 * 24 * time.Hour

// maxDeliveries before a poisoned message goes to the dead-letter topic.
const maxDeliveries = 5

// Handler processes one decoded event. Returning an error triggers
// redelivery until the attempt budget is spent.
type Handler func(ctx context.Context, e *Event) error

// Consumer pulls from a subscription, deduplicates by event id, and
// dead-letters messages that keep failing. Acks are always explicit.
type Consumer struct {
	sub     *pubsub.Subscription
	dlq     *pubsub.Topic
	kv      infra.KV
	handler Handler
	logger  *log.Logger
}

func NewConsumer(sub *pubsub.Subscription, dlq *pubsub.Topic, kv infra.KV, handler Handler) *Consumer {
	return &Consumer{
		sub:     sub,
		dlq:     dlq,
		kv:      kv,
		handler: handler,
		logger:  log.New(log.Writer(), "[CONSUMER] ", log.LstdFlags),
	}
}

// Run blocks receiving messages until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	return c.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		ack, err := c.process(ctx, msg.Data)
		if err != nil {
			c.logger.Printf("processing failed: %v", err)
		}
		if ack {
			msg.Ack()
		} else {
			msg.Nack()
		}
	})
}

// process is the ack decision for one raw message:
//   - undecodable payloads are dead-lettered immediately (acked)
//   - already-processed event ids are acked without re-running the handler
//   - handler failures are nacked for redelivery until maxDeliveries, then
//     dead-lettered
func (c *Consumer) process(ctx context.Context, raw []byte) (ack bool, err error) {
	e, err := Decode(raw)
	if err != nil {
		c.deadLetter(ctx, raw, err.Error())
		return true, err
	}

	processed, err := c.alreadyProcessed(ctx, e.ID)
	if err != nil {
		return false, err
	}
	if processed {
		return true, nil
	}

	if herr := c.handler(ctx, e); herr != nil {
		attempts, cerr := c.kv.IncrWithTTL(ctx, failureKey(e.ID), ProcessedMarkerTTL)
		if cerr != nil {
			return false, errors.Join(herr, cerr)
		}
		if attempts >= maxDeliveries {
			c.deadLetter(ctx, raw, herr.Error())
			return true, fmt.Errorf("events: dead-lettered %s after %d attempts: %w", e.ID, attempts, herr)
		}
		return false, fmt.Errorf("events: handler failed for %s (attempt %d): %w", e.ID, attempts, herr)
	}

	if err := c.kv.Set(ctx, processedKey(e.ID), "1", ProcessedMarkerTTL); err != nil {
		// The handler succeeded but the marker did not stick, so redelivery
		// will run the handler again. At-least-once is the contract here;
		// handlers must tolerate a duplicate run.
		return false, fmt.Errorf("events: marker write for %s: %w", e.ID, err)
	}
	return true, nil
}

func (c *Consumer) alreadyProcessed(ctx context.Context, eventID string) (bool, error) {
	_, err := c.kv.Get(ctx, processedKey(eventID))
	if errors.Is(err, infra.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("events: marker read: %w", err)
	}
	return true, nil
}

func (c *Consumer) deadLetter(ctx context.Context, raw []byte, reason string) {
	if c.dlq == nil {
		c.logger.Printf("no dlq topic, dropping message: %s", reason)
		return
	}
	msg := &pubsub.Message{
		Data:       raw,
		Attributes: map[string]string{"error": reason},
	}
	if _, err := c.dlq.Publish(ctx, msg).Get(ctx); err != nil {
		c.logger.Printf("dlq publish failed: %v", err)
	}
}

func processedKey(eventID string) string { return "events:processed:" + eventID }
func failureKey(eventID string) string   { return "events:failures:" + eventID }
