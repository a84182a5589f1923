package events

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/acquira/gateway/internal/degrade"
)

// publishTimeout bounds the synchronous wait for a Pub/Sub server ack.
const publishTimeout = 10 * time.Second

// PubSubBus publishes envelopes to a Google Cloud Pub/Sub topic with the
// payment id as ordering key, so consumers observe each payment's lifecycle
// in order. When the broker is unreachable, events are buffered through the
// degradation controller (bounded, drop-oldest) and drained on recovery.
type PubSubBus struct {
	client  *pubsub.Client
	topic   *pubsub.Topic
	degrade *degrade.Controller
	logger  *log.Logger
}

// NewPubSubBus connects and ensures the topic exists with ordering enabled.
func NewPubSubBus(projectID, topicID string, ctl *degrade.Controller) (*PubSubBus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("created pub/sub topic", "topic_id", topicID)
	}
	topic.EnableMessageOrdering = true

	bus := &PubSubBus{
		client:  client,
		topic:   topic,
		degrade: ctl,
		logger:  log.New(log.Writer(), "[PUBSUB] ", log.LstdFlags),
	}
	bus.logger.Printf("connected to topic projects/%s/topics/%s", projectID, topicID)
	return bus, nil
}

// Publish validates the envelope and publishes it with OrderingKey set to the
// payment id. A broker failure is absorbed: the event is buffered, the bus is
// reported degraded, and the caller's payment flow continues.
func (pb *PubSubBus) Publish(ctx context.Context, e *Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	payload, err := e.JSON()
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}

	if !pb.degrade.Healthy(degrade.DepEventBus) {
		pb.degrade.BufferForEventBus(pb.topic.ID(), e.PaymentID, payload)
		return nil
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"event_id":   e.ID,
			"event_type": string(e.Type),
			"payment_id": e.PaymentID,
		},
		OrderingKey: e.PaymentID,
	}
	if _, err := pb.topic.Publish(pubCtx, msg).Get(pubCtx); err != nil {
		// An ordering-key error pauses the key until resumed.
		pb.topic.ResumePublish(e.PaymentID)
		pb.degrade.ReportFailure(degrade.DepEventBus, err.Error())
		pb.degrade.BufferForEventBus(pb.topic.ID(), e.PaymentID, payload)
		pb.logger.Printf("publish failed, buffered %s: %v", e.ID, err)
		return nil
	}

	pb.degrade.ReportSuccess(degrade.DepEventBus)
	return nil
}

// Drain republishes buffered events in order, stopping at the first failure.
// Called by the worker's recovery loop once the broker health check passes.
func (pb *PubSubBus) Drain(ctx context.Context) (int, error) {
	return pb.degrade.DrainBuffered(ctx, func(ctx context.Context, ev degrade.BufferedEvent) error {
		msg := &pubsub.Message{Data: ev.Payload, OrderingKey: ev.Key}
		_, err := pb.topic.Publish(ctx, msg).Get(ctx)
		if err != nil {
			pb.topic.ResumePublish(ev.Key)
		}
		return err
	})
}

// HealthCheck verifies the topic is reachable and restores bus health.
func (pb *PubSubBus) HealthCheck(ctx context.Context) error {
	exists, err := pb.topic.Exists(ctx)
	if err != nil {
		pb.degrade.ReportFailure(degrade.DepEventBus, err.Error())
		return fmt.Errorf("events: topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("events: topic %s does not exist", pb.topic.ID())
	}
	pb.degrade.ReportSuccess(degrade.DepEventBus)
	return nil
}

// Close flushes outstanding publishes and shuts the client down.
func (pb *PubSubBus) Close() error {
	pb.topic.Stop()
	if err := pb.client.Close(); err != nil {
		return fmt.Errorf("events: pubsub client close: %w", err)
	}
	return nil
}

var _ Publisher = (*PubSubBus)(nil)
