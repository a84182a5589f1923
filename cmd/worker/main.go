// The worker binary consumes the payment event stream: it tracks per-type
// delivery metrics, maintains idempotent processing markers in Redis and
// dead-letters events that keep failing.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"cloud.google.com/go/pubsub"

	"github.com/acquira/gateway/internal/config"
	"github.com/acquira/gateway/internal/degrade"
	"github.com/acquira/gateway/internal/events"
	"github.com/acquira/gateway/internal/infra"
	"github.com/acquira/gateway/internal/logging"
	"github.com/acquira/gateway/internal/metrics"
)

func main() {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logging.Setup(cfg.Server.LogLevel)

	if cfg.Events.ProjectID == "" {
		log.Fatal("worker requires a pub/sub project (PUBSUB_PROJECT_ID)")
	}

	ctl := degrade.NewController()
	var kv infra.KV
	redisKV, err := infra.NewRedisKV(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		// Without shared markers, redelivered events reprocess; the handler
		// tolerates that, so run degraded rather than crash-loop.
		slog.Warn("redis unreachable, markers are process-local", "error", err)
		ctl.MarkDegraded(degrade.DepCache, err.Error())
		kv = infra.NewMemoryKV()
	} else {
		kv = redisKV
		defer redisKV.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := pubsub.NewClient(ctx, cfg.Events.ProjectID)
	if err != nil {
		log.Fatalf("pubsub: %v", err)
	}
	defer client.Close()

	sub := client.Subscription(cfg.Events.Subscription)
	dlq := client.Topic(cfg.Events.DLQTopic)

	consumer := events.NewConsumer(sub, dlq, kv, handleEvent)

	slog.Info("worker consuming",
		"project_id", cfg.Events.ProjectID,
		"subscription", cfg.Events.Subscription)
	if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("consumer: %v", err)
	}
	slog.Info("worker stopped")
}

// handleEvent is the downstream side of the pipeline. Settlement and
// notification fan-out already happened in the gateway; here events feed
// operational metrics and the audit log stream.
func handleEvent(_ context.Context, e *events.Event) error {
	metrics.EventPublishesTotal.WithLabelValues(string(e.Type), "consumed").Inc()
	slog.Info("event processed",
		"event_id", e.ID,
		"event_type", string(e.Type),
		"payment_id", e.PaymentID,
		"merchant_id", e.MerchantID)
	return nil
}
