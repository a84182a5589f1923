// The gateway binary serves the merchant API: authorization, capture, void,
// refund, 3-D Secure completion, webhook management and FX quotes. Background
// goroutines run the webhook retry scheduler and the event-buffer drain loop.
package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/acquira/gateway/internal/api"
	"github.com/acquira/gateway/internal/config"
	"github.com/acquira/gateway/internal/degrade"
	"github.com/acquira/gateway/internal/events"
	"github.com/acquira/gateway/internal/fraud"
	"github.com/acquira/gateway/internal/fx"
	"github.com/acquira/gateway/internal/hsm"
	"github.com/acquira/gateway/internal/idempotency"
	"github.com/acquira/gateway/internal/infra"
	"github.com/acquira/gateway/internal/ledger"
	"github.com/acquira/gateway/internal/logging"
	"github.com/acquira/gateway/internal/metrics"
	"github.com/acquira/gateway/internal/middleware"
	"github.com/acquira/gateway/internal/payment"
	"github.com/acquira/gateway/internal/psp"
	"github.com/acquira/gateway/internal/retry"
	"github.com/acquira/gateway/internal/threeds"
	"github.com/acquira/gateway/internal/token"
	"github.com/acquira/gateway/internal/webhooks"
	"github.com/acquira/gateway/pb"
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

	ctl := degrade.NewController()

	// Redis backs idempotency, fraud counters and 3-DS sessions. A refused
	// connection falls back to process-local storage in degraded mode.
	var kv infra.KV
	redisKV, err := infra.NewRedisKV(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		slog.Warn("redis unreachable, using in-memory KV", "addr", cfg.Redis.Addr, "error", err)
		ctl.MarkDegraded(degrade.DepCache, err.Error())
		kv = infra.NewMemoryKV()
	} else {
		kv = redisKV
		defer redisKV.Close()
	}

	// Persistence: Postgres when configured, in-memory otherwise.
	var (
		repo       payment.Repository
		tokenStore token.Store
		deliveries webhooks.DeliveryStore
	)
	if cfg.Database.DSN != "" {
		db, err := sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		defer db.Close()
		repo = payment.NewPostgresRepository(db)
		tokenStore = token.NewPostgresStore(db)
		deliveries = webhooks.NewPostgresDeliveryStore(db)
	} else {
		slog.Warn("no database DSN configured, state is process-local")
		repo = payment.NewMemoryRepository()
		tokenStore = token.NewMemoryStore()
		deliveries = webhooks.NewMemoryDeliveryStore()
	}

	keys := hsm.NewKeyService()
	vault, err := token.NewVault(tokenStore, keys)
	if err != nil {
		log.Fatalf("vault: %v", err)
	}

	// A nil scorer keeps the engine on its rule-based path until an ML
	// endpoint is wired in.
	fraudEngine := fraud.NewEngine(kv, nil, ctl)
	threeDS := threeds.NewService(threeds.NewSimulatedACS(), kv, ctl)

	engine := retry.NewEngine(
		retry.Policy{
			InitialDelay: cfg.Retry.InitialDelay.Std(),
			Multiplier:   cfg.Retry.Multiplier,
			MaxDelay:     cfg.Retry.MaxDelay.Std(),
			MaxAttempts:  cfg.Retry.MaxAttempts,
			Jitter:       true,
		},
		retry.NewBreakerSet(retry.BreakerConfig{
			FailureThreshold: cfg.Retry.FailureThreshold,
			SuccessThreshold: cfg.Retry.SuccessThreshold,
			OpenTimeout:      cfg.Retry.OpenTimeout.Std(),
			OnStateChange: func(name string, _, to retry.BreakerState) {
				open := 0.0
				if to == retry.StateOpen {
					open = 1.0
				}
				metrics.BreakerOpen.WithLabelValues(name).Set(open)
			},
		}),
		retry.NewDLQ(),
	)
	router := psp.NewRouter(
		[]psp.Client{psp.NewStripe(), psp.NewAdyen()},
		cfg.PSP.Default, engine, cfg.PSP.CallTimeout.Std())

	// Event bus: Pub/Sub when a project is configured, in-memory otherwise.
	var bus events.Publisher
	var psBus *events.PubSubBus
	if cfg.Events.ProjectID != "" {
		psBus, err = events.NewPubSubBus(cfg.Events.ProjectID, cfg.Events.Topic, ctl)
		if err != nil {
			log.Fatalf("pubsub: %v", err)
		}
		bus = psBus
		defer psBus.Close()
	} else {
		slog.Warn("no pub/sub project configured, events stay in-process")
		bus = events.NewMemoryBus()
	}

	registry := webhooks.NewRegistry()
	dispatcher := webhooks.NewDispatcher(registry, deliveries)
	var hooks payment.WebhookEnqueuer = dispatcher
	if cfg.Webhooks.UseCloudTasks {
		cloud, err := webhooks.NewCloudDispatcher(registry, dispatcher,
			cfg.Webhooks.TasksProject, cfg.Webhooks.TasksLocation, cfg.Webhooks.TasksQueue)
		if err != nil {
			log.Fatalf("cloud tasks: %v", err)
		}
		hooks = cloud
		defer cloud.Close()
	}

	var settlement payment.SettlementLedger
	if cfg.Ledger.Enabled {
		client, err := ledger.Dial(cfg.Ledger.Addr)
		if err != nil {
			log.Fatalf("ledger: %v", err)
		}
		settlement = client
		defer client.Close()
	} else {
		settlement = ledger.NewClient(&pb.MockLedgerClient{})
	}

	svc := payment.NewService(repo, vault, fraudEngine, threeDS, router, bus, hooks, settlement, kv)
	fxSvc := fx.NewService(kv, fx.StaticProvider(fx.DefaultRates()))

	auth := middleware.NewAuthenticator()
	registerMerchantKeys(auth)
	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		MaxCallsPerMinute: cfg.Server.MaxCallsPerMinute,
	})

	server := api.NewServer(svc, threeDS, registry, fxSvc,
		idempotency.NewStore(kv), ctl, auth, limiter)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go dispatcher.Run(ctx)
	if psBus != nil {
		go drainLoop(ctx, psBus, ctl)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(cfg.Server.Port) }()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server: %v", err)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown incomplete", "error", err)
	}
}

// registerMerchantKeys seeds API keys from MERCHANT_KEYS, a comma-separated
// list of merchant=secret pairs. Production key management belongs in the
// merchant onboarding service; this covers local and staging runs.
func registerMerchantKeys(auth *middleware.Authenticator) {
	raw := os.Getenv("MERCHANT_KEYS")
	if raw == "" {
		slog.Warn("MERCHANT_KEYS not set, no merchants can authenticate")
		return
	}
	for _, pair := range strings.Split(raw, ",") {
		merchant, secret, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			log.Fatalf("malformed MERCHANT_KEYS entry %q", pair)
		}
		if err := auth.RegisterKey(merchant, secret); err != nil {
			log.Fatalf("register key for %s: %v", merchant, err)
		}
		slog.Info("registered merchant key", "merchant_id", merchant)
	}
}

// drainLoop retries the broker and flushes buffered events once it recovers.
func drainLoop(ctx context.Context, bus *events.PubSubBus, ctl *degrade.Controller) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctl.BufferedCount() == 0 {
				continue
			}
			if err := bus.HealthCheck(ctx); err != nil {
				continue
			}
			if n, err := bus.Drain(ctx); err != nil {
				slog.Warn("event drain interrupted", "drained", n, "error", err)
			} else if n > 0 {
				slog.Info("drained buffered events", "count", n)
			}
		}
	}
}
