package app

import (
	"context"

	"github.com/google/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	redisadapter "github.com/sparlo/usage/internal/adapter/outbound/redis"
	s3adapter "github.com/sparlo/usage/internal/adapter/outbound/s3"
	"github.com/sparlo/usage/internal/module/billing"
	"github.com/sparlo/usage/internal/module/billing/period"
	"github.com/sparlo/usage/internal/module/billing/plan"
	"github.com/sparlo/usage/internal/module/billing/quota"
	"github.com/sparlo/usage/internal/module/billing/webhook"
	"github.com/sparlo/usage/internal/module/payment"
	"github.com/sparlo/usage/internal/module/payment/provider"
	"github.com/sparlo/usage/internal/shared/auth"
	"github.com/sparlo/usage/internal/shared/cache"
	"github.com/sparlo/usage/internal/shared/config"
	"github.com/sparlo/usage/internal/shared/database"
	"github.com/sparlo/usage/internal/shared/logger"
	"github.com/sparlo/usage/internal/shared/metrics"
)

// ===== Infrastructure Providers =====

// InfraSet provides infrastructure dependencies.
var InfraSet = wire.NewSet(
	ProvideLogger,
	ProvideDatabase,
	ProvideRedisClient,
	ProvideRegistry,
	ProvideMetrics,
	ProvideArchive,
	ProvideTokenManager,
)

// ProvideLogger creates the zap logger.
func ProvideLogger(cfg *config.Config) (*zap.Logger, func()) {
	log := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	return log, func() { _ = log.Sync() }
}

// ProvideDatabase creates a database connection.
func ProvideDatabase(cfg *config.Config, log *zap.Logger) (*gorm.DB, func(), error) {
	db, err := database.New(&cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return db, func() {
		if err := database.Close(db); err != nil {
			log.Warn("failed to close database", zap.Error(err))
		}
	}, nil
}

// ProvideRedisClient creates a Redis client. Redis only backs the status
// cache, so a failed connection disables it instead of failing startup.
func ProvideRedisClient(cfg *config.Config, log *zap.Logger) (*goredis.Client, func()) {
	if cfg.Redis.Address == "" {
		return nil, func() {}
	}
	client, err := cache.NewRedisClient(&cfg.Redis)
	if err != nil {
		log.Warn("Redis connection failed, continuing without cache", zap.Error(err))
		return nil, func() {}
	}
	return client, func() { _ = cache.Close(client) }
}

// ProvideRegistry creates the Prometheus registry served on /metrics.
func ProvideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// ProvideMetrics creates a metrics instance.
func ProvideMetrics(cfg *config.Config, reg *prometheus.Registry) *metrics.Metrics {
	return metrics.New(cfg.Metrics.Namespace, reg)
}

// ProvideArchive creates the webhook payload archive, or nil when disabled.
func ProvideArchive(cfg *config.Config) (*s3adapter.Archive, error) {
	return s3adapter.NewArchiveFromConfig(context.Background(), &cfg.Storage)
}

// ProvideTokenManager creates the service token manager.
func ProvideTokenManager(cfg *config.Config) *auth.TokenManager {
	return auth.NewTokenManager(auth.TokenConfig{
		Secret:   cfg.Auth.ServiceTokenSecret,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		Expiry:   cfg.Auth.TokenExpiry,
	})
}

// ===== Billing Providers =====

// BillingSet provides the usage accounting components.
var BillingSet = wire.NewSet(
	ProvidePlanTable,
	plan.NewResolver,
	ProvidePeriodStore,
	ProvideWebhookStore,
	ProvideStatusCache,
	ProvideGate,
	ProvideChecker,
	ProvideEventHandler,
	ProvideProcessor,
	ProvideUsageHandler,
)

// ProvidePlanTable returns the configured plans, or the built-in table.
func ProvidePlanTable(cfg *config.Config) []plan.Plan {
	return PlanTable(cfg.Billing.Plans)
}

// PlanTable converts configured plans. An empty list yields DefaultPlans.
func PlanTable(rows []config.PlanConfig) []plan.Plan {
	if len(rows) == 0 {
		return plan.DefaultPlans()
	}
	plans := make([]plan.Plan, 0, len(rows))
	for _, row := range rows {
		plans = append(plans, plan.Plan{
			ID:          row.ID,
			Name:        row.Name,
			Category:    plan.Category(row.Category),
			TokenLimit:  row.TokenLimit,
			ReportLimit: row.ReportLimit,
			PriceIDs:    row.PriceIDs,
		})
	}
	return plans
}

// ProvidePeriodStore creates the usage period store.
func ProvidePeriodStore(db *gorm.DB, m *metrics.Metrics) *period.Repository {
	return period.NewRepository(db, period.WithMetrics(m))
}

// ProvideWebhookStore creates the webhook idempotency store.
func ProvideWebhookStore(cfg *config.Config, db *gorm.DB) *webhook.Repository {
	return webhook.NewRepository(db, webhook.WithStaleAfter(cfg.Billing.WebhookStaleAfter))
}

// ProvideStatusCache creates the status cache, or nil without Redis.
func ProvideStatusCache(cfg *config.Config, client *goredis.Client) *redisadapter.StatusCache {
	if client == nil {
		return nil
	}
	return redisadapter.NewStatusCache(client, cfg.Redis.StatusTTL)
}

// ProvideGate creates the usage gate.
func ProvideGate(cfg *config.Config, store *period.Repository, statusCache *redisadapter.StatusCache, m *metrics.Metrics, log *zap.Logger) *quota.Gate {
	opts := []quota.Option{
		quota.WithGrace(cfg.Billing.PeriodGrace),
		quota.WithMetrics(m),
	}
	if statusCache != nil {
		opts = append(opts, quota.WithStatusCache(statusCache))
	}
	return quota.NewGate(store, log.Named("gate"), opts...)
}

// ProvideChecker creates the admission middleware.
func ProvideChecker(gate *quota.Gate, log *zap.Logger) *quota.Checker {
	return quota.NewChecker(gate, log.Named("checker"))
}

// ProvideEventHandler creates the subscription event handler.
func ProvideEventHandler(resolver *plan.Resolver, store *period.Repository, statusCache *redisadapter.StatusCache, m *metrics.Metrics, log *zap.Logger) *billing.EventHandler {
	var invalidator billing.StatusInvalidator
	if statusCache != nil {
		invalidator = statusCache
	}
	return billing.NewEventHandler(resolver, store, invalidator, m, log.Named("billing"))
}

// ProvideProcessor creates the idempotent event processor.
func ProvideProcessor(events *webhook.Repository, handler *billing.EventHandler, m *metrics.Metrics, log *zap.Logger) *billing.Processor {
	return billing.NewProcessor(events, handler, m, log.Named("processor"))
}

// ProvideUsageHandler creates the internal usage HTTP handler.
func ProvideUsageHandler(gate *quota.Gate, checker *quota.Checker, resolver *plan.Resolver, log *zap.Logger) *billing.Handler {
	return billing.NewHandler(gate, checker, resolver.Plans(), log.Named("usage"))
}

// ===== Payment Providers =====

// PaymentSet provides the Stripe intake.
var PaymentSet = wire.NewSet(
	ProvideStripeClient,
	ProvideWebhookHandler,
)

// ProvideStripeClient creates the Stripe API client, or nil without a key.
func ProvideStripeClient(cfg *config.Config, m *metrics.Metrics, log *zap.Logger) *provider.StripeClient {
	if cfg.Stripe.SecretKey == "" {
		return nil
	}
	return provider.NewStripeClient(&cfg.Stripe, m, log.Named("stripe"))
}

// ProvideWebhookHandler creates the Stripe webhook handler.
func ProvideWebhookHandler(cfg *config.Config, processor *billing.Processor, stripeClient *provider.StripeClient, archive *s3adapter.Archive, log *zap.Logger) *payment.WebhookHandler {
	opts := []payment.WebhookOption{payment.WithTolerance(cfg.Stripe.Tolerance)}
	if stripeClient != nil {
		opts = append(opts, payment.WithSubscriptionLookup(stripeClient))
	}
	if archive != nil {
		opts = append(opts, payment.WithArchive(archive))
	}
	return payment.NewWebhookHandler(processor, cfg.Stripe.WebhookSecret, log.Named("webhook"), opts...)
}

// AppSet is the complete provider set.
var AppSet = wire.NewSet(
	InfraSet,
	BillingSet,
	PaymentSet,
	NewRouter,
	New,
)
