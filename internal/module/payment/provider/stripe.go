package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"github.com/sparlo/usage/internal/shared/config"
	"github.com/sparlo/usage/internal/shared/metrics"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"go.uber.org/zap"
)

// AccountMetadataKey is the subscription metadata key carrying the account id.
const AccountMetadataKey = "account_id"

// ErrAccountNotFound is returned when a subscription carries no usable
// account id. Retrying does not help.
var ErrAccountNotFound = errors.New("subscription has no account_id metadata")

// SubscriptionGetter fetches a subscription from Stripe.
type SubscriptionGetter interface {
	Get(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
}

// StripeClient looks up subscriptions through a circuit breaker.
type StripeClient struct {
	subs    SubscriptionGetter
	breaker *gobreaker.CircuitBreaker[*stripe.Subscription]
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewStripeClient creates a client backed by the Stripe API.
func NewStripeClient(cfg *config.StripeConfig, m *metrics.Metrics, logger *zap.Logger) *StripeClient {
	sc := &client.API{}
	sc.Init(cfg.SecretKey, nil)
	return NewStripeClientWith(sc.Subscriptions, cfg.Breaker, m, logger)
}

// NewStripeClientWith creates a client over an arbitrary SubscriptionGetter.
func NewStripeClientWith(subs SubscriptionGetter, cfg config.BreakerConfig, m *metrics.Metrics, logger *zap.Logger) *StripeClient {
	c := &StripeClient{subs: subs, metrics: m, logger: logger}

	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	maxRequests := cfg.MaxRequests
	if maxRequests == 0 {
		maxRequests = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c.breaker = gobreaker.NewCircuitBreaker[*stripe.Subscription](gobreaker.Settings{
		Name:        "stripe",
		MaxRequests: maxRequests,
		Interval:    cfg.Interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if m != nil {
				m.StripeBreakerState.Set(float64(to))
			}
		},
	})
	return c
}

// State returns the breaker state.
func (c *StripeClient) State() gobreaker.State {
	return c.breaker.State()
}

// Subscription fetches a subscription by id.
func (c *StripeClient) Subscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	sub, err := c.breaker.Execute(func() (*stripe.Subscription, error) {
		params := &stripe.SubscriptionParams{}
		params.Context = ctx
		return c.subs.Get(subscriptionID, params)
	})
	if err != nil {
		return nil, fmt.Errorf("get subscription %s: %w", subscriptionID, err)
	}
	return sub, nil
}

// SubscriptionAccount returns the account id stored on a subscription.
func (c *StripeClient) SubscriptionAccount(ctx context.Context, subscriptionID string) (uuid.UUID, error) {
	sub, err := c.Subscription(ctx, subscriptionID)
	if err != nil {
		return uuid.Nil, err
	}
	return AccountFromMetadata(sub.Metadata)
}

// AccountFromMetadata parses the account id from Stripe metadata.
func AccountFromMetadata(md map[string]string) (uuid.UUID, error) {
	raw, ok := md[AccountMetadataKey]
	if !ok || raw == "" {
		return uuid.Nil, ErrAccountNotFound
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %q is not a UUID", ErrAccountNotFound, raw)
	}
	return id, nil
}
