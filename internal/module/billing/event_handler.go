package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sparlo/usage/internal/module/billing/period"
	"github.com/sparlo/usage/internal/module/billing/plan"
	"github.com/sparlo/usage/internal/shared/metrics"
	"go.uber.org/zap"
)

// PlanResolver maps provider price identifiers to plans.
type PlanResolver interface {
	Resolve(identifier string) (plan.Plan, error)
}

// StatusInvalidator drops cached usage status after a mutation.
type StatusInvalidator interface {
	Invalidate(ctx context.Context, accountID uuid.UUID) error
}

// EventHandler applies subscription lifecycle events to usage periods.
type EventHandler struct {
	resolver PlanResolver
	store    period.Store
	cache    StatusInvalidator
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewEventHandler creates a new subscription event handler. cache and m may be nil.
func NewEventHandler(resolver PlanResolver, store period.Store, cache StatusInvalidator, m *metrics.Metrics, logger *zap.Logger) *EventHandler {
	return &EventHandler{
		resolver: resolver,
		store:    store,
		cache:    cache,
		metrics:  m,
		logger:   logger,
	}
}

// Handle dispatches an event to its transition.
func (h *EventHandler) Handle(ctx context.Context, event Event) error {
	switch e := event.(type) {
	case SubscriptionUpdated:
		return h.OnSubscriptionUpdated(ctx, e)
	case PeriodRenewed:
		return h.OnPeriodRenewed(ctx, e)
	case SubscriptionCanceled:
		return h.OnSubscriptionCanceled(ctx, e)
	case Incomplete:
		h.logger.Warn("ignoring incomplete event",
			zap.String("event_id", e.ID),
			zap.String("event_type", e.Type),
			zap.Error(e.Reason),
		)
		return fmt.Errorf("%w: %v", ErrIncompleteEvent, e.Reason)
	default:
		return fmt.Errorf("unsupported event %T", event)
	}
}

// OnSubscriptionUpdated moves the active period to the new plan's limit.
// Usage and the billing window are never touched.
func (h *EventHandler) OnSubscriptionUpdated(ctx context.Context, e SubscriptionUpdated) error {
	p, err := h.resolve(e.ID, e.PriceID)
	if err != nil {
		return err
	}

	updated, err := h.store.UpdateLimitOnly(ctx, e.AccountID, p.ID, p.TokenLimit)
	if err != nil {
		return fmt.Errorf("update limit: %w", err)
	}
	if !updated {
		// The first renewal will create the period with the current plan.
		h.logger.Info("no active period for plan change",
			zap.String("event_id", e.ID),
			zap.String("account_id", e.AccountID.String()),
			zap.String("plan_id", p.ID),
		)
		return nil
	}

	h.invalidate(ctx, e.AccountID)
	h.logger.Info("token limit updated",
		zap.String("event_id", e.ID),
		zap.String("account_id", e.AccountID.String()),
		zap.String("plan_id", p.ID),
		zap.Int64("tokens_limit", p.TokenLimit),
	)
	return nil
}

// OnPeriodRenewed starts a fresh period. This is the only path that resets usage.
func (h *EventHandler) OnPeriodRenewed(ctx context.Context, e PeriodRenewed) error {
	p, err := h.resolve(e.ID, e.PriceID)
	if err != nil {
		return err
	}

	up, err := h.store.CreateOrRolloverPeriod(ctx, e.AccountID, p.ID, p.TokenLimit, e.PeriodStart, e.PeriodEnd)
	if errors.Is(err, period.ErrStaleRenewal) {
		h.logger.Info("ignoring renewal older than active period",
			zap.String("event_id", e.ID),
			zap.String("account_id", e.AccountID.String()),
			zap.Time("period_start", e.PeriodStart),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("rollover period: %w", err)
	}

	h.invalidate(ctx, e.AccountID)
	h.logger.Info("usage period renewed",
		zap.String("event_id", e.ID),
		zap.String("account_id", e.AccountID.String()),
		zap.String("plan_id", p.ID),
		zap.String("period_id", up.ID.String()),
		zap.Int64("tokens_limit", up.TokensLimit),
		zap.Int64("tokens_used", up.TokensUsed),
		zap.Time("period_end", up.PeriodEnd),
	)
	return nil
}

// OnSubscriptionCanceled keeps the period until it ends; the gate stops
// admitting work once the period and its grace window are over.
func (h *EventHandler) OnSubscriptionCanceled(ctx context.Context, e SubscriptionCanceled) error {
	h.logger.Info("subscription canceled, period runs to its end",
		zap.String("event_id", e.ID),
		zap.String("account_id", e.AccountID.String()),
	)
	return nil
}

func (h *EventHandler) resolve(eventID, priceID string) (plan.Plan, error) {
	p, err := h.resolver.Resolve(priceID)
	if err != nil {
		if h.metrics != nil {
			h.metrics.PlanResolutionErrors.Inc()
		}
		h.logger.Error("price identifier missing from plan table",
			zap.String("event_id", eventID),
			zap.String("price_id", priceID),
			zap.Error(err),
		)
		return plan.Plan{}, err
	}
	return p, nil
}

func (h *EventHandler) invalidate(ctx context.Context, accountID uuid.UUID) {
	if h.cache == nil {
		return
	}
	if err := h.cache.Invalidate(ctx, accountID); err != nil {
		h.logger.Warn("failed to invalidate usage status cache",
			zap.String("account_id", accountID.String()),
			zap.Error(err),
		)
	}
}
