package billing

import (
	"context"
	"errors"

	"github.com/sparlo/usage/internal/module/billing/webhook"
	"github.com/sparlo/usage/internal/shared/metrics"
	"go.uber.org/zap"
)

// Outcome is the result of processing one delivery.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// EventApplier applies a validated event.
type EventApplier interface {
	Handle(ctx context.Context, event Event) error
}

// Processor runs each provider event at most once to completion.
type Processor struct {
	events  webhook.Store
	handler EventApplier
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewProcessor creates a new idempotent event processor. m may be nil.
func NewProcessor(events webhook.Store, handler EventApplier, m *metrics.Metrics, logger *zap.Logger) *Processor {
	return &Processor{
		events:  events,
		handler: handler,
		metrics: m,
		logger:  logger,
	}
}

// Process claims the event, applies it and records the result. Duplicates
// and incomplete payloads succeed without effect. Any other failure is
// returned so the provider redelivers.
func (p *Processor) Process(ctx context.Context, provider string, event Event) (Outcome, error) {
	outcome, err := p.process(ctx, provider, event)
	if p.metrics != nil {
		p.metrics.RecordWebhookEvent(event.Kind(), string(outcome))
	}
	return outcome, err
}

func (p *Processor) process(ctx context.Context, provider string, event Event) (Outcome, error) {
	logger := p.logger.With(
		zap.String("event_id", event.EventID()),
		zap.String("kind", event.Kind()),
		zap.String("provider", provider),
	)

	claim, err := p.events.Claim(ctx, event.EventID(), provider, event.Kind())
	switch {
	case errors.Is(err, webhook.ErrDuplicateEvent):
		logger.Info("duplicate event skipped")
		return OutcomeDuplicate, nil
	case errors.Is(err, webhook.ErrEventInProgress):
		logger.Info("event is being processed by another delivery")
		return OutcomeFailed, err
	case err != nil:
		logger.Error("failed to claim event", zap.Error(err))
		return OutcomeFailed, err
	}
	if claim.Attempts > 1 {
		logger.Info("retrying event", zap.Int("attempt", claim.Attempts))
	}

	// Bookkeeping must land even if the caller goes away mid-request.
	bookCtx := context.WithoutCancel(ctx)

	handleErr := p.handler.Handle(ctx, event)
	if handleErr != nil && !errors.Is(handleErr, ErrIncompleteEvent) {
		if err := p.events.MarkFailed(bookCtx, event.EventID(), handleErr); err != nil {
			logger.Error("failed to mark event failed", zap.Error(err))
		}
		logger.Error("event processing failed", zap.Error(handleErr))
		return OutcomeFailed, handleErr
	}

	if err := p.events.MarkCompleted(bookCtx, event.EventID()); err != nil {
		logger.Error("failed to mark event completed", zap.Error(err))
		return OutcomeFailed, err
	}

	if handleErr != nil {
		return OutcomeSkipped, nil
	}
	return OutcomeProcessed, nil
}
