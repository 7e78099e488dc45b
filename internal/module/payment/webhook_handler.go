package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sparlo/usage/internal/module/billing"
	"github.com/sparlo/usage/internal/module/billing/webhook"
	"github.com/sparlo/usage/internal/module/payment/provider"
	"github.com/stripe/stripe-go/v76"
	stripewebhook "github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

// ProviderStripe names Stripe in idempotency records and archive keys.
const ProviderStripe = "stripe"

const maxPayloadBytes = 65536

// Stripe event types consumed by the service.
const (
	eventSubscriptionUpdated = "customer.subscription.updated"
	eventSubscriptionDeleted = "customer.subscription.deleted"
	eventInvoicePaid         = "invoice.paid"
)

// EventProcessor runs a billing event through the idempotency wrapper.
type EventProcessor interface {
	Process(ctx context.Context, provider string, event billing.Event) (billing.Outcome, error)
}

// SubscriptionLookup resolves the account of a subscription from Stripe.
type SubscriptionLookup interface {
	SubscriptionAccount(ctx context.Context, subscriptionID string) (uuid.UUID, error)
}

// PayloadArchive stores raw payloads.
type PayloadArchive interface {
	Put(ctx context.Context, provider, eventID string, receivedAt time.Time, payload []byte) (string, error)
}

// WebhookOption configures a WebhookHandler.
type WebhookOption func(*WebhookHandler)

// WithSubscriptionLookup enables the API fallback for invoices whose
// metadata lacks the account id.
func WithSubscriptionLookup(l SubscriptionLookup) WebhookOption {
	return func(h *WebhookHandler) { h.lookup = l }
}

// WithArchive stores every verified payload before processing.
func WithArchive(a PayloadArchive) WebhookOption {
	return func(h *WebhookHandler) { h.archive = a }
}

// WithTolerance sets the accepted signature age.
func WithTolerance(d time.Duration) WebhookOption {
	return func(h *WebhookHandler) {
		if d > 0 {
			h.tolerance = d
		}
	}
}

// WebhookHandler handles Stripe webhook events.
type WebhookHandler struct {
	processor EventProcessor
	lookup    SubscriptionLookup
	archive   PayloadArchive
	secret    string
	tolerance time.Duration
	logger    *zap.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(processor EventProcessor, secret string, logger *zap.Logger, opts ...WebhookOption) *WebhookHandler {
	h := &WebhookHandler{
		processor: processor,
		secret:    secret,
		tolerance: stripewebhook.DefaultTolerance,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers the webhook routes.
func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/stripe", h.HandleStripeWebhook)
}

// HandleStripeWebhook verifies, maps and processes one Stripe delivery.
func (h *WebhookHandler) HandleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxPayloadBytes))
	if err != nil {
		h.logger.Warn("failed to read webhook body", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	event, err := stripewebhook.ConstructEventWithOptions(payload, c.GetHeader("Stripe-Signature"), h.secret,
		stripewebhook.ConstructEventOptions{
			Tolerance:                h.tolerance,
			IgnoreAPIVersionMismatch: true,
		})
	if err != nil {
		h.logger.Warn("invalid webhook signature", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrInvalidWebhookSignature.Error()})
		return
	}

	eventType := string(event.Type)
	if !handled(eventType) {
		h.logger.Debug("unhandled webhook event type", zap.String("type", eventType))
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	ctx := c.Request.Context()
	if h.archive != nil {
		if _, err := h.archive.Put(ctx, ProviderStripe, event.ID, time.Now(), payload); err != nil {
			h.logger.Warn("failed to archive webhook payload",
				zap.String("event_id", event.ID),
				zap.Error(err),
			)
		}
	}

	ev, err := h.toBillingEvent(ctx, &event)
	if err != nil {
		h.logger.Error("failed to resolve webhook event",
			zap.String("event_id", event.ID),
			zap.String("type", eventType),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}

	outcome, err := h.processor.Process(ctx, ProviderStripe, ev)
	switch {
	case errors.Is(err, webhook.ErrEventInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "event is being processed"})
	case err != nil:
		h.logger.Error("failed to process webhook event",
			zap.String("event_id", event.ID),
			zap.String("type", eventType),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
	default:
		c.JSON(http.StatusOK, gin.H{"status": string(outcome)})
	}
}

func handled(eventType string) bool {
	switch eventType {
	case eventSubscriptionUpdated, eventSubscriptionDeleted, eventInvoicePaid:
		return true
	}
	return false
}

// toBillingEvent maps a verified Stripe event. Payloads that cannot be acted
// on become billing.Incomplete; only transient lookup failures are errors.
func (h *WebhookHandler) toBillingEvent(ctx context.Context, event *stripe.Event) (billing.Event, error) {
	incomplete := func(reason error) billing.Event {
		return billing.Incomplete{ID: event.ID, Type: string(event.Type), Reason: reason}
	}
	if event.Data == nil {
		return incomplete(errors.New("event has no data")), nil
	}

	switch string(event.Type) {
	case eventSubscriptionUpdated, eventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return incomplete(fmt.Errorf("unmarshal subscription: %w", err)), nil
		}
		accountID := sub.Metadata[provider.AccountMetadataKey]

		if string(event.Type) == eventSubscriptionDeleted {
			ev, err := billing.ParseSubscriptionCanceled(billing.SubscriptionCanceledPayload{
				EventID:   event.ID,
				AccountID: accountID,
			})
			if err != nil {
				return incomplete(err), nil
			}
			return ev, nil
		}

		ev, err := billing.ParseSubscriptionUpdated(billing.SubscriptionUpdatedPayload{
			EventID:   event.ID,
			AccountID: accountID,
			PriceID:   subscriptionPrice(&sub),
		})
		if err != nil {
			return incomplete(err), nil
		}
		return ev, nil

	case eventInvoicePaid:
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return incomplete(fmt.Errorf("unmarshal invoice: %w", err)), nil
		}
		if inv.Subscription == nil || inv.Subscription.ID == "" {
			return incomplete(ErrMissingSubscription), nil
		}
		// Mid-cycle plan changes arrive as customer.subscription.updated;
		// their proration invoices must not roll the period over.
		if !renewsPeriod(inv.BillingReason) {
			return incomplete(fmt.Errorf("%w: billing reason %q", ErrNotRenewalInvoice, inv.BillingReason)), nil
		}

		accountID, err := h.invoiceAccount(ctx, &inv)
		if errors.Is(err, provider.ErrAccountNotFound) {
			return incomplete(err), nil
		}
		if err != nil {
			return nil, err
		}

		line := firstLine(&inv)
		if line == nil || line.Price == nil || line.Period == nil {
			return incomplete(ErrMissingLineItem), nil
		}
		ev, err := billing.ParsePeriodRenewed(billing.PeriodRenewedPayload{
			EventID:     event.ID,
			AccountID:   accountID,
			PriceID:     priceIdentifier(line.Price),
			PeriodStart: line.Period.Start,
			PeriodEnd:   line.Period.End,
		})
		if err != nil {
			return incomplete(err), nil
		}
		return ev, nil
	}
	return incomplete(fmt.Errorf("unsupported event type %s", event.Type)), nil
}

// invoiceAccount reads the account id from invoice metadata, then the
// expanded subscription, then the Stripe API.
func (h *WebhookHandler) invoiceAccount(ctx context.Context, inv *stripe.Invoice) (string, error) {
	if id, err := provider.AccountFromMetadata(inv.Metadata); err == nil {
		return id.String(), nil
	}
	if id, err := provider.AccountFromMetadata(inv.Subscription.Metadata); err == nil {
		return id.String(), nil
	}
	if h.lookup == nil {
		return "", provider.ErrAccountNotFound
	}
	id, err := h.lookup.SubscriptionAccount(ctx, inv.Subscription.ID)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func subscriptionPrice(sub *stripe.Subscription) string {
	if sub.Items == nil {
		return ""
	}
	for _, item := range sub.Items.Data {
		if item != nil && item.Price != nil {
			return priceIdentifier(item.Price)
		}
	}
	return ""
}

func renewsPeriod(reason stripe.InvoiceBillingReason) bool {
	switch reason {
	case stripe.InvoiceBillingReasonSubscriptionCycle, stripe.InvoiceBillingReasonSubscriptionCreate:
		return true
	}
	return false
}

// firstLine returns the first priced line that is not a proration.
func firstLine(inv *stripe.Invoice) *stripe.InvoiceLineItem {
	if inv.Lines == nil {
		return nil
	}
	for _, line := range inv.Lines.Data {
		if line != nil && line.Price != nil && !line.Proration {
			return line
		}
	}
	return nil
}

func priceIdentifier(p *stripe.Price) string {
	if p.ID != "" {
		return p.ID
	}
	return p.LookupKey
}
