package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sparlo/usage/internal/module/billing"
	"github.com/sparlo/usage/internal/module/billing/period"
	"github.com/sparlo/usage/internal/module/billing/plan"
	"github.com/sparlo/usage/internal/module/billing/webhook"
	apperrors "github.com/sparlo/usage/internal/shared/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testSecret = "whsec_test"

func init() {
	gin.SetMode(gin.TestMode)
}

// MockProcessor is a mock implementation of EventProcessor.
type MockProcessor struct {
	mock.Mock
}

func (m *MockProcessor) Process(ctx context.Context, provider string, event billing.Event) (billing.Outcome, error) {
	args := m.Called(ctx, provider, event)
	return args.Get(0).(billing.Outcome), args.Error(1)
}

// MockLookup is a mock implementation of SubscriptionLookup.
type MockLookup struct {
	mock.Mock
}

func (m *MockLookup) SubscriptionAccount(ctx context.Context, subscriptionID string) (uuid.UUID, error) {
	args := m.Called(ctx, subscriptionID)
	return args.Get(0).(uuid.UUID), args.Error(1)
}

// MockArchive is a mock implementation of PayloadArchive.
type MockArchive struct {
	mock.Mock
}

func (m *MockArchive) Put(ctx context.Context, provider, eventID string, receivedAt time.Time, payload []byte) (string, error) {
	args := m.Called(ctx, provider, eventID, receivedAt, payload)
	return args.String(0), args.Error(1)
}

func sign(payload []byte, secret string, ts time.Time) string {
	return stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: ts,
		Scheme:    "v1",
	}).Header
}

func stripeEvent(t *testing.T, id, eventType string, object any) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"api_version": "2020-08-27",
		"created":     time.Now().Unix(),
		"data":        map[string]any{"object": object},
	})
	require.NoError(t, err)
	return data
}

func subscriptionObject(account string, price string) map[string]any {
	return map[string]any{
		"id":       "sub_123",
		"object":   "subscription",
		"metadata": map[string]string{"account_id": account},
		"items": map[string]any{
			"object": "list",
			"data": []any{
				map[string]any{"id": "si_1", "object": "subscription_item", "price": map[string]any{"id": price, "object": "price"}},
			},
		},
	}
}

func invoiceObject(metadata map[string]string, price string, start, end int64) map[string]any {
	return invoiceWithLines("subscription_cycle", metadata, invoiceLine("il_1", price, start, end, false))
}

func invoiceWithLines(reason string, metadata map[string]string, lines ...map[string]any) map[string]any {
	data := make([]any, 0, len(lines))
	for _, l := range lines {
		data = append(data, l)
	}
	return map[string]any{
		"id":             "in_123",
		"object":         "invoice",
		"billing_reason": reason,
		"subscription":   "sub_123",
		"metadata":       metadata,
		"lines": map[string]any{
			"object": "list",
			"data":   data,
		},
	}
}

func invoiceLine(id, price string, start, end int64, proration bool) map[string]any {
	return map[string]any{
		"id":        id,
		"object":    "line_item",
		"proration": proration,
		"price":     map[string]any{"id": price, "object": "price"},
		"period":    map[string]any{"start": start, "end": end},
	}
}

func deliver(h *WebhookHandler, payload []byte, signature string) *httptest.ResponseRecorder {
	r := gin.New()
	h.RegisterRoutes(r.Group("/webhooks"))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signature)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestWebhookHandler_Signature(t *testing.T) {
	processor := new(MockProcessor)
	h := NewWebhookHandler(processor, testSecret, zap.NewNop())
	payload := stripeEvent(t, "evt_1", eventSubscriptionUpdated, subscriptionObject(uuid.NewString(), "price_core"))

	t.Run("wrong secret", func(t *testing.T) {
		w := deliver(h, payload, sign(payload, "whsec_other", time.Now()))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("expired timestamp", func(t *testing.T) {
		w := deliver(h, payload, sign(payload, testSecret, time.Now().Add(-time.Hour)))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing header", func(t *testing.T) {
		w := deliver(h, payload, "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("malformed json", func(t *testing.T) {
		bad := []byte(`{"id":`)
		w := deliver(h, bad, sign(bad, testSecret, time.Now()))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	processor.AssertNotCalled(t, "Process", mock.Anything, mock.Anything, mock.Anything)
}

func TestWebhookHandler_Ignored(t *testing.T) {
	processor := new(MockProcessor)
	archive := new(MockArchive)
	h := NewWebhookHandler(processor, testSecret, zap.NewNop(), WithArchive(archive))

	payload := stripeEvent(t, "evt_1", "charge.refunded", map[string]any{"id": "ch_1", "object": "charge"})
	w := deliver(h, payload, sign(payload, testSecret, time.Now()))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ignored")
	processor.AssertNotCalled(t, "Process", mock.Anything, mock.Anything, mock.Anything)
	archive.AssertNotCalled(t, "Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestWebhookHandler_Mapping(t *testing.T) {
	account := uuid.New()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	t.Run("subscription updated", func(t *testing.T) {
		processor := new(MockProcessor)
		processor.On("Process", mock.Anything, ProviderStripe, billing.SubscriptionUpdated{
			ID: "evt_1", AccountID: account, PriceID: "price_pro",
		}).Return(billing.OutcomeProcessed, nil)

		payload := stripeEvent(t, "evt_1", eventSubscriptionUpdated, subscriptionObject(account.String(), "price_pro"))
		w := deliver(NewWebhookHandler(processor, testSecret, zap.NewNop()), payload, sign(payload, testSecret, time.Now()))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "processed")
		processor.AssertExpectations(t)
	})

	t.Run("subscription deleted", func(t *testing.T) {
		processor := new(MockProcessor)
		processor.On("Process", mock.Anything, ProviderStripe, billing.SubscriptionCanceled{
			ID: "evt_2", AccountID: account,
		}).Return(billing.OutcomeProcessed, nil)

		payload := stripeEvent(t, "evt_2", eventSubscriptionDeleted, subscriptionObject(account.String(), "price_pro"))
		w := deliver(NewWebhookHandler(processor, testSecret, zap.NewNop()), payload, sign(payload, testSecret, time.Now()))

		assert.Equal(t, http.StatusOK, w.Code)
		processor.AssertExpectations(t)
	})

	t.Run("invoice paid with metadata", func(t *testing.T) {
		processor := new(MockProcessor)
		processor.On("Process", mock.Anything, ProviderStripe, billing.PeriodRenewed{
			ID: "evt_3", AccountID: account, PriceID: "price_core", PeriodStart: start, PeriodEnd: end,
		}).Return(billing.OutcomeProcessed, nil)

		payload := stripeEvent(t, "evt_3", eventInvoicePaid,
			invoiceObject(map[string]string{"account_id": account.String()}, "price_core", start.Unix(), end.Unix()))
		w := deliver(NewWebhookHandler(processor, testSecret, zap.NewNop()), payload, sign(payload, testSecret, time.Now()))

		assert.Equal(t, http.StatusOK, w.Code)
		processor.AssertExpectations(t)
	})

	t.Run("invoice paid falls back to subscription lookup", func(t *testing.T) {
		processor := new(MockProcessor)
		processor.On("Process", mock.Anything, ProviderStripe, billing.PeriodRenewed{
			ID: "evt_4", AccountID: account, PriceID: "price_core", PeriodStart: start, PeriodEnd: end,
		}).Return(billing.OutcomeProcessed, nil)
		lookup := new(MockLookup)
		lookup.On("SubscriptionAccount", mock.Anything, "sub_123").Return(account, nil)

		payload := stripeEvent(t, "evt_4", eventInvoicePaid, invoiceObject(nil, "price_core", start.Unix(), end.Unix()))
		h := NewWebhookHandler(processor, testSecret, zap.NewNop(), WithSubscriptionLookup(lookup))
		w := deliver(h, payload, sign(payload, testSecret, time.Now()))

		assert.Equal(t, http.StatusOK, w.Code)
		processor.AssertExpectations(t)
		lookup.AssertExpectations(t)
	})

	t.Run("lookup outage is retried by Stripe", func(t *testing.T) {
		processor := new(MockProcessor)
		lookup := new(MockLookup)
		lookup.On("SubscriptionAccount", mock.Anything, "sub_123").Return(uuid.Nil, errors.New("circuit breaker is open"))

		payload := stripeEvent(t, "evt_5", eventInvoicePaid, invoiceObject(nil, "price_core", start.Unix(), end.Unix()))
		h := NewWebhookHandler(processor, testSecret, zap.NewNop(), WithSubscriptionLookup(lookup))
		w := deliver(h, payload, sign(payload, testSecret, time.Now()))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		processor.AssertNotCalled(t, "Process", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("proration invoice does not renew", func(t *testing.T) {
		processor := new(MockProcessor)
		processor.On("Process", mock.Anything, ProviderStripe, mock.MatchedBy(func(ev billing.Event) bool {
			inc, ok := ev.(billing.Incomplete)
			return ok && inc.ID == "evt_7" && errors.Is(inc.Reason, ErrNotRenewalInvoice)
		})).Return(billing.OutcomeSkipped, nil)
		lookup := new(MockLookup)

		mid := start.AddDate(0, 0, 10)
		payload := stripeEvent(t, "evt_7", eventInvoicePaid, invoiceWithLines("subscription_update", nil,
			invoiceLine("il_credit", "price_core", mid.Unix(), end.Unix(), true),
			invoiceLine("il_charge", "price_pro", mid.Unix(), end.Unix(), true),
		))
		h := NewWebhookHandler(processor, testSecret, zap.NewNop(), WithSubscriptionLookup(lookup))
		w := deliver(h, payload, sign(payload, testSecret, time.Now()))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "skipped")
		processor.AssertExpectations(t)
		lookup.AssertNotCalled(t, "SubscriptionAccount", mock.Anything, mock.Anything)
	})

	t.Run("cycle invoice skips proration lines", func(t *testing.T) {
		processor := new(MockProcessor)
		processor.On("Process", mock.Anything, ProviderStripe, billing.PeriodRenewed{
			ID: "evt_8", AccountID: account, PriceID: "price_pro", PeriodStart: start, PeriodEnd: end,
		}).Return(billing.OutcomeProcessed, nil)

		payload := stripeEvent(t, "evt_8", eventInvoicePaid, invoiceWithLines("subscription_cycle",
			map[string]string{"account_id": account.String()},
			invoiceLine("il_prev", "price_core", start.AddDate(0, 0, -5).Unix(), start.Unix(), true),
			invoiceLine("il_next", "price_pro", start.Unix(), end.Unix(), false),
		))
		w := deliver(NewWebhookHandler(processor, testSecret, zap.NewNop()), payload, sign(payload, testSecret, time.Now()))

		assert.Equal(t, http.StatusOK, w.Code)
		processor.AssertExpectations(t)
	})

	t.Run("missing account becomes incomplete", func(t *testing.T) {
		processor := new(MockProcessor)
		processor.On("Process", mock.Anything, ProviderStripe, mock.MatchedBy(func(ev billing.Event) bool {
			inc, ok := ev.(billing.Incomplete)
			return ok && inc.ID == "evt_6" && errors.Is(inc.Reason, billing.ErrIncompleteEvent)
		})).Return(billing.OutcomeSkipped, nil)

		payload := stripeEvent(t, "evt_6", eventSubscriptionUpdated, subscriptionObject("", "price_core"))
		w := deliver(NewWebhookHandler(processor, testSecret, zap.NewNop()), payload, sign(payload, testSecret, time.Now()))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "skipped")
		processor.AssertExpectations(t)
	})
}

func TestWebhookHandler_ProcessErrors(t *testing.T) {
	account := uuid.New()
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"in progress", webhook.ErrEventInProgress, http.StatusConflict},
		{"storage", apperrors.Storage("claim webhook event", errors.New("timeout")), http.StatusInternalServerError},
		{"configuration", &plan.ConfigurationError{Identifier: "price_new"}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			processor := new(MockProcessor)
			processor.On("Process", mock.Anything, ProviderStripe, mock.Anything).Return(billing.OutcomeFailed, tt.err)

			payload := stripeEvent(t, "evt_1", eventSubscriptionUpdated, subscriptionObject(account.String(), "price_core"))
			w := deliver(NewWebhookHandler(processor, testSecret, zap.NewNop()), payload, sign(payload, testSecret, time.Now()))
			assert.Equal(t, tt.expected, w.Code)
		})
	}
}

func TestWebhookHandler_ArchiveIsBestEffort(t *testing.T) {
	processor := new(MockProcessor)
	processor.On("Process", mock.Anything, ProviderStripe, mock.Anything).Return(billing.OutcomeProcessed, nil)
	archive := new(MockArchive)
	archive.On("Put", mock.Anything, ProviderStripe, "evt_1", mock.Anything, mock.Anything).Return("", errors.New("bucket missing"))

	payload := stripeEvent(t, "evt_1", eventSubscriptionUpdated, subscriptionObject(uuid.NewString(), "price_core"))
	h := NewWebhookHandler(processor, testSecret, zap.NewNop(), WithArchive(archive))
	w := deliver(h, payload, sign(payload, testSecret, time.Now()))

	assert.Equal(t, http.StatusOK, w.Code)
	archive.AssertExpectations(t)
	processor.AssertExpectations(t)
}

func TestWebhookHandler_EndToEnd(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, period.AutoMigrate(db))
	require.NoError(t, webhook.AutoMigrate(db))

	plans := plan.DefaultPlans()
	plans[0].PriceIDs = []string{"price_core"}
	resolver, err := plan.NewResolver(plans)
	require.NoError(t, err)

	periods := period.NewRepository(db)
	handler := billing.NewEventHandler(resolver, periods, nil, nil, zap.NewNop())
	processor := billing.NewProcessor(webhook.NewRepository(db), handler, nil, zap.NewNop())
	h := NewWebhookHandler(processor, testSecret, zap.NewNop())

	account := uuid.New()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	payload := stripeEvent(t, "evt_renew", eventInvoicePaid,
		invoiceObject(map[string]string{"account_id": account.String()}, "price_core", start.Unix(), start.AddDate(0, 1, 0).Unix()))

	w := deliver(h, payload, sign(payload, testSecret, time.Now()))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "processed")

	p, err := periods.GetActivePeriod(context.Background(), account)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, int64(3_000_000), p.TokensLimit)
	assert.True(t, p.PeriodStart.Equal(start))

	w = deliver(h, payload, sign(payload, testSecret, time.Now()))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "duplicate")

	t.Run("mid-cycle upgrade invoice keeps usage", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, periods.IncrementUsage(ctx, account, 2_000_000))

		mid := start.AddDate(0, 0, 10)
		upgrade := stripeEvent(t, "evt_upgrade_invoice", eventInvoicePaid, invoiceWithLines("subscription_update",
			map[string]string{"account_id": account.String()},
			invoiceLine("il_upgrade", "individual-pro", mid.Unix(), start.AddDate(0, 1, 0).Unix(), true),
		))
		w := deliver(h, upgrade, sign(upgrade, testSecret, time.Now()))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "skipped")

		p, err := periods.GetActivePeriod(ctx, account)
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, int64(2_000_000), p.TokensUsed)
		assert.Equal(t, int64(3_000_000), p.TokensLimit)
		assert.True(t, p.PeriodStart.Equal(start))
	})
}
