package billing

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Event kinds, used for logs and metric labels.
const (
	KindSubscriptionUpdated  = "subscription_updated"
	KindPeriodRenewed        = "period_renewed"
	KindSubscriptionCanceled = "subscription_canceled"
	KindIncomplete           = "incomplete"
)

// ErrIncompleteEvent marks a payload missing the fields needed to act on it.
// Retrying cannot fix it, so it is acknowledged without effect.
var ErrIncompleteEvent = errors.New("incomplete event payload")

// Event is one validated subscription lifecycle event. The set of
// implementations is closed.
type Event interface {
	EventID() string
	Kind() string
	isEvent()
}

// SubscriptionUpdated reports the plan currently attached to a subscription.
type SubscriptionUpdated struct {
	ID        string
	AccountID uuid.UUID
	PriceID   string
}

// PeriodRenewed reports a paid billing cycle.
type PeriodRenewed struct {
	ID          string
	AccountID   uuid.UUID
	PriceID     string
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// SubscriptionCanceled reports a subscription that will not renew.
type SubscriptionCanceled struct {
	ID        string
	AccountID uuid.UUID
}

// Incomplete carries an event that failed validation so that it is still
// recorded once and acknowledged.
type Incomplete struct {
	ID     string
	Type   string
	Reason error
}

func (e SubscriptionUpdated) EventID() string  { return e.ID }
func (e PeriodRenewed) EventID() string        { return e.ID }
func (e SubscriptionCanceled) EventID() string { return e.ID }
func (e Incomplete) EventID() string           { return e.ID }

func (SubscriptionUpdated) Kind() string  { return KindSubscriptionUpdated }
func (PeriodRenewed) Kind() string        { return KindPeriodRenewed }
func (SubscriptionCanceled) Kind() string { return KindSubscriptionCanceled }
func (Incomplete) Kind() string           { return KindIncomplete }

func (SubscriptionUpdated) isEvent()  {}
func (PeriodRenewed) isEvent()        {}
func (SubscriptionCanceled) isEvent() {}
func (Incomplete) isEvent()           {}

// SubscriptionUpdatedPayload is the provider-neutral shape of a plan change.
type SubscriptionUpdatedPayload struct {
	EventID   string `validate:"required"`
	AccountID string `validate:"required,uuid"`
	PriceID   string `validate:"required"`
}

// PeriodRenewedPayload is the provider-neutral shape of a paid cycle.
// Timestamps are unix seconds.
type PeriodRenewedPayload struct {
	EventID     string `validate:"required"`
	AccountID   string `validate:"required,uuid"`
	PriceID     string `validate:"required"`
	PeriodStart int64  `validate:"required,gt=0"`
	PeriodEnd   int64  `validate:"required,gtfield=PeriodStart"`
}

// SubscriptionCanceledPayload is the provider-neutral shape of a cancellation.
type SubscriptionCanceledPayload struct {
	EventID   string `validate:"required"`
	AccountID string `validate:"required,uuid"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func check(payload any) error {
	if err := validate.Struct(payload); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s failed %q", ErrIncompleteEvent, verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", ErrIncompleteEvent, err)
	}
	return nil
}

// ParseSubscriptionUpdated validates a plan change payload.
func ParseSubscriptionUpdated(p SubscriptionUpdatedPayload) (SubscriptionUpdated, error) {
	if err := check(p); err != nil {
		return SubscriptionUpdated{}, err
	}
	return SubscriptionUpdated{
		ID:        p.EventID,
		AccountID: uuid.MustParse(p.AccountID),
		PriceID:   p.PriceID,
	}, nil
}

// ParsePeriodRenewed validates a renewal payload.
func ParsePeriodRenewed(p PeriodRenewedPayload) (PeriodRenewed, error) {
	if err := check(p); err != nil {
		return PeriodRenewed{}, err
	}
	return PeriodRenewed{
		ID:          p.EventID,
		AccountID:   uuid.MustParse(p.AccountID),
		PriceID:     p.PriceID,
		PeriodStart: time.Unix(p.PeriodStart, 0).UTC(),
		PeriodEnd:   time.Unix(p.PeriodEnd, 0).UTC(),
	}, nil
}

// ParseSubscriptionCanceled validates a cancellation payload.
func ParseSubscriptionCanceled(p SubscriptionCanceledPayload) (SubscriptionCanceled, error) {
	if err := check(p); err != nil {
		return SubscriptionCanceled{}, err
	}
	return SubscriptionCanceled{
		ID:        p.EventID,
		AccountID: uuid.MustParse(p.AccountID),
	}, nil
}
