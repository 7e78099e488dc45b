package payment

import "errors"

// Module errors.
var (
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")
	ErrMissingSubscription     = errors.New("invoice has no subscription")
	ErrMissingLineItem         = errors.New("missing price line item")
	ErrNotRenewalInvoice       = errors.New("invoice does not renew a billing period")
)
