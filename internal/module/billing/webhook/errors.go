package webhook

import "errors"

var (
	// ErrDuplicateEvent means the event was already processed successfully.
	ErrDuplicateEvent = errors.New("webhook event already processed")
	// ErrEventInProgress means another delivery of the event holds the claim.
	ErrEventInProgress = errors.New("webhook event is being processed")
	ErrEventNotFound   = errors.New("webhook event not found")
)
