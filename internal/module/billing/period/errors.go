package period

import "errors"

var (
	// ErrNoActivePeriod is returned when an account has no active period to
	// charge. Limit changes treat it as an expected race, not a failure.
	ErrNoActivePeriod = errors.New("no active usage period")

	ErrInvalidDelta  = errors.New("usage delta must not be negative")
	ErrInvalidLimit  = errors.New("token limit must not be negative")
	ErrInvalidWindow = errors.New("period end must be after period start")

	// ErrStaleRenewal is returned when a renewal names a window that starts
	// before the active one. The active period is left untouched.
	ErrStaleRenewal = errors.New("renewal predates the active period")
)
