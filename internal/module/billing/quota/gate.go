package quota

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sparlo/usage/internal/module/billing/period"
	"github.com/sparlo/usage/internal/shared/metrics"
	"go.uber.org/zap"
)

// ErrInvalidCost is returned for negative costs.
var ErrInvalidCost = errors.New("cost must not be negative")

// Reason explains a denied admission.
type Reason string

const (
	ReasonLimitExceeded        Reason = "limit_exceeded"
	ReasonNoActiveSubscription Reason = "no_active_subscription"
)

// Decision is the outcome of an admission check. A denial is a normal
// result, not an error.
type Decision struct {
	Allowed         bool       `json:"allowed"`
	Reason          Reason     `json:"reason,omitempty"`
	PercentageUsed  float64    `json:"percentage_used"`
	PeriodEnd       *time.Time `json:"period_end,omitempty"`
	TokensUsed      int64      `json:"tokens_used"`
	TokensLimit     int64      `json:"tokens_limit"`
	TokensRemaining int64      `json:"tokens_remaining"`
}

// UsageStatus is the dashboard view of an account's current period.
type UsageStatus struct {
	AccountID       uuid.UUID  `json:"account_id"`
	Active          bool       `json:"active"`
	PlanID          string     `json:"plan_id,omitempty"`
	TokensUsed      int64      `json:"tokens_used"`
	TokensLimit     int64      `json:"tokens_limit"`
	TokensRemaining int64      `json:"tokens_remaining"`
	PercentageUsed  float64    `json:"percentage_used"`
	PeriodStart     *time.Time `json:"period_start,omitempty"`
	PeriodEnd       *time.Time `json:"period_end,omitempty"`
}

// StatusCache caches UsageStatus for read-only views. Get returns nil, nil
// on a miss. It is never consulted for admission.
type StatusCache interface {
	Get(ctx context.Context, accountID uuid.UUID) (*UsageStatus, error)
	// Set stores status for at most ttl; a non-positive ttl uses the
	// cache default.
	Set(ctx context.Context, status *UsageStatus, ttl time.Duration) error
	Invalidate(ctx context.Context, accountID uuid.UUID) error
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithGrace sets how long after period_end work is still admitted while a
// late renewal is in flight.
func WithGrace(d time.Duration) Option {
	return func(g *Gate) {
		if d >= 0 {
			g.grace = d
		}
	}
}

// WithStatusCache enables the status cache.
func WithStatusCache(c StatusCache) Option {
	return func(g *Gate) { g.cache = c }
}

// WithMetrics records decisions and recorded tokens.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// Gate decides whether chargeable work may start and records what it used.
type Gate struct {
	store   period.Store
	cache   StatusCache
	metrics *metrics.Metrics
	grace   time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

// NewGate creates a new usage gate.
func NewGate(store period.Store, logger *zap.Logger, opts ...Option) *Gate {
	g := &Gate{
		store:  store,
		grace:  72 * time.Hour,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CheckUsageAllowed admits work iff tokens_used + estimatedCost <= tokens_limit
// on a period that has not ended.
func (g *Gate) CheckUsageAllowed(ctx context.Context, accountID uuid.UUID, estimatedCost int64) (Decision, error) {
	if estimatedCost < 0 {
		return Decision{}, ErrInvalidCost
	}

	p, err := g.store.GetActivePeriod(ctx, accountID)
	if err != nil {
		return Decision{}, err
	}

	var d Decision
	switch {
	case p == nil:
		d = Decision{Allowed: false, Reason: ReasonNoActiveSubscription}
	default:
		end := p.PeriodEnd
		d = Decision{
			PercentageUsed:  p.PercentageUsed(),
			PeriodEnd:       &end,
			TokensUsed:      p.TokensUsed,
			TokensLimit:     p.TokensLimit,
			TokensRemaining: p.Remaining(),
		}
		switch {
		case p.HasEnded(g.now(), g.grace):
			d.Reason = ReasonNoActiveSubscription
		case estimatedCost > p.TokensLimit-p.TokensUsed:
			d.Reason = ReasonLimitExceeded
		default:
			d.Allowed = true
		}
	}

	if g.metrics != nil {
		g.metrics.RecordGateDecision(d.Allowed, string(d.Reason))
	}
	if !d.Allowed {
		g.logger.Debug("usage denied",
			zap.String("account_id", accountID.String()),
			zap.String("reason", string(d.Reason)),
			zap.Int64("estimated_cost", estimatedCost),
		)
	}
	return d, nil
}

// RecordUsage charges completed work to the active period. Callers record
// only after the work finishes, so cancelled work is never charged.
func (g *Gate) RecordUsage(ctx context.Context, accountID uuid.UUID, actualCost int64) error {
	if actualCost < 0 {
		return ErrInvalidCost
	}
	if err := g.store.IncrementUsage(ctx, accountID, actualCost); err != nil {
		return err
	}

	if g.metrics != nil {
		g.metrics.RecordTokens(actualCost)
	}
	if g.cache != nil && actualCost > 0 {
		if err := g.cache.Invalidate(ctx, accountID); err != nil {
			g.logger.Warn("failed to invalidate usage status cache",
				zap.String("account_id", accountID.String()),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Status returns the account's current usage, read through the cache.
func (g *Gate) Status(ctx context.Context, accountID uuid.UUID) (*UsageStatus, error) {
	if g.cache != nil {
		cached, err := g.cache.Get(ctx, accountID)
		if err != nil {
			g.logger.Warn("usage status cache read failed", zap.Error(err))
		} else if cached != nil {
			return cached, nil
		}
	}

	p, err := g.store.GetActivePeriod(ctx, accountID)
	if err != nil {
		return nil, err
	}

	now := g.now()
	status := &UsageStatus{AccountID: accountID}
	var ttl time.Duration
	if p != nil {
		start, end := p.PeriodStart, p.PeriodEnd
		status.Active = !p.HasEnded(now, g.grace)
		if status.Active {
			// Expire no later than the moment Active flips.
			ttl = p.PeriodEnd.Add(g.grace).Sub(now) + time.Second
		}
		status.PlanID = p.PlanID
		status.TokensUsed = p.TokensUsed
		status.TokensLimit = p.TokensLimit
		status.TokensRemaining = p.Remaining()
		status.PercentageUsed = p.PercentageUsed()
		status.PeriodStart = &start
		status.PeriodEnd = &end
	}

	if g.cache != nil {
		if err := g.cache.Set(ctx, status, ttl); err != nil {
			g.logger.Warn("usage status cache write failed", zap.Error(err))
		}
	}
	return status, nil
}

// History returns the account's most recent periods, newest first.
func (g *Gate) History(ctx context.Context, accountID uuid.UUID, limit int) ([]*period.UsagePeriod, error) {
	return g.store.ListPeriods(ctx, accountID, limit)
}
