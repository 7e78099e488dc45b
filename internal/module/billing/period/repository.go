package period

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/sparlo/usage/internal/shared/errors"
	"github.com/sparlo/usage/internal/shared/metrics"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the durable home of usage periods. Mutations are narrow: a limit
// change never touches usage and only a rollover resets it.
type Store interface {
	// CreateOrRolloverPeriod makes [start, end) the active period with zero
	// usage. Replaying the active window only refreshes its limit and end.
	CreateOrRolloverPeriod(ctx context.Context, accountID uuid.UUID, planID string, tokenLimit int64, start, end time.Time) (*UsagePeriod, error)
	// UpdateLimitOnly changes the active period's limit. It reports false when
	// the account has no active period.
	UpdateLimitOnly(ctx context.Context, accountID uuid.UUID, planID string, newLimit int64) (bool, error)
	// GetActivePeriod returns nil, nil when the account has no active period.
	GetActivePeriod(ctx context.Context, accountID uuid.UUID) (*UsagePeriod, error)
	// IncrementUsage atomically adds delta to the active period.
	IncrementUsage(ctx context.Context, accountID uuid.UUID, delta int64) error
	// ListPeriods returns the newest periods first.
	ListPeriods(ctx context.Context, accountID uuid.UUID, limit int) ([]*UsagePeriod, error)
}

// Option configures a Repository.
type Option func(*Repository)

// WithClock overrides the time source used for updated_at.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// WithMetrics records operation latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Repository) { r.metrics = m }
}

// Repository implements Store on gorm.
type Repository struct {
	db      *gorm.DB
	now     func() time.Time
	metrics *metrics.Metrics
}

var _ Store = (*Repository)(nil)

// NewRepository creates a new usage period repository.
func NewRepository(db *gorm.DB, opts ...Option) *Repository {
	r := &Repository{db: db, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Repository) observe(op string) func() {
	if r.metrics == nil {
		return func() {}
	}
	start := time.Now()
	return func() { r.metrics.ObserveStoreOp(op, start) }
}

func (r *Repository) timestamp() time.Time {
	return r.now().UTC()
}

// normalize stores provider timestamps as UTC seconds.
func normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

func activeScope(accountID uuid.UUID) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("account_id = ? AND status = ?", accountID, StatusActive)
	}
}

func (r *Repository) CreateOrRolloverPeriod(ctx context.Context, accountID uuid.UUID, planID string, tokenLimit int64, start, end time.Time) (*UsagePeriod, error) {
	if tokenLimit < 0 {
		return nil, ErrInvalidLimit
	}
	start, end = normalize(start), normalize(end)
	if !end.After(start) {
		return nil, ErrInvalidWindow
	}
	defer r.observe("create_or_rollover")()

	var result *UsagePeriod
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := r.timestamp()

		var current UsagePeriod
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Scopes(activeScope(accountID)).
			Take(&current).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			// First period for this account.
		case err != nil:
			return apperrors.Storage("load active period", err)
		case current.PeriodStart.Equal(start):
			err := tx.Model(&UsagePeriod{}).
				Where("id = ?", current.ID).
				Updates(map[string]any{
					"plan_id":      planID,
					"tokens_limit": tokenLimit,
					"period_end":   end,
					"updated_at":   now,
				}).Error
			if err != nil {
				return apperrors.Storage("refresh active period", err)
			}
			current.PlanID = planID
			current.TokensLimit = tokenLimit
			current.PeriodEnd = end
			current.UpdatedAt = now
			result = &current
			return nil
		case start.Before(current.PeriodStart):
			result = &current
			return ErrStaleRenewal
		default:
			err := tx.Model(&UsagePeriod{}).
				Where("id = ? AND status = ?", current.ID, StatusActive).
				Updates(map[string]any{
					"status":     StatusExpired,
					"updated_at": now,
				}).Error
			if err != nil {
				return apperrors.Storage("expire active period", err)
			}
		}

		next := &UsagePeriod{
			ID:          uuid.New(),
			AccountID:   accountID,
			PlanID:      planID,
			TokensUsed:  0,
			TokensLimit: tokenLimit,
			PeriodStart: start,
			PeriodEnd:   end,
			Status:      StatusActive,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.Create(next).Error; err != nil {
			return apperrors.Storage("insert active period", err)
		}
		result = next
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrStaleRenewal) {
			return result, err
		}
		if !apperrors.IsStorage(err) {
			err = apperrors.Storage("rollover transaction", err)
		}
		return nil, err
	}
	return result, nil
}

func (r *Repository) UpdateLimitOnly(ctx context.Context, accountID uuid.UUID, planID string, newLimit int64) (bool, error) {
	if newLimit < 0 {
		return false, ErrInvalidLimit
	}
	defer r.observe("update_limit")()

	result := r.db.WithContext(ctx).
		Model(&UsagePeriod{}).
		Scopes(activeScope(accountID)).
		Updates(map[string]any{
			"plan_id":      planID,
			"tokens_limit": newLimit,
			"updated_at":   r.timestamp(),
		})
	if result.Error != nil {
		return false, apperrors.Storage("update limit", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (r *Repository) GetActivePeriod(ctx context.Context, accountID uuid.UUID) (*UsagePeriod, error) {
	defer r.observe("get_active")()

	var p UsagePeriod
	err := r.db.WithContext(ctx).Scopes(activeScope(accountID)).Take(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, apperrors.Storage("get active period", err)
	}
	return &p, nil
}

func (r *Repository) IncrementUsage(ctx context.Context, accountID uuid.UUID, delta int64) error {
	if delta < 0 {
		return ErrInvalidDelta
	}
	if delta == 0 {
		return nil
	}
	defer r.observe("increment_usage")()

	result := r.db.WithContext(ctx).
		Model(&UsagePeriod{}).
		Scopes(activeScope(accountID)).
		UpdateColumns(map[string]any{
			"tokens_used": gorm.Expr("tokens_used + ?", delta),
			"updated_at":  r.timestamp(),
		})
	if result.Error != nil {
		return apperrors.Storage("increment usage", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNoActivePeriod
	}
	return nil
}

func (r *Repository) ListPeriods(ctx context.Context, accountID uuid.UUID, limit int) ([]*UsagePeriod, error) {
	if limit <= 0 {
		limit = 12
	}
	defer r.observe("list_periods")()

	var periods []*UsagePeriod
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("period_start DESC").
		Limit(limit).
		Find(&periods).Error
	if err != nil {
		return nil, apperrors.Storage("list periods", err)
	}
	return periods, nil
}

// AutoMigrate creates the usage period schema with gorm, including the
// partial unique index that allows one active period per account. Deployed
// databases use the versioned SQL migrations instead.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&UsagePeriod{}); err != nil {
		return err
	}
	return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_usage_periods_active_account
		ON usage_periods (account_id) WHERE status = 'active'`).Error
}
