package period

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a usage period.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
)

// UsagePeriod is one billing cycle's token consumption for an account.
// At most one period per account is active.
type UsagePeriod struct {
	ID          uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	AccountID   uuid.UUID `json:"account_id" gorm:"type:uuid;not null;index:idx_usage_periods_account_id"`
	PlanID      string    `json:"plan_id" gorm:"type:text;not null"`
	TokensUsed  int64     `json:"tokens_used" gorm:"not null"`
	TokensLimit int64     `json:"tokens_limit" gorm:"not null"`
	PeriodStart time.Time `json:"period_start" gorm:"not null"`
	PeriodEnd   time.Time `json:"period_end" gorm:"not null"`
	Status      Status    `json:"status" gorm:"type:text;not null"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName returns the database table name.
func (UsagePeriod) TableName() string {
	return "usage_periods"
}

// IsActive reports whether the period is the account's current one.
func (p *UsagePeriod) IsActive() bool {
	return p.Status == StatusActive
}

// Remaining returns the tokens left, floored at zero.
func (p *UsagePeriod) Remaining() int64 {
	if p.TokensUsed >= p.TokensLimit {
		return 0
	}
	return p.TokensLimit - p.TokensUsed
}

// PercentageUsed returns usage as a percentage of the limit rounded to two
// decimals. It may exceed 100 after a downgrade.
func (p *UsagePeriod) PercentageUsed() float64 {
	if p.TokensLimit <= 0 {
		if p.TokensUsed > 0 {
			return 100
		}
		return 0
	}
	pct := float64(p.TokensUsed) / float64(p.TokensLimit) * 100
	return math.Round(pct*100) / 100
}

// HasEnded reports whether now is past the period end plus grace.
func (p *UsagePeriod) HasEnded(now time.Time, grace time.Duration) bool {
	return now.After(p.PeriodEnd.Add(grace))
}
