package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/sparlo/usage/internal/module/billing/period"
	"github.com/sparlo/usage/internal/module/billing/plan"
	"github.com/sparlo/usage/internal/module/billing/quota"
)

// CheckUsageRequest asks whether work of the estimated cost may start.
type CheckUsageRequest struct {
	AccountID     string `json:"account_id" binding:"required,uuid"`
	EstimatedCost int64  `json:"estimated_cost" binding:"gte=0"`
}

// RecordUsageRequest charges completed work.
type RecordUsageRequest struct {
	AccountID  string `json:"account_id" binding:"required,uuid"`
	ActualCost int64  `json:"actual_cost" binding:"gte=0"`
}

// PeriodResponse represents a usage period in API responses.
type PeriodResponse struct {
	ID          uuid.UUID `json:"id"`
	PlanID      string    `json:"plan_id"`
	Status      string    `json:"status"`
	TokensUsed  int64     `json:"tokens_used"`
	TokensLimit int64     `json:"tokens_limit"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

// UsageStatusResponse is the dashboard view of an account.
type UsageStatusResponse struct {
	*quota.UsageStatus
	Periods []*PeriodResponse `json:"periods"`
}

// GetPlansResponse represents the response for listing plans.
type GetPlansResponse struct {
	Plans []plan.Plan `json:"plans"`
}

// ReportAdmissionResponse acknowledges admitted report work.
type ReportAdmissionResponse struct {
	AccountID       string  `json:"account_id"`
	Admitted        bool    `json:"admitted"`
	TokensRemaining int64   `json:"tokens_remaining"`
	PercentageUsed  float64 `json:"percentage_used"`
}

func toPeriodResponse(p *period.UsagePeriod) *PeriodResponse {
	return &PeriodResponse{
		ID:          p.ID,
		PlanID:      p.PlanID,
		Status:      string(p.Status),
		TokensUsed:  p.TokensUsed,
		TokensLimit: p.TokensLimit,
		PeriodStart: p.PeriodStart,
		PeriodEnd:   p.PeriodEnd,
	}
}
