package billing

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/google/uuid"
	"github.com/sparlo/usage/internal/module/billing/period"
	"github.com/sparlo/usage/internal/module/billing/plan"
	"github.com/sparlo/usage/internal/module/billing/quota"
	apperrors "github.com/sparlo/usage/internal/shared/errors"
	"go.uber.org/zap"
)

// UsageGate is the admission and accounting surface used by the handler.
type UsageGate interface {
	CheckUsageAllowed(ctx context.Context, accountID uuid.UUID, estimatedCost int64) (quota.Decision, error)
	RecordUsage(ctx context.Context, accountID uuid.UUID, actualCost int64) error
	Status(ctx context.Context, accountID uuid.UUID) (*quota.UsageStatus, error)
	History(ctx context.Context, accountID uuid.UUID, limit int) ([]*period.UsagePeriod, error)
}

// Handler handles internal HTTP requests for usage accounting.
type Handler struct {
	gate    UsageGate
	checker *quota.Checker
	plans   []plan.Plan
	logger  *zap.Logger
}

// NewHandler creates a new usage handler.
func NewHandler(gate UsageGate, checker *quota.Checker, plans []plan.Plan, logger *zap.Logger) *Handler {
	return &Handler{
		gate:    gate,
		checker: checker,
		plans:   plans,
		logger:  logger,
	}
}

// RegisterRoutes registers the usage routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	usage := r.Group("/usage")
	{
		usage.POST("/check", h.CheckUsage)
		usage.POST("/record", h.RecordUsage)
		usage.GET("/:account_id", h.GetUsageStatus)
	}
	r.GET("/plans", h.ListPlans)
	r.POST("/reports", h.checker.Middleware(), h.AdmitReport)
}

// CheckUsage returns an admission decision. Denials are 200 responses.
func (h *Handler) CheckUsage(c *gin.Context) {
	var req CheckUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.ValidationError(err.Error()))
		return
	}

	decision, err := h.gate.CheckUsageAllowed(c.Request.Context(), uuid.MustParse(req.AccountID), req.EstimatedCost)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, decision)
}

// RecordUsage charges completed work to the active period.
func (h *Handler) RecordUsage(c *gin.Context) {
	var req RecordUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.ValidationError(err.Error()))
		return
	}

	if err := h.gate.RecordUsage(c.Request.Context(), uuid.MustParse(req.AccountID), req.ActualCost); err != nil {
		h.handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetUsageStatus returns the current period and recent history.
func (h *Handler) GetUsageStatus(c *gin.Context) {
	accountID, err := uuid.Parse(c.Param("account_id"))
	if err != nil {
		respondError(c, apperrors.BadRequest("account_id must be a UUID"))
		return
	}

	limit := 6
	if raw := c.Query("history"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > 100 {
			respondError(c, apperrors.BadRequest("history must be between 0 and 100"))
			return
		}
		limit = n
	}

	status, err := h.gate.Status(c.Request.Context(), accountID)
	if err != nil {
		h.handleError(c, err)
		return
	}

	resp := UsageStatusResponse{UsageStatus: status, Periods: []*PeriodResponse{}}
	if limit > 0 {
		periods, err := h.gate.History(c.Request.Context(), accountID, limit)
		if err != nil {
			h.handleError(c, err)
			return
		}
		for _, p := range periods {
			resp.Periods = append(resp.Periods, toPeriodResponse(p))
		}
	}
	c.JSON(http.StatusOK, resp)
}

// ListPlans returns the configured price table.
func (h *Handler) ListPlans(c *gin.Context) {
	c.JSON(http.StatusOK, GetPlansResponse{Plans: h.plans})
}

// AdmitReport acknowledges report work that passed the usage checker.
func (h *Handler) AdmitReport(c *gin.Context) {
	var req quota.AdmissionRequest
	if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
		respondError(c, apperrors.ValidationError(err.Error()))
		return
	}
	decision, _ := quota.GetDecision(c)

	c.JSON(http.StatusAccepted, ReportAdmissionResponse{
		AccountID:       req.AccountID,
		Admitted:        true,
		TokensRemaining: decision.TokensRemaining,
		PercentageUsed:  decision.PercentageUsed,
	})
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, quota.ErrInvalidCost):
		respondError(c, apperrors.BadRequest(err.Error()))
	case errors.Is(err, period.ErrNoActivePeriod):
		respondError(c, apperrors.Conflict("NO_ACTIVE_PERIOD", "account has no active usage period"))
	default:
		appErr := apperrors.FromError(err)
		h.logger.Error("usage request failed", zap.Int("status", appErr.StatusCode), zap.Error(err))
		respondError(c, appErr)
	}
}

func respondError(c *gin.Context, appErr *apperrors.AppError) {
	c.AbortWithStatusJSON(appErr.StatusCode, appErr.ToResponse())
}
