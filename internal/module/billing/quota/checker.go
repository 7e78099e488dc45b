package quota

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/google/uuid"
	apperrors "github.com/sparlo/usage/internal/shared/errors"
	"go.uber.org/zap"
)

// DecisionKey is the context key holding the admission Decision.
const DecisionKey = "usage_decision"

// UsageChecker defines the admission check used by the middleware.
type UsageChecker interface {
	CheckUsageAllowed(ctx context.Context, accountID uuid.UUID, estimatedCost int64) (Decision, error)
}

// AdmissionRequest is the body expected on guarded routes.
type AdmissionRequest struct {
	AccountID     string `json:"account_id" binding:"required,uuid"`
	EstimatedCost int64  `json:"estimated_cost" binding:"gte=0"`
}

// Checker is a middleware that admits chargeable work only within quota.
type Checker struct {
	checker UsageChecker
	logger  *zap.Logger
}

// NewChecker creates a new usage checker middleware.
func NewChecker(checker UsageChecker, logger *zap.Logger) *Checker {
	return &Checker{
		checker: checker,
		logger:  logger,
	}
}

// Middleware returns a Gin middleware that checks quota. The body stays
// readable by later handlers through ShouldBindBodyWith.
func (c *Checker) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		var req AdmissionRequest
		if err := ctx.ShouldBindBodyWith(&req, binding.JSON); err != nil {
			appErr := apperrors.BadRequest("account_id and a non-negative estimated_cost are required")
			ctx.AbortWithStatusJSON(appErr.StatusCode, appErr.ToResponse())
			return
		}
		accountID := uuid.MustParse(req.AccountID)

		decision, err := c.checker.CheckUsageAllowed(ctx.Request.Context(), accountID, req.EstimatedCost)
		if err != nil {
			// Fail closed: an unreadable quota never admits work.
			c.logger.Error("usage check failed", zap.Error(err), zap.String("account_id", accountID.String()))
			appErr := apperrors.Unavailable("usage check unavailable", err)
			if errors.Is(err, ErrInvalidCost) {
				appErr = apperrors.BadRequest(err.Error())
			}
			ctx.AbortWithStatusJSON(appErr.StatusCode, appErr.ToResponse())
			return
		}

		if !decision.Allowed {
			ctx.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error": gin.H{
					"code":    "USAGE_LIMIT",
					"message": "Usage limit reached. Upgrade the plan or wait for the next period.",
				},
				"reason":          decision.Reason,
				"percentage_used": decision.PercentageUsed,
				"period_end":      decision.PeriodEnd,
			})
			return
		}

		ctx.Set(DecisionKey, decision)
		ctx.Next()
	}
}

// GetDecision returns the admission decision stored by the middleware.
func GetDecision(ctx *gin.Context) (Decision, bool) {
	v, ok := ctx.Get(DecisionKey)
	if !ok {
		return Decision{}, false
	}
	d, ok := v.(Decision)
	return d, ok
}
