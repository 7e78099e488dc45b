package app

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/sparlo/usage/internal/module/billing"
	"github.com/sparlo/usage/internal/module/payment"
	"github.com/sparlo/usage/internal/shared/auth"
	"github.com/sparlo/usage/internal/shared/config"
	"github.com/sparlo/usage/internal/shared/database"
	"github.com/sparlo/usage/internal/shared/metrics"
	"github.com/sparlo/usage/internal/shared/middleware"
)

// NewRouter creates and configures the Gin router.
func NewRouter(
	cfg *config.Config,
	db *gorm.DB,
	reg *prometheus.Registry,
	m *metrics.Metrics,
	tokens *auth.TokenManager,
	usage *billing.Handler,
	webhooks *payment.WebhookHandler,
	log *zap.Logger,
) *gin.Engine {
	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Apply global middleware
	r.Use(middleware.RequestID())
	r.Use(middleware.Logging(log))
	r.Use(middleware.Recovery(log))
	r.Use(middleware.Metrics(m))
	r.Use(middleware.CORS(middleware.DefaultCORSConfig(cfg.Server.AllowedOrigins)))

	r.GET("/healthz", healthz(db))
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))

	webhooks.RegisterRoutes(r.Group("/webhooks"))

	internal := r.Group("/internal/v1")
	internal.Use(middleware.ServiceAuth(tokens))
	usage.RegisterRoutes(internal)

	return r
}

func healthz(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := database.Ping(ctx, db); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "database": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
