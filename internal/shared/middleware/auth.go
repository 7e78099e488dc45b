package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sparlo/usage/internal/shared/auth"
	apperrors "github.com/sparlo/usage/internal/shared/errors"
)

const (
	// AuthorizationHeader is the header key for authorization.
	AuthorizationHeader = "Authorization"
	// BearerPrefix is the prefix for bearer tokens.
	BearerPrefix = "Bearer "
	// ServiceKey is the context key for the authenticated calling service.
	ServiceKey = "service"
)

// TokenValidator defines the interface for service token validation.
type TokenValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// ServiceAuth returns a middleware that requires a valid service token.
func ServiceAuth(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)
		if token == "" {
			abort(c, apperrors.Unauthorized("", "Authorization header required"))
			return
		}

		claims, err := validator.Validate(token)
		if err != nil {
			abort(c, apperrors.Unauthorized("INVALID_TOKEN", "Invalid or expired token"))
			return
		}

		c.Set(ServiceKey, claims.Service)
		c.Next()
	}
}

func abort(c *gin.Context, appErr *apperrors.AppError) {
	c.AbortWithStatusJSON(appErr.StatusCode, appErr.ToResponse())
}

// extractBearerToken extracts the bearer token from the Authorization header.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader(AuthorizationHeader)
	if !strings.HasPrefix(authHeader, BearerPrefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authHeader, BearerPrefix))
}

// GetService returns the calling service name from context.
func GetService(c *gin.Context) string {
	return c.GetString(ServiceKey)
}
