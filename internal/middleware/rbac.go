package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sits-bridge-api/internal/models"
	appErrors "github.com/noah-isme/sits-bridge-api/pkg/errors"
	"github.com/noah-isme/sits-bridge-api/pkg/response"
)

// RequireRoles enforces role-based access control for routes.
func RequireRoles(allowed ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claimsValue, exists := c.Get(ContextUserKey)
		if !exists {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}
		claims := claimsValue.(*models.JWTClaims)

		for _, role := range allowed {
			if claims.Role == role {
				c.Next()
				return
			}
		}

		response.Error(c, appErrors.ErrForbidden)
		c.Abort()
	}
}
