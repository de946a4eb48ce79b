package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sits-bridge-api/internal/middleware"
	"github.com/noah-isme/sits-bridge-api/internal/models"
)

// currentClaims returns the authenticated token claims, nil when the route
// ran without the JWT middleware.
func currentClaims(c *gin.Context) *models.JWTClaims {
	value, exists := c.Get(middleware.ContextUserKey)
	if !exists {
		return nil
	}
	claims, ok := value.(*models.JWTClaims)
	if !ok {
		return nil
	}
	return claims
}
