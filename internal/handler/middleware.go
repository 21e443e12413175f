package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// APIKeyAuth guards the mutating endpoints with a shared X-API-Key secret.
// An empty configured key disables the check entirely, which keeps local
// setups able to hit the train trigger without credentials.
func APIKeyAuth(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.Next()
			return
		}
		switch provided := strings.TrimSpace(c.GetHeader("X-API-Key")); {
		case provided == "":
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "X-API-Key header required"})
		case provided != key:
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "API key rejected"})
		default:
			c.Next()
		}
	}
}
