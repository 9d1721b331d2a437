package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// APIKeyMiddleware checks the X-API-Key header against the configured key.
// An empty configured key disables the check entirely, matching local
// development where no key is set.
func APIKeyMiddleware(requiredKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if requiredKey == "" {
			c.Next()
			return
		}
		if c.GetHeader("X-API-Key") != requiredKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}

// SecurityHeadersMiddleware adds basic, sensible security headers.
func SecurityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Next()
	}
}
