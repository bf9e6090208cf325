package middleware

import (
	"crypto/subtle"
	"net/http"
	"time"

	"entitlement-service/internal/response"

	"github.com/gin-gonic/gin"
)

// AdminAuthMiddleware guards the operator API with a shared key. An empty
// configured key disables the admin API.
func AdminAuthMiddleware(adminAPIKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminAPIKey == "" {
			response.AbortJSON(c, http.StatusServiceUnavailable, "Admin API is disabled")
			return
		}

		// Get API key from header, fall back to query parameter
		apiKey := c.GetHeader("X-API-Key")
		if apiKey == "" {
			apiKey = c.Query("api_key")
		}

		if apiKey == "" {
			response.AbortJSON(c, http.StatusUnauthorized, "Missing api_key")
			return
		}
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(adminAPIKey)) != 1 {
			response.AbortJSON(c, http.StatusUnauthorized, "Invalid api_key")
			return
		}

		c.Set("request_time", time.Now())
		c.Next()
	}
}

// TokenAuthMiddleware checks the token query parameter push endpoints are
// configured with. An empty token accepts every request.
func TokenAuthMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		if subtle.ConstantTimeCompare([]byte(c.Query("token")), []byte(token)) != 1 {
			response.AbortJSON(c, http.StatusUnauthorized, "Invalid token")
			return
		}
		c.Next()
	}
}
