package api

import (
	"crypto/subtle"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
)

// ──────────────────────────────────────────────────────────────────
// Bearer Token Authentication Middleware
//
// Reads API_AUTH_TOKEN from environment. If set, all protected routes
// require: Authorization: Bearer <token>
//
// The identity provider lives in front of this service; it injects the
// authenticated subject as X-User-ID alongside the service token. Caller
// identity is always taken from that credential pair, never from request
// bodies, so a caller cannot evaluate (or exhaust quota) on behalf of
// someone else.
// ──────────────────────────────────────────────────────────────────

const userIDKey = "zoomjudge.userId"

// AuthMiddleware returns a Gin middleware that validates bearer tokens.
// If API_AUTH_TOKEN is not set, all requests are allowed (dev mode) and the
// X-User-ID header alone names the caller.
// WARNING: In GIN_MODE=release, leaving API_AUTH_TOKEN unset exposes all
// protected routes to the public internet. Always set a strong token in prod.
func AuthMiddleware() gin.HandlerFunc {
	token := os.Getenv("API_AUTH_TOKEN")

	// Fail loudly in production if auth is not configured.
	if token == "" && os.Getenv("GIN_MODE") == "release" {
		log.Println("[SECURITY WARNING] API_AUTH_TOKEN is not set in release mode. " +
			"All protected endpoints are publicly accessible. " +
			"Set API_AUTH_TOKEN in your environment to enforce authentication.")
	}

	return func(c *gin.Context) {
		if token != "" {
			auth := c.GetHeader("Authorization")
			if auth == "" {
				c.JSON(http.StatusUnauthorized, gin.H{
					"errorTag": "Unauthorized",
					"message":  "Missing Authorization header",
					"hint":     "Use: Authorization: Bearer <API_AUTH_TOKEN>",
				})
				c.Abort()
				return
			}

			parts := strings.SplitN(auth, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				c.JSON(http.StatusUnauthorized, gin.H{
					"errorTag": "Unauthorized",
					"message":  "Invalid Authorization header format",
				})
				c.Abort()
				return
			}

			// Constant-time comparison prevents timing-based token enumeration.
			if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
				c.JSON(http.StatusUnauthorized, gin.H{
					"errorTag": "Unauthorized",
					"message":  "Invalid or expired token",
				})
				c.Abort()
				return
			}
		}

		userID := strings.TrimSpace(c.GetHeader("X-User-ID"))
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"errorTag": "Unauthorized",
				"message":  "Missing caller identity",
			})
			c.Abort()
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

// CallerID returns the authenticated user id placed by AuthMiddleware.
func CallerID(c *gin.Context) string {
	if v, ok := c.Get(userIDKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
