package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"civicphoto/internal/security"
)

const (
	ownerIDKey = "owner_id"
	claimsKey  = "access_claims"
)

// Auth verifies the bearer token minted by the identity provider and exposes
// its subject as the photo owner. No user lookup happens here.
func Auth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			abortError(c, http.StatusUnauthorized, "MISSING_TOKEN", "a bearer token is required")
			return
		}

		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")

		claims, err := security.ParseAccessToken(tokenStr, secret)
		if err != nil {
			abortError(c, http.StatusUnauthorized, "INVALID_TOKEN", "the bearer token is invalid or expired")
			return
		}

		c.Set(claimsKey, *claims)
		c.Set(ownerIDKey, claims.UserID)

		c.Next()
	}
}

// OwnerID returns the authenticated owner, or "" outside Auth.
func OwnerID(c *gin.Context) string {
	return c.GetString(ownerIDKey)
}

func abortError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error": gin.H{
			"code":      code,
			"message":   message,
			"retryable": false,
		},
	})
}
