package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Identity headers set by the upstream proxy.
const (
	HeaderUserID      = "X-User-ID"
	HeaderUserBanned  = "X-User-Banned"
	HeaderProviderKey = "X-Provider-Key"

	userIDKey = "relaychat.userID"
)

// Identity rejects requests without a user id and requests from banned
// users. The id is stored on the context for UserID.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
			return
		}
		if strings.EqualFold(strings.TrimSpace(c.GetHeader(HeaderUserBanned)), "true") {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "user is banned"})
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

// UserID returns the caller set by Identity.
func UserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

// providerKey is the optional caller-supplied provider credential.
func providerKey(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader(HeaderProviderKey))
}
