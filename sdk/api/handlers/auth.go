package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// BearerAuth returns gin middleware resolving an "Authorization: Bearer
// sk-..." header to a user-id via apiKeys, rejecting the request otherwise.
// The User entity itself lives outside this gateway (spec treats it as
// external); apiKeys is the only binding this gateway needs to keep.
func BearerAuth(apiKeys map[string]string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := bearerToken(c)
		if key == "" {
			writeError(c, http.StatusUnauthorized, "authentication_error", "missing bearer token")
			c.Abort()
			return
		}
		userID, ok := apiKeys[key]
		if !ok {
			writeError(c, http.StatusUnauthorized, "authentication_error", "invalid API key")
			c.Abort()
			return
		}
		c.Set("user_id", userID)
		c.Next()
	}
}

// AdminAuth gates the account-management endpoints behind a single
// operator-configured admin key, separate from per-user API keys.
func AdminAuth(adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminKey == "" || bearerToken(c) != adminKey {
			writeError(c, http.StatusUnauthorized, "authentication_error", "invalid admin API key")
			c.Abort()
			return
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}
