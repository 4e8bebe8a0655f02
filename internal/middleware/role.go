package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/peerlink/safety/internal/auth"
	"github.com/peerlink/safety/pkg/response"
)

// RequireRole returns a middleware that allows only the given roles. It must run after JWT.
func RequireRole(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(c *gin.Context) {
		role := c.GetString(ContextUserRole)
		if role == "" {
			response.Unauthorized(c, "missing user context")
			c.Abort()
			return
		}
		if !allowed[role] {
			response.Forbidden(c, "insufficient permissions")
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireModerator allows moderators only.
func RequireModerator() gin.HandlerFunc {
	return RequireRole(auth.RoleModerator)
}

// IsModerator reports whether the authenticated caller is a moderator.
func IsModerator(c *gin.Context) bool {
	return c.GetString(ContextUserRole) == auth.RoleModerator
}
