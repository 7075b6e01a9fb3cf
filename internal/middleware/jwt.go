package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/streamhive/backend/internal/auth"
	"github.com/streamhive/backend/pkg/response"
)

const (
	// ContextUserID is the key for the caller's user ID in gin context.
	ContextUserID = "user_id"
	// ContextUserName is the key for the caller's display name.
	ContextUserName = "user_name"
	// ContextUserRole is the key for the caller's role.
	ContextUserRole = "user_role"
)

// JWT returns a middleware that validates the bearer token and sets caller
// identity in the request context.
func JWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		claims, err := jwtService.Validate(parts[1])
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextUserName, claims.Name)
		c.Set(ContextUserRole, claims.Role)
		c.Next()
	}
}

// CallerID returns the authenticated caller's user ID from context.
func CallerID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(ContextUserID)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}

// CallerName returns the authenticated caller's display name from context.
func CallerName(c *gin.Context) string {
	return c.GetString(ContextUserName)
}
