package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// CORS handles cross-origin requests. allowed is "*" or a comma-separated
// origin list; requests from anywhere else get no CORS headers at all.
func CORS(allowed string) gin.HandlerFunc {
	allowAny := false
	origins := make(map[string]struct{})
	for _, o := range strings.Split(allowed, ",") {
		o = strings.TrimSpace(o)
		switch o {
		case "":
		case "*":
			allowAny = true
		default:
			origins[o] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case allowAny || len(origins) == 0:
			c.Header("Access-Control-Allow-Origin", "*")
		case origin != "":
			if _, ok := origins[origin]; ok {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
		}
		if c.Writer.Header().Get("Access-Control-Allow-Origin") != "" {
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Max-Age", "86400")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
