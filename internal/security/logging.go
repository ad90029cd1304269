package security

import (
	"context"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
)

// AccessLogMiddleware logs each HTTP request with method, path, status, and duration.
// Paths listed in skipPaths are silently passed through without logging.
func AccessLogMiddleware(skipPaths ...string) gin.HandlerFunc {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}
	return func(c *gin.Context) {
		if skip[c.Request.URL.Path] {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		log.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", duration,
			"clientIP", c.ClientIP(),
			"principal", c.GetString(ContextKeyPrincipalID),
		)
	}
}

// HeaderRequestTimeout lets a client shorten the server's request deadline.
const HeaderRequestTimeout = "X-Request-Timeout"

// RequestDeadlineMiddleware bounds the request context by timeout. A valid
// X-Request-Timeout header (Go duration) may only make the deadline shorter.
func RequestDeadlineMiddleware(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := timeout
		if raw := c.GetHeader(HeaderRequestTimeout); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil || d <= 0 {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"code":  "invalid_input",
					"error": HeaderRequestTimeout + " must be a positive duration such as 5s",
					"field": HeaderRequestTimeout,
				})
				return
			}
			if limit <= 0 || d < limit {
				limit = d
			}
		}
		if limit <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), limit)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
