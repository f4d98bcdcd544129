// Package server exposes the gateway's HTTP surface.
package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/antigravity-tools/cloudcode-gateway/internal/config"
	"github.com/antigravity-tools/cloudcode-gateway/internal/utils"
	"github.com/antigravity-tools/cloudcode-gateway/pkg/anthropic"
)

// MaxBodyBytes caps inbound request bodies at 100 MiB; conversations with
// inline images get large.
const MaxBodyBytes = 100 << 20

// CORSMiddleware allows any origin; the gateway fronts local tools.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Api-Key, Anthropic-Version, Anthropic-Beta")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RequestTimeoutMiddleware deadlines each request's context at d, so stuck
// upstream calls and streams cannot hold a connection forever. Zero disables
// the deadline.
func RequestTimeoutMiddleware(d time.Duration) gin.HandlerFunc {
	if d <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// BodyLimitMiddleware enforces MaxBodyBytes.
func BodyLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodyBytes)
		c.Next()
	}
}

func isHealthPath(path string) bool {
	return path == "/health" || path == "/healthz"
}

// AuthMiddleware enforces the configured API key. Keys are accepted as
// Bearer tokens or via x-api-key, matching both dialects' conventions.
func AuthMiddleware(mode config.AuthMode, apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if mode == config.AuthModeOff {
			c.Next()
			return
		}
		if mode == config.AuthModeAllExceptHealth && isHealthPath(c.Request.URL.Path) {
			c.Next()
			return
		}

		provided := c.GetHeader("X-Api-Key")
		if provided == "" {
			authz := c.GetHeader("Authorization")
			provided = strings.TrimPrefix(authz, "Bearer ")
			if provided == authz {
				provided = ""
			}
		}

		if provided == "" || provided != apiKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				anthropic.NewErrorResponse("authentication_error", "invalid or missing API key"))
			return
		}
		c.Next()
	}
}

// RequestLoggingMiddleware logs method, path, status, and latency.
func RequestLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		line := "[HTTP] %s %s -> %d (%s)"
		args := []interface{}{c.Request.Method, c.Request.URL.Path, status, time.Since(start).Round(time.Millisecond)}
		switch {
		case status >= 500:
			utils.Error(line, args...)
		case status >= 400:
			utils.Warn(line, args...)
		default:
			utils.Debug(line, args...)
		}
	}
}
