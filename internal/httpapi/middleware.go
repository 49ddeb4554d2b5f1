// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AccessWard Contributors

package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/oops"

	"github.com/accessward/accessward/internal/auth"
	"github.com/accessward/accessward/internal/token"
)

// requireToken resolves the bearer token and stores the account ID.
func (rt *router) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := token.BearerToken(c.GetHeader("Authorization"))
		id, err := rt.tokens.Verify(raw)
		if err != nil {
			writeError(c, rt.logger, err)
			return
		}
		c.Set(accountIDKey, id)
		c.Next()
	}
}

// requestLog writes one line per request. Bodies are never logged.
func (rt *router) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"route", routeOf(c),
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		}
		ctx := c.Request.Context()
		switch {
		case status >= http.StatusInternalServerError:
			rt.logger.ErrorContext(ctx, "request completed", attrs...)
		case status >= http.StatusBadRequest:
			rt.logger.InfoContext(ctx, "request completed", attrs...)
		default:
			rt.logger.DebugContext(ctx, "request completed", attrs...)
		}
	}
}

// recovery turns a handler panic into a logged 500.
func (rt *router) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				err := oops.Code(auth.CodeInternal).
					With("route", routeOf(c)).
					Errorf("panic: %v", r)
				writeError(c, rt.logger, err)
			}
		}()
		c.Next()
	}
}

func (rt *router) countRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		rt.recorder.RecordHTTPRequest(routeOf(c), c.Writer.Status())
	}
}

// routeOf returns the matched route pattern, keeping label cardinality bounded.
func routeOf(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return "unmatched"
}

func errTokenMissing() error {
	return oops.Code(auth.CodeTokenMissing).Errorf("access token required")
}
