// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AccessWard Contributors

// Package httpapi exposes the auth engine as a JSON API under /api/auth.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"

	"github.com/accessward/accessward/internal/auth"
)

// BasePath prefixes every route.
const BasePath = "/api/auth"

// Service is the subset of *auth.Engine the API calls.
type Service interface {
	Register(ctx context.Context, in auth.RegisterInput) (*auth.Profile, error)
	VerifyEmail(ctx context.Context, email, code string) (*auth.Profile, error)
	RequestLoginOTP(ctx context.Context, email string) error
	LoginWithOTP(ctx context.Context, email, code string) (*auth.LoginResult, error)
	LoginWithPassword(ctx context.Context, email, password string) (*auth.LoginResult, error)
	ResendOTP(ctx context.Context, email string, purpose auth.Purpose) error
	Profile(ctx context.Context, id ulid.ULID) (*auth.Profile, error)
}

// TokenVerifier resolves a bearer token to an account ID.
type TokenVerifier interface {
	Verify(raw string) (ulid.ULID, error)
}

// RequestRecorder counts answered requests.
type RequestRecorder interface {
	RecordHTTPRequest(route string, status int)
}

// Option configures the router.
type Option func(*router)

// WithLogger sets the request and error logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *router) {
		r.logger = logger
	}
}

// WithRecorder counts requests per route and status.
func WithRecorder(rec RequestRecorder) Option {
	return func(r *router) {
		r.recorder = rec
	}
}

type router struct {
	svc      Service
	tokens   TokenVerifier
	logger   *slog.Logger
	recorder RequestRecorder
}

// NewRouter builds the gin engine serving the auth API.
func NewRouter(svc Service, tokens TokenVerifier, opts ...Option) *gin.Engine {
	registerValidators()

	rt := &router{svc: svc, tokens: tokens, logger: slog.Default()}
	for _, opt := range opts {
		opt(rt)
	}
	rt.logger = rt.logger.With("component", "httpapi")

	engine := gin.New()
	engine.Use(rt.recovery(), rt.requestLog())
	if rt.recorder != nil {
		engine.Use(rt.countRequests())
	}
	engine.NoRoute(func(c *gin.Context) {
		c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{Error: auth.CodeNotFound, Message: "route not found"})
	})

	api := engine.Group(BasePath)
	{
		api.POST("/register", rt.register)
		api.POST("/verify-email", rt.verifyEmail)
		api.POST("/request-login-otp", rt.requestLoginOTP)
		api.POST("/login-with-otp", rt.loginWithOTP)
		api.POST("/login", rt.loginWithPassword)
		api.POST("/resend-otp", rt.resendOTP)
		api.GET("/profile", rt.requireToken(), rt.profile)
	}

	return engine
}
