// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AccessWard Contributors

package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"

	"github.com/accessward/accessward/internal/auth"
)

type registerRequest struct {
	Name     string `json:"name" binding:"required,name"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,strongpassword"`
}

type emailOTPRequest struct {
	Email string `json:"email" binding:"required,email"`
	OTP   string `json:"otp" binding:"required,otp"`
}

type emailRequest struct {
	Email string `json:"email" binding:"required,email"`
}

type passwordLoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type resendRequest struct {
	Email   string `json:"email" binding:"required,email"`
	Purpose string `json:"purpose" binding:"omitempty,oneof=login verification"`
}

// MessageResponse acknowledges an action.
type MessageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ProfileResponse carries an account projection.
type ProfileResponse struct {
	Success bool          `json:"success"`
	Message string        `json:"message,omitempty"`
	User    *auth.Profile `json:"user"`
}

// LoginResponse carries the session token.
type LoginResponse struct {
	Success   bool          `json:"success"`
	Message   string        `json:"message"`
	User      *auth.Profile `json:"user"`
	Token     string        `json:"token"`
	ExpiresAt time.Time     `json:"expiresAt"`
}

const accountIDKey = "accessward.account_id"

func (rt *router) register(c *gin.Context) {
	var req registerRequest
	if !bindJSON(c, &req) {
		return
	}
	profile, err := rt.svc.Register(c.Request.Context(), auth.RegisterInput{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		writeError(c, rt.logger, err)
		return
	}
	c.JSON(http.StatusCreated, ProfileResponse{
		Success: true,
		Message: "Registration successful! Please check your email for the verification code.",
		User:    profile,
	})
}

func (rt *router) verifyEmail(c *gin.Context) {
	var req emailOTPRequest
	if !bindJSON(c, &req) {
		return
	}
	profile, err := rt.svc.VerifyEmail(c.Request.Context(), req.Email, req.OTP)
	if err != nil {
		writeError(c, rt.logger, err)
		return
	}
	c.JSON(http.StatusOK, ProfileResponse{
		Success: true,
		Message: "Email verified successfully! You can now log in.",
		User:    profile,
	})
}

func (rt *router) requestLoginOTP(c *gin.Context) {
	var req emailRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := rt.svc.RequestLoginOTP(c.Request.Context(), req.Email); err != nil {
		writeError(c, rt.logger, err)
		return
	}
	c.JSON(http.StatusOK, MessageResponse{Success: true, Message: "OTP sent to your email successfully"})
}

func (rt *router) loginWithOTP(c *gin.Context) {
	var req emailOTPRequest
	if !bindJSON(c, &req) {
		return
	}
	result, err := rt.svc.LoginWithOTP(c.Request.Context(), req.Email, req.OTP)
	if err != nil {
		writeError(c, rt.logger, err)
		return
	}
	c.JSON(http.StatusOK, loginResponse(result))
}

func (rt *router) loginWithPassword(c *gin.Context) {
	var req passwordLoginRequest
	if !bindJSON(c, &req) {
		return
	}
	result, err := rt.svc.LoginWithPassword(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		writeError(c, rt.logger, err)
		return
	}
	c.JSON(http.StatusOK, loginResponse(result))
}

func (rt *router) resendOTP(c *gin.Context) {
	var req resendRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := rt.svc.ResendOTP(c.Request.Context(), req.Email, auth.Purpose(req.Purpose)); err != nil {
		writeError(c, rt.logger, err)
		return
	}
	c.JSON(http.StatusOK, MessageResponse{Success: true, Message: "OTP resent successfully"})
}

func (rt *router) profile(c *gin.Context) {
	id, ok := c.Get(accountIDKey)
	if !ok {
		writeError(c, rt.logger, errTokenMissing())
		return
	}
	profile, err := rt.svc.Profile(c.Request.Context(), id.(ulid.ULID))
	if err != nil {
		writeError(c, rt.logger, err)
		return
	}
	c.JSON(http.StatusOK, ProfileResponse{Success: true, User: profile})
}

func loginResponse(result *auth.LoginResult) LoginResponse {
	return LoginResponse{
		Success:   true,
		Message:   "Login successful!",
		User:      result.Profile,
		Token:     result.Token,
		ExpiresAt: result.ExpiresAt,
	}
}
