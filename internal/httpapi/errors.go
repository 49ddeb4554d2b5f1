// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AccessWard Contributors

package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/samber/oops"

	"github.com/accessward/accessward/internal/auth"
	"github.com/accessward/accessward/pkg/errutil"
)

const internalMessage = "internal server error"

// FieldError describes one rejected request field.
type FieldError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag,omitempty"`
	Message string `json:"message"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Success           bool         `json:"success"`
	Error             string       `json:"error"`
	Message           string       `json:"message"`
	AttemptsRemaining *int         `json:"attemptsRemaining,omitempty"`
	RemainingMinutes  *int         `json:"remainingMinutes,omitempty"`
	RetryAfter        *int         `json:"retryAfter,omitempty"`
	Errors            []FieldError `json:"errors,omitempty"`
}

// StatusFor maps a domain code to an HTTP status. 423 is reserved for
// ACCOUNT_LOCKED and 401 for token failures.
func StatusFor(code string) int {
	switch code {
	case auth.CodeAccountLocked:
		return http.StatusLocked
	case auth.CodeTokenMissing, auth.CodeTokenInvalid:
		return http.StatusUnauthorized
	case auth.CodeRateLimited:
		return http.StatusTooManyRequests
	case auth.CodeNotFound:
		return http.StatusNotFound
	case auth.CodeDeliveryFailed, auth.CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// writeError answers c with the response for err. Internal errors are logged
// and their detail withheld.
func writeError(c *gin.Context, logger *slog.Logger, err error) {
	code := auth.ErrorCode(err)
	resp := ErrorResponse{Error: code, Message: err.Error()}

	if code == auth.CodeInternal {
		errutil.LogError(c.Request.Context(), logger.With("path", c.FullPath()), "request failed", err)
		resp.Message = internalMessage
	}

	if n, ok := auth.ErrorContextInt(err, auth.ContextAttemptsRemaining); ok {
		resp.AttemptsRemaining = &n
	}
	if n, ok := auth.ErrorContextInt(err, auth.ContextRemainingMinutes); ok {
		resp.RemainingMinutes = &n
	}
	if n, ok := auth.ErrorContextInt(err, auth.ContextRetryAfter); ok {
		resp.RetryAfter = &n
		c.Header("Retry-After", itoa(n))
	}
	if code == auth.CodeInvalidInput {
		resp.Errors = fieldErrors(err)
	}

	c.AbortWithStatusJSON(StatusFor(code), resp)
}

// fieldErrors lifts the "field" context of a domain validation error.
func fieldErrors(err error) []FieldError {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}
	field, ok := oopsErr.Context()["field"].(string)
	if !ok {
		return nil
	}
	return []FieldError{{Field: field, Message: oopsErr.Error()}}
}

func writeInvalid(c *gin.Context, fields []FieldError) {
	msg := "invalid request"
	if len(fields) > 0 {
		msg = fields[0].Message
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
		Error:   auth.CodeInvalidInput,
		Message: msg,
		Errors:  fields,
	})
}
