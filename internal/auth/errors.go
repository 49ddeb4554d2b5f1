// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AccessWard Contributors

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/samber/oops"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a unique field is already taken.
var ErrDuplicate = errors.New("duplicate")

// Error codes returned by Engine operations. They are stable and machine-checkable.
const (
	CodeDuplicateAccount   = "DUPLICATE_ACCOUNT"
	CodeNotFound           = "NOT_FOUND"
	CodeEmailNotVerified   = "EMAIL_NOT_VERIFIED"
	CodeAlreadyVerified    = "ALREADY_VERIFIED"
	CodeNoOTPPending       = "NO_OTP_PENDING"
	CodeOTPExpired         = "OTP_EXPIRED"
	CodeOTPMismatch        = "OTP_MISMATCH"
	CodeAccountLocked      = "ACCOUNT_LOCKED"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeDeliveryFailed     = "DELIVERY_FAILED"
	CodeTokenMissing       = "TOKEN_MISSING"
	CodeTokenInvalid       = "TOKEN_INVALID"
	CodeInvalidInput       = "INVALID_INPUT"
	CodeRateLimited        = "OTP_RATE_LIMITED"
	CodeInternal           = "INTERNAL"
)

// Context keys attached to coded errors.
const (
	ContextAttemptsRemaining = "attempts_remaining"
	ContextRemainingMinutes  = "remaining_minutes"
	ContextRetryAfter        = "retry_after"
)

var domainCodes = map[string]struct{}{
	CodeDuplicateAccount:   {},
	CodeNotFound:           {},
	CodeEmailNotVerified:   {},
	CodeAlreadyVerified:    {},
	CodeNoOTPPending:       {},
	CodeOTPExpired:         {},
	CodeOTPMismatch:        {},
	CodeAccountLocked:      {},
	CodeInvalidCredentials: {},
	CodeDeliveryFailed:     {},
	CodeTokenMissing:       {},
	CodeTokenInvalid:       {},
	CodeInvalidInput:       {},
	CodeRateLimited:        {},
}

// ErrorCode returns the domain code carried by err, or CodeInternal for
// anything else, including storage codes.
func ErrorCode(err error) string {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return CodeInternal
	}
	code := fmt.Sprint(oopsErr.Code())
	if _, known := domainCodes[code]; known {
		return code
	}
	return CodeInternal
}

// ErrorContextInt reads an integer context value from an oops error.
func ErrorContextInt(err error, key string) (int, bool) {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return 0, false
	}
	v, ok := oopsErr.Context()[key].(int)
	return v, ok
}

func errAccountLocked(lockUntil *time.Time, now time.Time) error {
	minutes := RemainingLockMinutes(lockUntil, now)
	return oops.Code(CodeAccountLocked).
		With(ContextRemainingMinutes, minutes).
		With("locked_until", lockUntil).
		Errorf("account is temporarily locked, try again in %d minutes", minutes)
}

func errNotFound(email string) error {
	return oops.Code(CodeNotFound).With("email", email).Errorf("account not found")
}

func errInternal(operation string, err error) error {
	return oops.Code(CodeInternal).With("operation", operation).Wrap(err)
}
