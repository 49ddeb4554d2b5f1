// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AccessWard Contributors

package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"math/big"
	"strconv"
	"time"

	"github.com/samber/oops"
)

// OTP settings.
const (
	// OTPTTL is how long an issued code stays valid.
	OTPTTL = 10 * time.Minute

	// OTPLength is the number of digits in a code.
	OTPLength = 6

	otpMin = 100000
	otpMax = 999999
)

// Purpose names why a code was issued. It selects the message template only;
// matching never looks at it.
type Purpose string

// Supported purposes.
const (
	PurposeVerification Purpose = "verification"
	PurposeLogin        Purpose = "login"
)

// ParsePurpose parses a client-supplied purpose. Empty means PurposeLogin.
func ParsePurpose(s string) (Purpose, error) {
	switch Purpose(s) {
	case "", PurposeLogin:
		return PurposeLogin, nil
	case PurposeVerification:
		return PurposeVerification, nil
	default:
		return "", oops.Code(CodeInvalidInput).
			With("field", "purpose").
			With("purpose", s).
			Errorf("purpose must be %q or %q", PurposeLogin, PurposeVerification)
	}
}

// OTP is an outstanding one-time code.
type OTP struct {
	Code      string
	Purpose   Purpose
	ExpiresAt time.Time
}

// NewOTP draws a code from gen that expires ttl after now.
func NewOTP(gen CodeGenerator, purpose Purpose, now time.Time, ttl time.Duration) (OTP, error) {
	code, err := gen.Generate()
	if err != nil {
		return OTP{}, oops.Code("OTP_GENERATE_FAILED").Wrap(err)
	}
	return OTP{Code: code, Purpose: purpose, ExpiresAt: now.Add(ttl)}, nil
}

// Expired reports whether now is past the expiry.
func (o OTP) Expired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

// Matches compares code to the stored code exactly, in constant time.
func (o OTP) Matches(code string) bool {
	return subtle.ConstantTimeCompare([]byte(o.Code), []byte(code)) == 1
}

// ValidateOTPCode checks that code has the shape of an issued code.
func ValidateOTPCode(code string) error {
	if len(code) != OTPLength {
		return oops.Code(CodeInvalidInput).With("field", "otp").Errorf("OTP must be a %d-digit number", OTPLength)
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return oops.Code(CodeInvalidInput).With("field", "otp").Errorf("OTP must be a %d-digit number", OTPLength)
		}
	}
	return nil
}

// CodeGenerator produces one-time codes.
type CodeGenerator interface {
	Generate() (string, error)
}

// RandomCodes draws codes uniformly from 100000-999999 using crypto/rand.
type RandomCodes struct{}

var otpSpan = big.NewInt(otpMax - otpMin + 1)

// Generate returns a 6-digit code.
func (RandomCodes) Generate() (string, error) {
	n, err := rand.Int(rand.Reader, otpSpan)
	if err != nil {
		return "", oops.Code("OTP_RANDOM_FAILED").Wrap(err)
	}
	return strconv.FormatInt(n.Int64()+otpMin, 10), nil
}
