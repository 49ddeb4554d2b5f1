// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AccessWard Contributors

package auth

import (
	"math"
	"time"

	"github.com/samber/oops"
)

// Lockout configuration.
const (
	// LockoutDuration is the time an account stays locked after too many failures.
	LockoutDuration = 15 * time.Minute

	// LockoutThreshold is the number of consecutive failures that triggers a lockout.
	LockoutThreshold = 5
)

// Policy decides when failed attempts lock an account and for how long.
type Policy struct {
	Threshold int
	Duration  time.Duration
}

// DefaultPolicy locks for LockoutDuration after LockoutThreshold failures.
var DefaultPolicy = Policy{Threshold: LockoutThreshold, Duration: LockoutDuration}

// Validate checks that the policy can ever lock and unlock.
func (p Policy) Validate() error {
	if p.Threshold < 1 {
		return oops.Code("LOCKOUT_POLICY_INVALID").
			With("threshold", p.Threshold).
			Errorf("lockout threshold must be at least 1")
	}
	if p.Duration <= 0 {
		return oops.Code("LOCKOUT_POLICY_INVALID").
			With("duration", p.Duration.String()).
			Errorf("lockout duration must be positive")
	}
	return nil
}

// Apply returns the counter and lock timestamp after one more failure at now.
// Reaching the threshold locks the account and resets the counter to 0.
func (p Policy) Apply(attempts int, now time.Time) (int, *time.Time) {
	next := attempts + 1
	if next < p.Threshold {
		return next, nil
	}
	lockUntil := now.Add(p.Duration)
	return 0, &lockUntil
}

// AttemptsRemaining returns how many failures are left before a lockout.
func (p Policy) AttemptsRemaining(attempts int) int {
	return max(p.Threshold-attempts, 0)
}

// IsLocked returns true if lockUntil is set and after now.
func IsLocked(lockUntil *time.Time, now time.Time) bool {
	return lockUntil != nil && lockUntil.After(now)
}

// RemainingLockMinutes returns the whole minutes, rounded up, until lockUntil.
// Returns 0 when not locked.
func RemainingLockMinutes(lockUntil *time.Time, now time.Time) int {
	if !IsLocked(lockUntil, now) {
		return 0
	}
	return int(math.Ceil(lockUntil.Sub(now).Minutes()))
}
