// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AccessWard Contributors

// Package memory provides an in-process auth.AccountRepository for development
// and tests. State is lost when the process exits.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/accessward/accessward/internal/auth"
)

// AccountRepository implements auth.AccountRepository in memory.
// Every method holds the lock for its whole read-modify-write.
type AccountRepository struct {
	mu      sync.Mutex
	byID    map[ulid.ULID]*auth.Account
	byEmail map[string]ulid.ULID
	now     func() time.Time
}

// NewAccountRepository creates an empty repository.
func NewAccountRepository() *AccountRepository {
	return &AccountRepository{
		byID:    make(map[ulid.ULID]*auth.Account),
		byEmail: make(map[string]ulid.ULID),
		now:     time.Now,
	}
}

// Create stores a copy of account.
func (r *AccountRepository) Create(_ context.Context, account *auth.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	email := auth.NormalizeEmail(account.Email)
	if _, taken := r.byEmail[email]; taken {
		return oops.Code("ACCOUNT_EMAIL_TAKEN").
			With("email", email).
			Wrap(auth.ErrDuplicate)
	}
	if _, taken := r.byID[account.ID]; taken {
		return oops.Code("ACCOUNT_ID_TAKEN").
			With("id", account.ID.String()).
			Wrap(auth.ErrDuplicate)
	}

	stored := clone(account)
	stored.Email = email
	r.byID[stored.ID] = stored
	r.byEmail[email] = stored.ID
	return nil
}

// GetByID returns a copy of the account with id.
func (r *AccountRepository) GetByID(_ context.Context, id ulid.ULID) (*auth.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	account, ok := r.byID[id]
	if !ok {
		return nil, notFound("id", id.String())
	}
	return clone(account), nil
}

// GetByEmail returns a copy of the account with email.
func (r *AccountRepository) GetByEmail(_ context.Context, email string) (*auth.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	email = auth.NormalizeEmail(email)
	id, ok := r.byEmail[email]
	if !ok {
		return nil, notFound("email", email)
	}
	return clone(r.byID[id]), nil
}

// SetOTP replaces the outstanding OTP.
func (r *AccountRepository) SetOTP(_ context.Context, id ulid.ULID, otp auth.OTP) error {
	return r.mutate(id, func(a *auth.Account) {
		a.OTP = &otp
	})
}

// MarkEmailVerified sets the verified flag and clears the OTP.
func (r *AccountRepository) MarkEmailVerified(_ context.Context, id ulid.ULID) error {
	return r.mutate(id, func(a *auth.Account) {
		a.EmailVerified = true
		a.OTP = nil
	})
}

// RecordFailure applies policy to the stored counter under the lock.
func (r *AccountRepository) RecordFailure(_ context.Context, id ulid.ULID, policy auth.Policy, now time.Time) (auth.FailureOutcome, error) {
	var outcome auth.FailureOutcome
	err := r.mutate(id, func(a *auth.Account) {
		attempts, lockUntil := policy.Apply(a.LoginAttempts, now)
		a.LoginAttempts = attempts
		if lockUntil != nil {
			a.LockUntil = lockUntil
		}
		outcome = auth.FailureOutcome{
			Attempts:  a.LoginAttempts,
			LockUntil: copyTime(a.LockUntil),
			Locked:    lockUntil != nil,
		}
	})
	return outcome, err
}

// ResetAttempts zeroes the counter and clears the lock, and the OTP when clearOTP is set.
func (r *AccountRepository) ResetAttempts(_ context.Context, id ulid.ULID, clearOTP bool) error {
	return r.mutate(id, func(a *auth.Account) {
		a.LoginAttempts = 0
		a.LockUntil = nil
		if clearOTP {
			a.OTP = nil
		}
	})
}

// ResetAttemptsIfUnlocked resets like ResetAttempts unless a lock is active at now.
func (r *AccountRepository) ResetAttemptsIfUnlocked(_ context.Context, id ulid.ULID, now time.Time, clearOTP bool) (*time.Time, error) {
	var lockUntil *time.Time
	err := r.mutate(id, func(a *auth.Account) {
		if a.IsLocked(now) {
			lockUntil = copyTime(a.LockUntil)
			return
		}
		a.LoginAttempts = 0
		a.LockUntil = nil
		if clearOTP {
			a.OTP = nil
		}
	})
	return lockUntil, err
}

// UpdatePassword replaces the password hash.
func (r *AccountRepository) UpdatePassword(_ context.Context, id ulid.ULID, passwordHash string) error {
	return r.mutate(id, func(a *auth.Account) {
		a.PasswordHash = passwordHash
	})
}

// Len returns the number of stored accounts.
func (r *AccountRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

func (r *AccountRepository) mutate(id ulid.ULID, fn func(*auth.Account)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	account, ok := r.byID[id]
	if !ok {
		return notFound("id", id.String())
	}
	fn(account)
	account.UpdatedAt = r.now()
	return nil
}

func notFound(key, value string) error {
	return oops.Code("ACCOUNT_NOT_FOUND").With(key, value).Wrap(auth.ErrNotFound)
}

// clone copies an account so callers never share pointers with the store.
func clone(a *auth.Account) *auth.Account {
	c := *a
	if a.OTP != nil {
		otp := *a.OTP
		c.OTP = &otp
	}
	c.LockUntil = copyTime(a.LockUntil)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Compile-time interface check.
var _ auth.AccountRepository = (*AccountRepository)(nil)
