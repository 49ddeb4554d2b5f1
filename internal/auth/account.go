// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AccessWard Contributors

package auth

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Name validation constraints.
const (
	MinNameLength = 2
	MaxNameLength = 50
)

// MinPasswordLength is the shortest password accepted at registration.
const MinPasswordLength = 8

// maxEmailLength follows the SMTP path limit.
const maxEmailLength = 254

// nameRegex matches names that start with a letter and contain only letters and spaces.
var nameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z ]*$`)

var emailRegex = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// passwordSpecials are the symbols that satisfy the special-character rule.
const passwordSpecials = "@$!%*?&"

// Account is the durable credential record for one user.
type Account struct {
	ID            ulid.ULID
	Name          string
	Email         string
	PasswordHash  string
	EmailVerified bool
	OTP           *OTP
	LoginAttempts int
	LockUntil     *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewAccount creates an unverified Account with a fresh ID.
// The email is normalized; the name is trimmed.
func NewAccount(name, email, passwordHash string, now time.Time) (*Account, error) {
	name = strings.TrimSpace(name)
	email = NormalizeEmail(email)
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	if passwordHash == "" {
		return nil, oops.Code(CodeInvalidInput).With("field", "password").Errorf("password hash cannot be empty")
	}
	return &Account{
		ID:           ulid.Make(),
		Name:         name,
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// IsLocked reports whether the account is locked at now.
func (a *Account) IsLocked(now time.Time) bool {
	return IsLocked(a.LockUntil, now)
}

// Profile returns the public projection of the account.
func (a *Account) Profile() *Profile {
	return &Profile{
		ID:            a.ID,
		Name:          a.Name,
		Email:         a.Email,
		EmailVerified: a.EmailVerified,
		CreatedAt:     a.CreatedAt,
	}
}

// Profile is the subset of an Account that is safe to return to clients.
type Profile struct {
	ID            ulid.ULID `json:"id"`
	Name          string    `json:"name"`
	Email         string    `json:"email"`
	EmailVerified bool      `json:"emailVerified"`
	CreatedAt     time.Time `json:"createdAt"`
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateName validates a display name.
func ValidateName(name string) error {
	if name == "" {
		return oops.Code(CodeInvalidInput).With("field", "name").Errorf("name is required")
	}
	if len(name) < MinNameLength || len(name) > MaxNameLength {
		return oops.Code(CodeInvalidInput).
			With("field", "name").
			With("min", MinNameLength).
			With("max", MaxNameLength).
			Errorf("name must be between %d and %d characters", MinNameLength, MaxNameLength)
	}
	if !nameRegex.MatchString(name) {
		return oops.Code(CodeInvalidInput).
			With("field", "name").
			Errorf("name must start with a letter and can only contain letters and spaces")
	}
	return nil
}

// ValidateEmail validates an already normalized email address.
func ValidateEmail(email string) error {
	if email == "" {
		return oops.Code(CodeInvalidInput).With("field", "email").Errorf("email is required")
	}
	if len(email) > maxEmailLength || !emailRegex.MatchString(email) {
		return oops.Code(CodeInvalidInput).With("field", "email").Errorf("please provide a valid email address")
	}
	return nil
}

// ValidatePassword enforces the registration password rules:
// at least MinPasswordLength characters with an upper-case letter, a lower-case
// letter, a digit and one of @$!%*?&.
func ValidatePassword(password string) error {
	if password == "" {
		return oops.Code(CodeInvalidInput).With("field", "password").Errorf("password is required")
	}
	if len(password) < MinPasswordLength {
		return oops.Code(CodeInvalidInput).
			With("field", "password").
			With("min", MinPasswordLength).
			Errorf("password must be at least %d characters long", MinPasswordLength)
	}
	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= '0' && r <= '9':
			digit = true
		case strings.ContainsRune(passwordSpecials, r):
			special = true
		default:
			return oops.Code(CodeInvalidInput).
				With("field", "password").
				Errorf("password may only contain letters, digits and %s", passwordSpecials)
		}
	}
	if !upper || !lower || !digit || !special {
		return oops.Code(CodeInvalidInput).
			With("field", "password").
			Errorf("password must contain at least one uppercase letter, one lowercase letter, one number, and one special character")
	}
	return nil
}

// FailureOutcome is the account state after a failed attempt was recorded.
type FailureOutcome struct {
	// Attempts is the counter after the update. It is 0 when the failure locked the account.
	Attempts int

	// LockUntil is the lock timestamp after the update, nil when unlocked.
	LockUntil *time.Time

	// Locked is true when this failure moved the account into the locked state.
	Locked bool
}

// AccountRepository manages account persistence.
// Implementations must make RecordFailure a single atomic step.
type AccountRepository interface {
	// Create stores a new account.
	// Returns an error wrapping ErrDuplicate if the email is taken.
	Create(ctx context.Context, account *Account) error

	// GetByID retrieves an account by ID.
	GetByID(ctx context.Context, id ulid.ULID) (*Account, error)

	// GetByEmail retrieves an account by normalized email.
	// Returns ErrNotFound if no account has the given email.
	GetByEmail(ctx context.Context, email string) (*Account, error)

	// SetOTP replaces any outstanding OTP with otp.
	SetOTP(ctx context.Context, id ulid.ULID, otp OTP) error

	// MarkEmailVerified sets the verified flag and clears the OTP.
	MarkEmailVerified(ctx context.Context, id ulid.ULID) error

	// RecordFailure increments the attempt counter and applies policy in one step.
	RecordFailure(ctx context.Context, id ulid.ULID, policy Policy, now time.Time) (FailureOutcome, error)

	// ResetAttempts zeroes the counter and clears the lock, and the OTP when clearOTP is set.
	ResetAttempts(ctx context.Context, id ulid.ULID, clearOTP bool) error

	// ResetAttemptsIfUnlocked is ResetAttempts guarded by the stored lock in
	// the same step. When a lock is active at now nothing changes and the
	// lock expiry is returned.
	ResetAttemptsIfUnlocked(ctx context.Context, id ulid.ULID, now time.Time, clearOTP bool) (*time.Time, error)

	// UpdatePassword replaces only the password hash.
	UpdatePassword(ctx context.Context, id ulid.ULID, passwordHash string) error
}
