// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AccessWard Contributors

// Package postgres provides a PostgreSQL auth.AccountRepository.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/accessward/accessward/internal/auth"
)

// poolIface is the subset of *pgxpool.Pool used here. pgxmock satisfies it.
type poolIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const accountColumns = `
	id, name, email, password_hash, email_verified,
	otp_code, otp_purpose, otp_expires_at,
	login_attempts, lock_until, created_at, updated_at`

// AccountRepository implements auth.AccountRepository using PostgreSQL.
type AccountRepository struct {
	pool poolIface
	now  func() time.Time
}

// NewAccountRepository creates a new AccountRepository.
func NewAccountRepository(pool poolIface) *AccountRepository {
	return &AccountRepository{pool: pool, now: time.Now}
}

// Create stores a new account.
func (r *AccountRepository) Create(ctx context.Context, account *auth.Account) error {
	code, purpose, expiresAt := otpColumns(account.OTP)

	_, err := r.pool.Exec(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		account.ID.String(),
		account.Name,
		auth.NormalizeEmail(account.Email),
		account.PasswordHash,
		account.EmailVerified,
		code,
		purpose,
		expiresAt,
		account.LoginAttempts,
		account.LockUntil,
		account.CreatedAt,
		account.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return oops.Code("ACCOUNT_EMAIL_TAKEN").
				With("email", account.Email).
				With("constraint", pgErr.ConstraintName).
				Wrap(auth.ErrDuplicate)
		}
		return oops.Code("ACCOUNT_CREATE_FAILED").
			With("operation", "insert account").
			With("email", account.Email).
			Wrap(err)
	}
	return nil
}

// GetByID retrieves an account by ID.
func (r *AccountRepository) GetByID(ctx context.Context, id ulid.ULID) (*auth.Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id.String())

	account, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("ACCOUNT_GET_BY_ID_FAILED").
			With("operation", "get account by id").
			With("id", id.String()).
			Wrap(err)
	}
	return account, nil
}

// GetByEmail retrieves an account by email (case-insensitive).
func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (*auth.Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE LOWER(email) = LOWER($1)`,
		auth.NormalizeEmail(email))

	account, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").
			With("email", email).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("ACCOUNT_GET_BY_EMAIL_FAILED").
			With("operation", "get account by email").
			With("email", email).
			Wrap(err)
	}
	return account, nil
}

// SetOTP replaces any outstanding code.
func (r *AccountRepository) SetOTP(ctx context.Context, id ulid.ULID, otp auth.OTP) error {
	return r.exec(ctx, "ACCOUNT_SET_OTP_FAILED", id, `
		UPDATE accounts SET otp_code = $2, otp_purpose = $3, otp_expires_at = $4, updated_at = $5
		WHERE id = $1
	`, otp.Code, string(otp.Purpose), otp.ExpiresAt, r.now())
}

// MarkEmailVerified sets the verified flag and consumes the code.
func (r *AccountRepository) MarkEmailVerified(ctx context.Context, id ulid.ULID) error {
	return r.exec(ctx, "ACCOUNT_VERIFY_FAILED", id, `
		UPDATE accounts SET
			email_verified = TRUE,
			otp_code = NULL, otp_purpose = NULL, otp_expires_at = NULL,
			updated_at = $2
		WHERE id = $1
	`, r.now())
}

// RecordFailure increments the attempt counter in one statement. The row lock
// taken by UPDATE serializes concurrent failures, and each one sees the
// counter left by the previous.
func (r *AccountRepository) RecordFailure(ctx context.Context, id ulid.ULID, policy auth.Policy, now time.Time) (auth.FailureOutcome, error) {
	lockUntil := now.Add(policy.Duration)

	var outcome auth.FailureOutcome
	err := r.pool.QueryRow(ctx, `
		UPDATE accounts SET
			login_attempts = CASE WHEN login_attempts + 1 >= $2 THEN 0 ELSE login_attempts + 1 END,
			lock_until     = CASE WHEN login_attempts + 1 >= $2 THEN $3 ELSE lock_until END,
			updated_at     = $4
		WHERE id = $1
		RETURNING login_attempts, lock_until
	`, id.String(), policy.Threshold, lockUntil, now).Scan(&outcome.Attempts, &outcome.LockUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return auth.FailureOutcome{}, oops.Code("ACCOUNT_NOT_FOUND").
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return auth.FailureOutcome{}, oops.Code("ACCOUNT_RECORD_FAILURE_FAILED").
			With("operation", "record failed attempt").
			With("id", id.String()).
			Wrap(err)
	}
	// The counter only returns to 0 on the failure that set the lock.
	outcome.Locked = outcome.Attempts == 0
	return outcome, nil
}

// ResetAttempts clears the counter and lock, and the code when clearOTP is set.
func (r *AccountRepository) ResetAttempts(ctx context.Context, id ulid.ULID, clearOTP bool) error {
	return r.exec(ctx, "ACCOUNT_RESET_ATTEMPTS_FAILED", id, `
		UPDATE accounts SET
			login_attempts = 0,
			lock_until = NULL,
			otp_code       = CASE WHEN $2 THEN NULL ELSE otp_code END,
			otp_purpose    = CASE WHEN $2 THEN NULL ELSE otp_purpose END,
			otp_expires_at = CASE WHEN $2 THEN NULL ELSE otp_expires_at END,
			updated_at = $3
		WHERE id = $1
	`, clearOTP, r.now())
}

// ResetAttemptsIfUnlocked clears the counter unless the row holds a lock that
// is still active at now. The row is locked for the check, so a concurrent
// RecordFailure either lands first and blocks the reset or waits for it.
func (r *AccountRepository) ResetAttemptsIfUnlocked(ctx context.Context, id ulid.ULID, now time.Time, clearOTP bool) (*time.Time, error) {
	var (
		lockUntil *time.Time
		reset     bool
	)
	err := r.pool.QueryRow(ctx, `
		WITH target AS (
			SELECT id, lock_until FROM accounts WHERE id = $1 FOR UPDATE
		), cleared AS (
			UPDATE accounts a SET
				login_attempts = 0,
				lock_until = NULL,
				otp_code       = CASE WHEN $2 THEN NULL ELSE a.otp_code END,
				otp_purpose    = CASE WHEN $2 THEN NULL ELSE a.otp_purpose END,
				otp_expires_at = CASE WHEN $2 THEN NULL ELSE a.otp_expires_at END,
				updated_at = $3
			FROM target t
			WHERE a.id = t.id AND (t.lock_until IS NULL OR t.lock_until <= $3)
			RETURNING a.id
		)
		SELECT t.lock_until, EXISTS (SELECT 1 FROM cleared) FROM target t
	`, id.String(), clearOTP, now).Scan(&lockUntil, &reset)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("ACCOUNT_RESET_ATTEMPTS_FAILED").
			With("operation", "reset attempts if unlocked").
			With("id", id.String()).
			Wrap(err)
	}
	if reset {
		return nil, nil
	}
	return lockUntil, nil
}

// UpdatePassword updates only the password hash.
func (r *AccountRepository) UpdatePassword(ctx context.Context, id ulid.ULID, passwordHash string) error {
	return r.exec(ctx, "ACCOUNT_UPDATE_PASSWORD_FAILED", id, `
		UPDATE accounts SET password_hash = $2, updated_at = $3
		WHERE id = $1
	`, passwordHash, r.now())
}

// exec runs a single-row update keyed by id, mapping zero rows to ErrNotFound.
func (r *AccountRepository) exec(ctx context.Context, code string, id ulid.ULID, sql string, args ...any) error {
	result, err := r.pool.Exec(ctx, sql, append([]any{id.String()}, args...)...)
	if err != nil {
		return oops.Code(code).With("id", id.String()).Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("ACCOUNT_NOT_FOUND").
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	return nil
}

func otpColumns(otp *auth.OTP) (code, purpose *string, expiresAt *time.Time) {
	if otp == nil || otp.Code == "" {
		return nil, nil, nil
	}
	p := string(otp.Purpose)
	return &otp.Code, &p, &otp.ExpiresAt
}

// scanAccount scans a single row into an Account.
// Callers are responsible for handling pgx.ErrNoRows.
func scanAccount(row pgx.Row) (*auth.Account, error) {
	var (
		idStr        string
		account      auth.Account
		otpCode      *string
		otpPurpose   *string
		otpExpiresAt *time.Time
	)

	err := row.Scan(
		&idStr,
		&account.Name,
		&account.Email,
		&account.PasswordHash,
		&account.EmailVerified,
		&otpCode,
		&otpPurpose,
		&otpExpiresAt,
		&account.LoginAttempts,
		&account.LockUntil,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err //nolint:wrapcheck // Callers wrap with context-specific info
		}
		return nil, oops.Code("ACCOUNT_SCAN_FAILED").
			With("operation", "scan account").
			Wrap(err)
	}

	account.ID, err = ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("ACCOUNT_INVALID_ID").
			With("operation", "parse account id").
			With("id", idStr).
			Wrap(err)
	}

	if otpCode != nil && otpExpiresAt != nil {
		account.OTP = &auth.OTP{Code: *otpCode, ExpiresAt: *otpExpiresAt}
		if otpPurpose != nil {
			account.OTP.Purpose = auth.Purpose(*otpPurpose)
		}
	}
	return &account, nil
}

// Compile-time interface check.
var _ auth.AccountRepository = (*AccountRepository)(nil)
