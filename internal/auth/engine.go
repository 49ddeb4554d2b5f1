// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AccessWard Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/accessward/accessward/pkg/errutil"
)

var tracer = otel.Tracer("accessward/auth")

// Operation names used for spans and metrics.
const (
	OpRegister          = "register"
	OpVerifyEmail       = "verify_email"
	OpRequestLoginOTP   = "request_login_otp"
	OpLoginWithOTP      = "login_with_otp"
	OpLoginWithPassword = "login_with_password"
	OpResendOTP         = "resend_otp"
	OpProfile           = "profile"
	OpUnlock            = "unlock"
)

// DefaultDeliveryTimeout bounds a single notification call, retries included.
const DefaultDeliveryTimeout = 10 * time.Second

// dummyPasswordHash is verified when no account matches, so unknown emails
// cost the same as wrong passwords. It never matches any password.
//
//nolint:gosec // G101: intentionally fake hash for timing parity, not a credential.
const dummyPasswordHash = "$argon2id$v=19$m=65536,t=3,p=4$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// RegisterInput carries the fields needed to open an account.
type RegisterInput struct {
	Name     string
	Email    string
	Password string
}

// LoginResult is returned by successful logins.
type LoginResult struct {
	Profile   *Profile
	Token     string
	ExpiresAt time.Time
}

// Engine orchestrates registration, verification and login.
// It is safe for concurrent use when its dependencies are.
type Engine struct {
	accounts AccountRepository
	hasher   PasswordHasher
	notifier Notifier
	tokens   TokenIssuer

	codes                 CodeGenerator
	policy                Policy
	otpTTL                time.Duration
	deliveryTimeout       time.Duration
	limiter               SendLimiter // optional, can be nil
	resendRespectsLockout bool
	metrics               Metrics
	logger                *slog.Logger
	now                   func() time.Time
}

// EngineOption configures an Engine during construction.
type EngineOption func(*Engine)

// WithLogger sets the engine logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// WithCodeGenerator replaces the crypto/rand code source.
func WithCodeGenerator(gen CodeGenerator) EngineOption {
	return func(e *Engine) {
		e.codes = gen
	}
}

// WithPolicy replaces DefaultPolicy.
func WithPolicy(p Policy) EngineOption {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithOTPTTL sets how long issued codes stay valid. Defaults to OTPTTL.
func WithOTPTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) {
		e.otpTTL = ttl
	}
}

// WithDeliveryTimeout bounds each notification call.
func WithDeliveryTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.deliveryTimeout = d
	}
}

// WithMetrics records operation outcomes.
func WithMetrics(m Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithSendLimiter throttles code sends per email.
// If not provided, sends are not throttled.
func WithSendLimiter(l SendLimiter) EngineOption {
	return func(e *Engine) {
		e.limiter = l
	}
}

// WithResendRespectsLockout makes ResendOTP fail for locked accounts.
func WithResendRespectsLockout(enabled bool) EngineOption {
	return func(e *Engine) {
		e.resendRespectsLockout = enabled
	}
}

// NewEngine creates an Engine. All four collaborators are required.
func NewEngine(accounts AccountRepository, hasher PasswordHasher, notifier Notifier, tokens TokenIssuer, opts ...EngineOption) (*Engine, error) {
	if accounts == nil {
		return nil, oops.Code("ENGINE_INVALID_CONFIG").Errorf("accounts repository is required")
	}
	if hasher == nil {
		return nil, oops.Code("ENGINE_INVALID_CONFIG").Errorf("password hasher is required")
	}
	if notifier == nil {
		return nil, oops.Code("ENGINE_INVALID_CONFIG").Errorf("notifier is required")
	}
	if tokens == nil {
		return nil, oops.Code("ENGINE_INVALID_CONFIG").Errorf("token issuer is required")
	}

	e := &Engine{
		accounts:        accounts,
		hasher:          hasher,
		notifier:        notifier,
		tokens:          tokens,
		codes:           RandomCodes{},
		policy:          DefaultPolicy,
		otpTTL:          OTPTTL,
		deliveryTimeout: DefaultDeliveryTimeout,
		metrics:         noopMetrics{},
		logger:          slog.Default(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.logger == nil {
		return nil, oops.Code("ENGINE_INVALID_CONFIG").Errorf("logger cannot be nil")
	}
	if e.codes == nil || e.now == nil || e.metrics == nil {
		return nil, oops.Code("ENGINE_INVALID_CONFIG").Errorf("code generator, clock and metrics cannot be nil")
	}
	if err := e.policy.Validate(); err != nil {
		return nil, err
	}
	if e.otpTTL <= 0 || e.deliveryTimeout <= 0 {
		return nil, oops.Code("ENGINE_INVALID_CONFIG").
			With("otp_ttl", e.otpTTL.String()).
			With("delivery_timeout", e.deliveryTimeout.String()).
			Errorf("otp ttl and delivery timeout must be positive")
	}
	return e, nil
}

// Register creates an unverified account and sends it a verification code.
// A failed delivery is logged; the code stays valid and the account is returned.
func (e *Engine) Register(ctx context.Context, in RegisterInput) (_ *Profile, err error) {
	ctx, span := tracer.Start(ctx, "auth."+OpRegister)
	defer func() { e.finish(ctx, span, OpRegister, err) }()

	name := strings.TrimSpace(in.Name)
	email := NormalizeEmail(in.Email)
	if vErr := ValidateName(name); vErr != nil {
		return nil, vErr
	}
	if vErr := ValidateEmail(email); vErr != nil {
		return nil, vErr
	}
	if vErr := ValidatePassword(in.Password); vErr != nil {
		return nil, vErr
	}

	_, lookupErr := e.accounts.GetByEmail(ctx, email)
	switch {
	case lookupErr == nil:
		return nil, errDuplicateAccount(email)
	case !errors.Is(lookupErr, ErrNotFound):
		return nil, errInternal("get account by email", lookupErr)
	}

	hash, err := e.hasher.Hash(in.Password)
	if err != nil {
		return nil, errInternal("hash password", err)
	}

	now := e.now()
	account, err := NewAccount(name, email, hash, now)
	if err != nil {
		return nil, err
	}
	otp, err := NewOTP(e.codes, PurposeVerification, now, e.otpTTL)
	if err != nil {
		return nil, errInternal("generate otp", err)
	}
	account.OTP = &otp

	if createErr := e.accounts.Create(ctx, account); createErr != nil {
		if errors.Is(createErr, ErrDuplicate) {
			return nil, errDuplicateAccount(email)
		}
		return nil, errInternal("create account", createErr)
	}
	span.SetAttributes(attribute.String("account.id", account.ID.String()))

	e.logger.InfoContext(ctx, "account registered", "account_id", account.ID.String())

	// Delivery failure is non-fatal here; deliver already logged it.
	_ = e.deliver(ctx, account, otp) //nolint:errcheck // best effort, code remains valid

	return account.Profile(), nil
}

// VerifyEmail consumes a verification code. Wrong codes never count toward lockout.
func (e *Engine) VerifyEmail(ctx context.Context, email, code string) (_ *Profile, err error) {
	ctx, span := tracer.Start(ctx, "auth."+OpVerifyEmail)
	defer func() { e.finish(ctx, span, OpVerifyEmail, err) }()

	if vErr := ValidateOTPCode(code); vErr != nil {
		return nil, vErr
	}
	account, err := e.lookup(ctx, email)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("account.id", account.ID.String()))

	if account.EmailVerified {
		return nil, oops.Code(CodeAlreadyVerified).Errorf("email is already verified")
	}
	if pendErr := checkPending(account.OTP, e.now()); pendErr != nil {
		return nil, pendErr
	}
	if !account.OTP.Matches(code) {
		return nil, oops.Code(CodeOTPMismatch).Errorf("invalid OTP code")
	}

	if markErr := e.accounts.MarkEmailVerified(ctx, account.ID); markErr != nil {
		return nil, errInternal("mark email verified", markErr)
	}
	account.EmailVerified = true
	account.OTP = nil

	e.sendWelcome(ctx, account)

	return account.Profile(), nil
}

// RequestLoginOTP issues and sends a login code to a verified, unlocked account.
// DELIVERY_FAILED means the code was issued but could not be sent.
func (e *Engine) RequestLoginOTP(ctx context.Context, email string) (err error) {
	ctx, span := tracer.Start(ctx, "auth."+OpRequestLoginOTP)
	defer func() { e.finish(ctx, span, OpRequestLoginOTP, err) }()

	account, err := e.lookup(ctx, email)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("account.id", account.ID.String()))

	if !account.EmailVerified {
		return errEmailNotVerified()
	}
	now := e.now()
	if account.IsLocked(now) {
		return errAccountLocked(account.LockUntil, now)
	}
	if limitErr := e.throttle(ctx, account.Email); limitErr != nil {
		return limitErr
	}

	otp, err := e.issue(ctx, account, PurposeLogin, now)
	if err != nil {
		return err
	}
	return e.deliver(ctx, account, otp)
}

// LoginWithOTP exchanges a login code for a session token.
func (e *Engine) LoginWithOTP(ctx context.Context, email, code string) (_ *LoginResult, err error) {
	ctx, span := tracer.Start(ctx, "auth."+OpLoginWithOTP)
	defer func() { e.finish(ctx, span, OpLoginWithOTP, err) }()

	if vErr := ValidateOTPCode(code); vErr != nil {
		return nil, vErr
	}
	account, err := e.lookup(ctx, email)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("account.id", account.ID.String()))

	if !account.EmailVerified {
		return nil, errEmailNotVerified()
	}
	now := e.now()
	if account.IsLocked(now) {
		return nil, errAccountLocked(account.LockUntil, now)
	}
	if pendErr := checkPending(account.OTP, now); pendErr != nil {
		return nil, pendErr
	}
	if !account.OTP.Matches(code) {
		return nil, e.recordFailure(ctx, account, now, CodeOTPMismatch, "invalid OTP")
	}

	if lockErr := e.resetAfterSuccess(ctx, account, now, true); lockErr != nil {
		return nil, lockErr
	}
	account.OTP = nil

	return e.issueToken(account)
}

// LoginWithPassword exchanges an email and password for a session token.
// Unknown emails and wrong passwords return the same INVALID_CREDENTIALS code.
func (e *Engine) LoginWithPassword(ctx context.Context, email, password string) (_ *LoginResult, err error) {
	ctx, span := tracer.Start(ctx, "auth."+OpLoginWithPassword)
	defer func() { e.finish(ctx, span, OpLoginWithPassword, err) }()

	email = NormalizeEmail(email)
	account, lookupErr := e.accounts.GetByEmail(ctx, email)

	var targetHash string
	var accountExists bool
	if lookupErr != nil {
		if !errors.Is(lookupErr, ErrNotFound) {
			return nil, errInternal("get account by email", lookupErr)
		}
		targetHash = dummyPasswordHash
	} else {
		targetHash = account.PasswordHash
		accountExists = true
	}

	// Always verify so unknown emails take as long as known ones.
	valid, verifyErr := e.hasher.Verify(password, targetHash)
	if !accountExists {
		return nil, oops.Code(CodeInvalidCredentials).Errorf("invalid email or password")
	}
	if verifyErr != nil {
		return nil, errInternal("verify password", verifyErr)
	}
	span.SetAttributes(attribute.String("account.id", account.ID.String()))

	if !account.EmailVerified {
		return nil, errEmailNotVerified()
	}
	now := e.now()
	if account.IsLocked(now) {
		return nil, errAccountLocked(account.LockUntil, now)
	}
	if !valid {
		return nil, e.recordFailure(ctx, account, now, CodeInvalidCredentials, "invalid email or password")
	}

	if lockErr := e.resetAfterSuccess(ctx, account, now, false); lockErr != nil {
		return nil, lockErr
	}

	if e.hasher.NeedsUpgrade(account.PasswordHash) {
		e.upgradeHash(ctx, account, password)
	}

	return e.issueToken(account)
}

// ResendOTP issues and sends a fresh code for purpose. Lock state is ignored
// unless WithResendRespectsLockout(true) was given.
func (e *Engine) ResendOTP(ctx context.Context, email string, purpose Purpose) (err error) {
	ctx, span := tracer.Start(ctx, "auth."+OpResendOTP, trace.WithAttributes(attribute.String("otp.purpose", string(purpose))))
	defer func() { e.finish(ctx, span, OpResendOTP, err) }()

	purpose, err = ParsePurpose(string(purpose))
	if err != nil {
		return err
	}

	account, err := e.lookup(ctx, email)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("account.id", account.ID.String()))

	now := e.now()
	if e.resendRespectsLockout && account.IsLocked(now) {
		return errAccountLocked(account.LockUntil, now)
	}
	if limitErr := e.throttle(ctx, account.Email); limitErr != nil {
		return limitErr
	}

	otp, err := e.issue(ctx, account, purpose, now)
	if err != nil {
		return err
	}
	return e.deliver(ctx, account, otp)
}

// Profile returns the public projection of the account with id.
func (e *Engine) Profile(ctx context.Context, id ulid.ULID) (_ *Profile, err error) {
	ctx, span := tracer.Start(ctx, "auth."+OpProfile, trace.WithAttributes(attribute.String("account.id", id.String())))
	defer func() { e.finish(ctx, span, OpProfile, err) }()

	account, err := e.accounts.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oops.Code(CodeNotFound).With("account_id", id.String()).Errorf("account not found")
		}
		return nil, errInternal("get account by id", err)
	}
	return account.Profile(), nil
}

// Unlock clears the attempt counter and any lock on the account with email.
func (e *Engine) Unlock(ctx context.Context, email string) (err error) {
	ctx, span := tracer.Start(ctx, "auth."+OpUnlock)
	defer func() { e.finish(ctx, span, OpUnlock, err) }()

	account, err := e.lookup(ctx, email)
	if err != nil {
		return err
	}
	if resetErr := e.accounts.ResetAttempts(ctx, account.ID, false); resetErr != nil {
		return errInternal("reset login attempts", resetErr)
	}
	e.logger.InfoContext(ctx, "account unlocked", "account_id", account.ID.String())
	return nil
}

// resetAfterSuccess clears the counter after a correct credential. A lock set
// by a failure that raced with this login is kept and reported.
func (e *Engine) resetAfterSuccess(ctx context.Context, account *Account, now time.Time, clearOTP bool) error {
	lockUntil, err := e.accounts.ResetAttemptsIfUnlocked(ctx, account.ID, now, clearOTP)
	if err != nil {
		return errInternal("reset login attempts", err)
	}
	if lockUntil != nil {
		return errAccountLocked(lockUntil, now)
	}
	return nil
}

func (e *Engine) lookup(ctx context.Context, email string) (*Account, error) {
	email = NormalizeEmail(email)
	account, err := e.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, errNotFound(email)
		}
		return nil, errInternal("get account by email", err)
	}
	return account, nil
}

// issue stores a new code, replacing any outstanding one.
func (e *Engine) issue(ctx context.Context, account *Account, purpose Purpose, now time.Time) (OTP, error) {
	otp, err := NewOTP(e.codes, purpose, now, e.otpTTL)
	if err != nil {
		return OTP{}, errInternal("generate otp", err)
	}
	if err := e.accounts.SetOTP(ctx, account.ID, otp); err != nil {
		return OTP{}, errInternal("store otp", err)
	}
	account.OTP = &otp
	return otp, nil
}

// deliver sends otp under the delivery timeout. The code is already stored,
// so a failure leaves it usable.
func (e *Engine) deliver(ctx context.Context, account *Account, otp OTP) error {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.deliveryTimeout)
	defer cancel()

	err := e.notifier.SendCode(sendCtx, Message{
		To:        account.Email,
		Name:      account.Name,
		Code:      otp.Code,
		Purpose:   otp.Purpose,
		ExpiresIn: e.otpTTL,
	})
	if err != nil {
		e.metrics.RecordDelivery(string(otp.Purpose), "failed")
		errutil.LogError(ctx, e.logger.With("account_id", account.ID.String(), "purpose", string(otp.Purpose)),
			"code delivery failed", err)
		return oops.Code(CodeDeliveryFailed).
			With("purpose", string(otp.Purpose)).
			Errorf("failed to send OTP email")
	}
	e.metrics.RecordDelivery(string(otp.Purpose), "sent")
	return nil
}

func (e *Engine) sendWelcome(ctx context.Context, account *Account) {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.deliveryTimeout)
	defer cancel()

	if err := e.notifier.SendWelcome(sendCtx, account.Email, account.Name); err != nil {
		e.metrics.RecordDelivery("welcome", "failed")
		errutil.LogError(ctx, e.logger.With("account_id", account.ID.String()), "welcome delivery failed", err)
		return
	}
	e.metrics.RecordDelivery("welcome", "sent")
}

func (e *Engine) throttle(ctx context.Context, email string) error {
	if e.limiter == nil {
		return nil
	}
	allowed, retryAfter, err := e.limiter.Allow(ctx, email)
	if err != nil {
		// Throttling is auxiliary; an unreachable backend must not block logins.
		e.logger.WarnContext(ctx, "send limiter unavailable, allowing send", "error", err)
		return nil
	}
	if allowed {
		return nil
	}
	seconds := int(math.Ceil(retryAfter.Seconds()))
	return oops.Code(CodeRateLimited).
		With(ContextRetryAfter, seconds).
		Errorf("too many codes requested, try again in %d seconds", seconds)
}

// recordFailure applies one failed attempt and builds the matching error.
func (e *Engine) recordFailure(ctx context.Context, account *Account, now time.Time, code, msg string) error {
	outcome, err := e.accounts.RecordFailure(ctx, account.ID, e.policy, now)
	if err != nil {
		return errInternal("record failed attempt", err)
	}

	if outcome.Locked {
		e.metrics.RecordLockout()
		e.logger.WarnContext(ctx, "account locked after repeated failures",
			"account_id", account.ID.String(),
			"locked_until", outcome.LockUntil,
		)
		minutes := RemainingLockMinutes(outcome.LockUntil, now)
		return oops.Code(CodeAccountLocked).
			With(ContextRemainingMinutes, minutes).
			With("locked_until", outcome.LockUntil).
			Errorf("too many failed attempts, account locked for %d minutes", minutes)
	}
	// A concurrent request may have locked the account first.
	if IsLocked(outcome.LockUntil, now) {
		return errAccountLocked(outcome.LockUntil, now)
	}

	remaining := e.policy.AttemptsRemaining(outcome.Attempts)
	return oops.Code(code).
		With(ContextAttemptsRemaining, remaining).
		Errorf("%s, %d attempts remaining", msg, remaining)
}

func (e *Engine) issueToken(account *Account) (*LoginResult, error) {
	token, expiresAt, err := e.tokens.Issue(account.ID)
	if err != nil {
		return nil, errInternal("issue token", err)
	}
	return &LoginResult{
		Profile:   account.Profile(),
		Token:     token,
		ExpiresAt: expiresAt,
	}, nil
}

func (e *Engine) upgradeHash(ctx context.Context, account *Account, password string) {
	newHash, err := e.hasher.Hash(password)
	if err != nil {
		errutil.LogError(ctx, e.logger, "password hash upgrade failed", err)
		return
	}
	if err := e.accounts.UpdatePassword(ctx, account.ID, newHash); err != nil {
		errutil.LogError(ctx, e.logger, "password hash upgrade failed", err)
		return
	}
	account.PasswordHash = newHash
}

// finish ends the span and records the outcome. Internal errors are logged here
// once; domain errors are expected results and are not.
func (e *Engine) finish(ctx context.Context, span trace.Span, op string, err error) {
	defer span.End()

	if err == nil {
		e.metrics.RecordOperation(op, "success")
		return
	}
	code := ErrorCode(err)
	e.metrics.RecordOperation(op, strings.ToLower(code))
	span.SetStatus(codes.Error, code)
	if code == CodeInternal {
		span.RecordError(err)
		errutil.LogError(ctx, e.logger.With("operation", op), "auth operation failed", err)
	}
}

func checkPending(otp *OTP, now time.Time) error {
	if otp == nil || otp.Code == "" {
		return oops.Code(CodeNoOTPPending).Errorf("no OTP found or OTP expired")
	}
	if otp.Expired(now) {
		return oops.Code(CodeOTPExpired).Errorf("OTP has expired")
	}
	return nil
}

func errEmailNotVerified() error {
	return oops.Code(CodeEmailNotVerified).Errorf("please verify your email first")
}

func errDuplicateAccount(email string) error {
	return oops.Code(CodeDuplicateAccount).
		With("email", email).
		Errorf("user with this email already exists")
}
