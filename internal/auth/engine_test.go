// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AccessWard Contributors

package auth_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/accessward/accessward/internal/auth"
	"github.com/accessward/accessward/internal/auth/memory"
	"github.com/accessward/accessward/internal/auth/mocks"
	"github.com/accessward/accessward/pkg/errutil"
)

const testPassword = "Passw0rd!"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// plainHasher keeps engine tests fast. Hashes prefixed "legacy$" need upgrading.
type plainHasher struct{}

func (plainHasher) Hash(password string) (string, error) { return "plain$" + password, nil }

func (plainHasher) Verify(password, hash string) (bool, error) {
	return hash == "plain$"+password || hash == "legacy$"+password, nil
}

func (plainHasher) NeedsUpgrade(hash string) bool { return !strings.HasPrefix(hash, "plain$") }

type recordingNotifier struct {
	mu       sync.Mutex
	sent     []auth.Message
	welcomes []string
	fail     error
	block    bool
}

func (n *recordingNotifier) SendCode(ctx context.Context, msg auth.Message) error {
	n.mu.Lock()
	n.sent = append(n.sent, msg)
	fail, block := n.fail, n.block
	n.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return fail
}

func (n *recordingNotifier) SendWelcome(_ context.Context, to, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.welcomes = append(n.welcomes, to)
	return nil
}

func (n *recordingNotifier) last(t *testing.T) auth.Message {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotEmpty(t, n.sent, "no code was sent")
	return n.sent[len(n.sent)-1]
}

type clockTokens struct{ clock *fakeClock }

func (c clockTokens) Issue(id ulid.ULID) (string, time.Time, error) {
	return "token-" + id.String(), c.clock.Now().Add(7 * 24 * time.Hour), nil
}

type countingMetrics struct {
	mu         sync.Mutex
	operations map[string]int
	lockouts   int
	deliveries map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{operations: map[string]int{}, deliveries: map[string]int{}}
}

func (m *countingMetrics) RecordOperation(op, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operations[op+"/"+outcome]++
}

func (m *countingMetrics) RecordLockout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lockouts++
}

func (m *countingMetrics) RecordDelivery(purpose, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries[purpose+"/"+status]++
}

type harness struct {
	engine   *auth.Engine
	repo     *memory.AccountRepository
	notifier *recordingNotifier
	clock    *fakeClock
	metrics  *countingMetrics
}

func newHarness(t *testing.T, opts ...auth.EngineOption) *harness {
	t.Helper()
	h := &harness{
		repo:     memory.NewAccountRepository(),
		notifier: &recordingNotifier{},
		clock:    &fakeClock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)},
		metrics:  newCountingMetrics(),
	}
	base := []auth.EngineOption{
		auth.WithClock(h.clock.Now),
		auth.WithMetrics(h.metrics),
	}
	engine, err := auth.NewEngine(h.repo, plainHasher{}, h.notifier, clockTokens{h.clock}, append(base, opts...)...)
	require.NoError(t, err)
	h.engine = engine
	return h
}

func (h *harness) register(t *testing.T, email string) *auth.Profile {
	t.Helper()
	profile, err := h.engine.Register(context.Background(), auth.RegisterInput{
		Name: "Ann Lee", Email: email, Password: testPassword,
	})
	require.NoError(t, err)
	return profile
}

func (h *harness) registerVerified(t *testing.T, email string) *auth.Profile {
	t.Helper()
	h.register(t, email)
	profile, err := h.engine.VerifyEmail(context.Background(), email, h.notifier.last(t).Code)
	require.NoError(t, err)
	return profile
}

func (h *harness) account(t *testing.T, email string) *auth.Account {
	t.Helper()
	account, err := h.repo.GetByEmail(context.Background(), email)
	require.NoError(t, err)
	return account
}

// wrongCode returns a valid-looking code that differs from code.
func wrongCode(code string) string {
	if code == "999999" {
		return "100000"
	}
	return "999999"
}

func TestNewEngine_NilDependencies(t *testing.T) {
	repo := memory.NewAccountRepository()
	notifier := &recordingNotifier{}
	tokens := clockTokens{&fakeClock{}}

	tests := []struct {
		name        string
		accounts    auth.AccountRepository
		hasher      auth.PasswordHasher
		notifier    auth.Notifier
		tokens      auth.TokenIssuer
		expectError string
	}{
		{"nil accounts repository", nil, plainHasher{}, notifier, tokens, "accounts repository is required"},
		{"nil password hasher", repo, nil, notifier, tokens, "password hasher is required"},
		{"nil notifier", repo, plainHasher{}, nil, tokens, "notifier is required"},
		{"nil token issuer", repo, plainHasher{}, notifier, nil, "token issuer is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, err := auth.NewEngine(tt.accounts, tt.hasher, tt.notifier, tt.tokens)
			require.Error(t, err)
			assert.Nil(t, engine)
			assert.Contains(t, err.Error(), tt.expectError)
			errutil.AssertErrorCode(t, err, "ENGINE_INVALID_CONFIG")
		})
	}

	t.Run("nil logger", func(t *testing.T) {
		_, err := auth.NewEngine(repo, plainHasher{}, notifier, tokens, auth.WithLogger(nil))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger")
	})

	t.Run("invalid policy", func(t *testing.T) {
		_, err := auth.NewEngine(repo, plainHasher{}, notifier, tokens, auth.WithPolicy(auth.Policy{}))
		errutil.AssertErrorCode(t, err, "LOCKOUT_POLICY_INVALID")
	})

	t.Run("non-positive otp ttl", func(t *testing.T) {
		_, err := auth.NewEngine(repo, plainHasher{}, notifier, tokens, auth.WithOTPTTL(0))
		errutil.AssertErrorCode(t, err, "ENGINE_INVALID_CONFIG")
	})
}

func TestEngine_Register(t *testing.T) {
	ctx := context.Background()

	t.Run("creates unverified account and sends verification code", func(t *testing.T) {
		h := newHarness(t)
		profile, err := h.engine.Register(ctx, auth.RegisterInput{Name: " Ann Lee ", Email: "Ann@Example.com", Password: testPassword})
		require.NoError(t, err)

		assert.Equal(t, "Ann Lee", profile.Name)
		assert.Equal(t, "ann@example.com", profile.Email)
		assert.False(t, profile.EmailVerified)

		msg := h.notifier.last(t)
		assert.Equal(t, "ann@example.com", msg.To)
		assert.Equal(t, auth.PurposeVerification, msg.Purpose)
		assert.Equal(t, auth.OTPTTL, msg.ExpiresIn)
		assert.NoError(t, auth.ValidateOTPCode(msg.Code))

		account := h.account(t, "ann@example.com")
		require.NotNil(t, account.OTP)
		assert.Equal(t, msg.Code, account.OTP.Code)
		assert.Equal(t, h.clock.Now().Add(10*time.Minute), account.OTP.ExpiresAt)
		assert.Equal(t, "plain$"+testPassword, account.PasswordHash)
		assert.Equal(t, 1, h.metrics.deliveries["verification/sent"])
	})

	t.Run("rejects duplicate email case-insensitively", func(t *testing.T) {
		h := newHarness(t)
		h.register(t, "ann@example.com")

		_, err := h.engine.Register(ctx, auth.RegisterInput{Name: "Other", Email: "ANN@example.com", Password: testPassword})
		errutil.AssertErrorCode(t, err, auth.CodeDuplicateAccount)
		assert.Equal(t, 1, h.repo.Len())
	})

	t.Run("rejects invalid input without storing", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.engine.Register(ctx, auth.RegisterInput{Name: "Ann", Email: "ann@example.com", Password: "weak"})
		errutil.AssertErrorCode(t, err, auth.CodeInvalidInput)
		errutil.AssertErrorContext(t, err, "field", "password")
		assert.Zero(t, h.repo.Len())
	})

	t.Run("delivery failure still registers and keeps the code", func(t *testing.T) {
		h := newHarness(t)
		h.notifier.fail = errors.New("smtp down")

		profile, err := h.engine.Register(ctx, auth.RegisterInput{Name: "Ann", Email: "ann@example.com", Password: testPassword})
		require.NoError(t, err)
		require.NotNil(t, profile)
		assert.Equal(t, 1, h.metrics.deliveries["verification/failed"])

		_, err = h.engine.VerifyEmail(ctx, "ann@example.com", h.notifier.last(t).Code)
		require.NoError(t, err)
	})
}

func TestEngine_VerifyEmail(t *testing.T) {
	ctx := context.Background()

	t.Run("marks account verified and sends welcome", func(t *testing.T) {
		h := newHarness(t)
		h.register(t, "ann@example.com")

		profile, err := h.engine.VerifyEmail(ctx, "ann@example.com", h.notifier.last(t).Code)
		require.NoError(t, err)
		assert.True(t, profile.EmailVerified)

		account := h.account(t, "ann@example.com")
		assert.True(t, account.EmailVerified)
		assert.Nil(t, account.OTP)
		assert.Equal(t, []string{"ann@example.com"}, h.notifier.welcomes)
	})

	t.Run("wrong codes never lock", func(t *testing.T) {
		h := newHarness(t)
		h.register(t, "ann@example.com")
		code := h.notifier.last(t).Code

		for range auth.LockoutThreshold + 2 {
			_, err := h.engine.VerifyEmail(ctx, "ann@example.com", wrongCode(code))
			errutil.AssertErrorCode(t, err, auth.CodeOTPMismatch)
			_, hasRemaining := auth.ErrorContextInt(err, auth.ContextAttemptsRemaining)
			assert.False(t, hasRemaining)
		}

		account := h.account(t, "ann@example.com")
		assert.Zero(t, account.LoginAttempts)
		assert.Nil(t, account.LockUntil)

		_, err := h.engine.VerifyEmail(ctx, "ann@example.com", code)
		require.NoError(t, err)
	})

	t.Run("already verified", func(t *testing.T) {
		h := newHarness(t)
		h.registerVerified(t, "ann@example.com")

		_, err := h.engine.VerifyEmail(ctx, "ann@example.com", "123456")
		errutil.AssertErrorCode(t, err, auth.CodeAlreadyVerified)
	})

	t.Run("expired code", func(t *testing.T) {
		h := newHarness(t)
		h.register(t, "ann@example.com")
		h.clock.Advance(auth.OTPTTL + time.Second)

		_, err := h.engine.VerifyEmail(ctx, "ann@example.com", h.notifier.last(t).Code)
		errutil.AssertErrorCode(t, err, auth.CodeOTPExpired)
	})

	t.Run("unknown email", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.engine.VerifyEmail(ctx, "nobody@example.com", "123456")
		errutil.AssertErrorCode(t, err, auth.CodeNotFound)
	})

	t.Run("malformed code", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.engine.VerifyEmail(ctx, "ann@example.com", "12ab56")
		errutil.AssertErrorCode(t, err, auth.CodeInvalidInput)
	})
}

func TestEngine_UnverifiedAccountCannotLogIn(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.register(t, "ann@example.com")

	_, err := h.engine.LoginWithPassword(ctx, "ann@example.com", testPassword)
	errutil.AssertErrorCode(t, err, auth.CodeEmailNotVerified)

	err = h.engine.RequestLoginOTP(ctx, "ann@example.com")
	errutil.AssertErrorCode(t, err, auth.CodeEmailNotVerified)

	_, err = h.engine.LoginWithOTP(ctx, "ann@example.com", h.notifier.last(t).Code)
	errutil.AssertErrorCode(t, err, auth.CodeEmailNotVerified)
}

func TestEngine_LoginWithPassword(t *testing.T) {
	ctx := context.Background()

	t.Run("success issues token and clears attempts", func(t *testing.T) {
		h := newHarness(t)
		profile := h.registerVerified(t, "ann@example.com")

		_, err := h.engine.LoginWithPassword(ctx, "ann@example.com", "Wrong0ne!")
		errutil.AssertErrorCode(t, err, auth.CodeInvalidCredentials)
		assert.Equal(t, 1, h.account(t, "ann@example.com").LoginAttempts)

		result, err := h.engine.LoginWithPassword(ctx, " ANN@example.com", testPassword)
		require.NoError(t, err)
		assert.Equal(t, "token-"+profile.ID.String(), result.Token)
		assert.Equal(t, h.clock.Now().Add(7*24*time.Hour), result.ExpiresAt)
		assert.Equal(t, profile.ID, result.Profile.ID)
		assert.Zero(t, h.account(t, "ann@example.com").LoginAttempts)
	})

	t.Run("unknown email is indistinguishable from wrong password", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.engine.LoginWithPassword(ctx, "nobody@example.com", testPassword)
		errutil.AssertErrorCode(t, err, auth.CodeInvalidCredentials)
		assert.EqualError(t, err, "invalid email or password")
	})

	t.Run("fifth failure locks for fifteen minutes", func(t *testing.T) {
		h := newHarness(t)
		h.registerVerified(t, "ann@example.com")

		for i := 1; i < auth.LockoutThreshold; i++ {
			_, err := h.engine.LoginWithPassword(ctx, "ann@example.com", "Wrong0ne!")
			errutil.AssertErrorCode(t, err, auth.CodeInvalidCredentials)
			errutil.AssertErrorContext(t, err, auth.ContextAttemptsRemaining, auth.LockoutThreshold-i)
		}

		_, err := h.engine.LoginWithPassword(ctx, "ann@example.com", "Wrong0ne!")
		errutil.AssertErrorCode(t, err, auth.CodeAccountLocked)
		errutil.AssertErrorContext(t, err, auth.ContextRemainingMinutes, 15)
		assert.Equal(t, 1, h.metrics.lockouts)

		account := h.account(t, "ann@example.com")
		assert.Zero(t, account.LoginAttempts)
		require.NotNil(t, account.LockUntil)
		assert.Equal(t, h.clock.Now().Add(auth.LockoutDuration), *account.LockUntil)

		_, err = h.engine.LoginWithPassword(ctx, "ann@example.com", testPassword)
		errutil.AssertErrorCode(t, err, auth.CodeAccountLocked)

		h.clock.Advance(5 * time.Minute)
		_, err = h.engine.LoginWithPassword(ctx, "ann@example.com", testPassword)
		errutil.AssertErrorContext(t, err, auth.ContextRemainingMinutes, 10)

		h.clock.Advance(10*time.Minute + time.Second)
		_, err = h.engine.LoginWithPassword(ctx, "ann@example.com", testPassword)
		require.NoError(t, err)
	})

	t.Run("legacy hash is upgraded after login", func(t *testing.T) {
		h := newHarness(t)
		h.registerVerified(t, "ann@example.com")
		account := h.account(t, "ann@example.com")
		require.NoError(t, h.repo.UpdatePassword(ctx, account.ID, "legacy$"+testPassword))

		_, err := h.engine.LoginWithPassword(ctx, "ann@example.com", testPassword)
		require.NoError(t, err)
		assert.Equal(t, "plain$"+testPassword, h.account(t, "ann@example.com").PasswordHash)
	})
}

func TestEngine_LoginWithPassword_TimingParity(t *testing.T) {
	ctx := context.Background()
	repo := mocks.NewMockAccountRepository(t)
	hasher := mocks.NewMockPasswordHasher(t)
	engine, err := auth.NewEngine(repo, hasher, &recordingNotifier{}, clockTokens{&fakeClock{}})
	require.NoError(t, err)

	repo.On("GetByEmail", mock.Anything, "nobody@example.com").Return(nil, auth.ErrNotFound)
	// The dummy hash is still verified for unknown accounts.
	hasher.On("Verify", testPassword, mock.MatchedBy(func(h string) bool {
		return strings.HasPrefix(h, "$argon2id$")
	})).Return(false, nil)

	_, err = engine.LoginWithPassword(ctx, "nobody@example.com", testPassword)
	errutil.AssertErrorCode(t, err, auth.CodeInvalidCredentials)
}

func TestEngine_LoginWithOTP(t *testing.T) {
	ctx := context.Background()

	t.Run("success after failures resets attempts", func(t *testing.T) {
		h := newHarness(t)
		profile := h.registerVerified(t, "ann@example.com")

		require.NoError(t, h.engine.RequestLoginOTP(ctx, "ann@example.com"))
		msg := h.notifier.last(t)
		assert.Equal(t, auth.PurposeLogin, msg.Purpose)

		for i := 1; i <= 3; i++ {
			_, err := h.engine.LoginWithOTP(ctx, "ann@example.com", wrongCode(msg.Code))
			errutil.AssertErrorCode(t, err, auth.CodeOTPMismatch)
			errutil.AssertErrorContext(t, err, auth.ContextAttemptsRemaining, auth.LockoutThreshold-i)
		}
		assert.Equal(t, 3, h.account(t, "ann@example.com").LoginAttempts)

		result, err := h.engine.LoginWithOTP(ctx, "ann@example.com", msg.Code)
		require.NoError(t, err)
		assert.Equal(t, "token-"+profile.ID.String(), result.Token)

		account := h.account(t, "ann@example.com")
		assert.Zero(t, account.LoginAttempts)
		assert.Nil(t, account.OTP)

		_, err = h.engine.LoginWithOTP(ctx, "ann@example.com", msg.Code)
		errutil.AssertErrorCode(t, err, auth.CodeNoOTPPending)
	})

	t.Run("expired code is rejected", func(t *testing.T) {
		h := newHarness(t)
		h.registerVerified(t, "ann@example.com")
		require.NoError(t, h.engine.RequestLoginOTP(ctx, "ann@example.com"))
		code := h.notifier.last(t).Code

		h.clock.Advance(auth.OTPTTL)
		h.clock.Advance(time.Second)
		_, err := h.engine.LoginWithOTP(ctx, "ann@example.com", code)
		errutil.AssertErrorCode(t, err, auth.CodeOTPExpired)
	})

	t.Run("new code invalidates the previous one", func(t *testing.T) {
		h := newHarness(t, auth.WithCodeGenerator(&fixedCodes{"111111", "222222", "333333"}))
		h.registerVerified(t, "ann@example.com")

		require.NoError(t, h.engine.RequestLoginOTP(ctx, "ann@example.com"))
		require.NoError(t, h.engine.ResendOTP(ctx, "ann@example.com", auth.PurposeLogin))
		assert.Equal(t, "333333", h.notifier.last(t).Code)

		_, err := h.engine.LoginWithOTP(ctx, "ann@example.com", "222222")
		errutil.AssertErrorCode(t, err, auth.CodeOTPMismatch)

		_, err = h.engine.LoginWithOTP(ctx, "ann@example.com", "333333")
		require.NoError(t, err)
	})

	t.Run("no code pending", func(t *testing.T) {
		h := newHarness(t)
		h.registerVerified(t, "ann@example.com")

		_, err := h.engine.LoginWithOTP(ctx, "ann@example.com", "123456")
		errutil.AssertErrorCode(t, err, auth.CodeNoOTPPending)
	})

	t.Run("password and otp failures share one counter", func(t *testing.T) {
		h := newHarness(t)
		h.registerVerified(t, "ann@example.com")
		require.NoError(t, h.engine.RequestLoginOTP(ctx, "ann@example.com"))
		code := h.notifier.last(t).Code

		for range 2 {
			_, err := h.engine.LoginWithPassword(ctx, "ann@example.com", "Wrong0ne!")
			errutil.AssertErrorCode(t, err, auth.CodeInvalidCredentials)
		}
		for range 2 {
			_, err := h.engine.LoginWithOTP(ctx, "ann@example.com", wrongCode(code))
			errutil.AssertErrorCode(t, err, auth.CodeOTPMismatch)
		}
		_, err := h.engine.LoginWithOTP(ctx, "ann@example.com", wrongCode(code))
		errutil.AssertErrorCode(t, err, auth.CodeAccountLocked)

		_, err = h.engine.LoginWithOTP(ctx, "ann@example.com", code)
		errutil.AssertErrorCode(t, err, auth.CodeAccountLocked)
	})
}

func TestEngine_RequestLoginOTP(t *testing.T) {
	ctx := context.Background()

	t.Run("locked account cannot request a code", func(t *testing.T) {
		h := newHarness(t)
		h.registerVerified(t, "ann@example.com")
		lockAccount(t, h, "ann@example.com")

		err := h.engine.RequestLoginOTP(ctx, "ann@example.com")
		errutil.AssertErrorCode(t, err, auth.CodeAccountLocked)
	})

	t.Run("delivery timeout reports failure but keeps the code", func(t *testing.T) {
		h := newHarness(t, auth.WithDeliveryTimeout(20*time.Millisecond))
		h.registerVerified(t, "ann@example.com")
		h.notifier.block = true

		err := h.engine.RequestLoginOTP(ctx, "ann@example.com")
		errutil.AssertErrorCode(t, err, auth.CodeDeliveryFailed)

		_, err = h.engine.LoginWithOTP(ctx, "ann@example.com", h.notifier.last(t).Code)
		require.NoError(t, err)
	})

	t.Run("unknown email", func(t *testing.T) {
		h := newHarness(t)
		err := h.engine.RequestLoginOTP(ctx, "nobody@example.com")
		errutil.AssertErrorCode(t, err, auth.CodeNotFound)
	})

	t.Run("throttled sends", func(t *testing.T) {
		limiter := mocks.NewMockSendLimiter(t)
		h := newHarness(t, auth.WithSendLimiter(limiter))
		h.registerVerified(t, "ann@example.com")

		limiter.On("Allow", mock.Anything, "ann@example.com").Return(false, 29500*time.Millisecond, nil).Once()
		err := h.engine.RequestLoginOTP(ctx, "ann@example.com")
		errutil.AssertErrorCode(t, err, auth.CodeRateLimited)
		errutil.AssertErrorContext(t, err, auth.ContextRetryAfter, 30)
	})

	t.Run("limiter failure allows the send", func(t *testing.T) {
		limiter := mocks.NewMockSendLimiter(t)
		h := newHarness(t, auth.WithSendLimiter(limiter))
		h.registerVerified(t, "ann@example.com")

		limiter.On("Allow", mock.Anything, "ann@example.com").Return(false, time.Duration(0), errors.New("redis down")).Once()
		require.NoError(t, h.engine.RequestLoginOTP(ctx, "ann@example.com"))
	})
}

func TestEngine_ResendOTP(t *testing.T) {
	ctx := context.Background()

	t.Run("ignores lockout by default", func(t *testing.T) {
		h := newHarness(t)
		h.registerVerified(t, "ann@example.com")
		lockAccount(t, h, "ann@example.com")

		require.NoError(t, h.engine.ResendOTP(ctx, "ann@example.com", ""))
		assert.Equal(t, auth.PurposeLogin, h.notifier.last(t).Purpose)
	})

	t.Run("respects lockout when configured", func(t *testing.T) {
		h := newHarness(t, auth.WithResendRespectsLockout(true))
		h.registerVerified(t, "ann@example.com")
		lockAccount(t, h, "ann@example.com")

		err := h.engine.ResendOTP(ctx, "ann@example.com", auth.PurposeLogin)
		errutil.AssertErrorCode(t, err, auth.CodeAccountLocked)
	})

	t.Run("verification resend replaces the registration code", func(t *testing.T) {
		h := newHarness(t, auth.WithCodeGenerator(&fixedCodes{"111111", "222222"}))
		h.register(t, "ann@example.com")
		require.Equal(t, "111111", h.notifier.last(t).Code)

		require.NoError(t, h.engine.ResendOTP(ctx, "ann@example.com", auth.PurposeVerification))
		second := h.notifier.last(t)
		assert.Equal(t, auth.PurposeVerification, second.Purpose)
		assert.Equal(t, "222222", second.Code)

		_, err := h.engine.VerifyEmail(ctx, "ann@example.com", "111111")
		errutil.AssertErrorCode(t, err, auth.CodeOTPMismatch)

		_, err = h.engine.VerifyEmail(ctx, "ann@example.com", "222222")
		require.NoError(t, err)
	})

	t.Run("unknown purpose", func(t *testing.T) {
		h := newHarness(t)
		err := h.engine.ResendOTP(ctx, "ann@example.com", auth.Purpose("reset"))
		errutil.AssertErrorCode(t, err, auth.CodeInvalidInput)
	})
}

func TestEngine_ProfileAndUnlock(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	registered := h.registerVerified(t, "ann@example.com")

	profile, err := h.engine.Profile(ctx, registered.ID)
	require.NoError(t, err)
	assert.Equal(t, registered.ID, profile.ID)
	assert.True(t, profile.EmailVerified)

	_, err = h.engine.Profile(ctx, ulid.Make())
	errutil.AssertErrorCode(t, err, auth.CodeNotFound)

	lockAccount(t, h, "ann@example.com")
	require.NoError(t, h.engine.Unlock(ctx, "ann@example.com"))
	_, err = h.engine.LoginWithPassword(ctx, "ann@example.com", testPassword)
	require.NoError(t, err)

	errutil.AssertErrorCode(t, h.engine.Unlock(ctx, "nobody@example.com"), auth.CodeNotFound)
}

func TestEngine_StorageFailureIsInternal(t *testing.T) {
	ctx := context.Background()
	repo := mocks.NewMockAccountRepository(t)
	engine, err := auth.NewEngine(repo, plainHasher{}, &recordingNotifier{}, clockTokens{&fakeClock{}})
	require.NoError(t, err)

	repo.On("GetByEmail", mock.Anything, "ann@example.com").Return(nil, errors.New("connection refused"))

	err = engine.RequestLoginOTP(ctx, "ann@example.com")
	errutil.AssertErrorCode(t, err, auth.CodeInternal)
	assert.Equal(t, auth.CodeInternal, auth.ErrorCode(err))
}

func TestEngine_ConcurrentFailuresLock(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.registerVerified(t, "ann@example.com")

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.LoginWithPassword(ctx, "ann@example.com", "Wrong0ne!")
			code := auth.ErrorCode(err)
			assert.Contains(t, []string{auth.CodeInvalidCredentials, auth.CodeAccountLocked}, code)
		}()
	}
	wg.Wait()

	account := h.account(t, "ann@example.com")
	assert.True(t, account.IsLocked(h.clock.Now()))
	assert.Less(t, account.LoginAttempts, auth.LockoutThreshold)
}

func lockAccount(t *testing.T, h *harness, email string) {
	t.Helper()
	for range auth.LockoutThreshold {
		_, err := h.engine.LoginWithPassword(context.Background(), email, "Wrong0ne!")
		require.Error(t, err)
	}
	require.True(t, h.account(t, email).IsLocked(h.clock.Now()))
}

// lockingRepo locks the account right after handing out a snapshot, so the
// engine sees it unlocked while the store holds a fresh lock.
type lockingRepo struct {
	*memory.AccountRepository
	clock *fakeClock
	armed bool
}

func (r *lockingRepo) GetByEmail(ctx context.Context, email string) (*auth.Account, error) {
	account, err := r.AccountRepository.GetByEmail(ctx, email)
	if err != nil || !r.armed {
		return account, err
	}
	r.armed = false
	for range auth.LockoutThreshold {
		if _, failErr := r.RecordFailure(ctx, account.ID, auth.DefaultPolicy, r.clock.Now()); failErr != nil {
			return nil, failErr
		}
	}
	return account, nil
}

func TestEngine_SuccessDoesNotClearConcurrentLock(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*auth.Engine, *lockingRepo, *recordingNotifier) {
		t.Helper()
		clock := &fakeClock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
		repo := &lockingRepo{AccountRepository: memory.NewAccountRepository(), clock: clock}
		notifier := &recordingNotifier{}
		engine, err := auth.NewEngine(repo, plainHasher{}, notifier, clockTokens{clock}, auth.WithClock(clock.Now))
		require.NoError(t, err)

		_, err = engine.Register(ctx, auth.RegisterInput{Name: "Ann Lee", Email: "ann@example.com", Password: testPassword})
		require.NoError(t, err)
		_, err = engine.VerifyEmail(ctx, "ann@example.com", notifier.last(t).Code)
		require.NoError(t, err)
		return engine, repo, notifier
	}

	assertStillLocked := func(t *testing.T, repo *lockingRepo) {
		t.Helper()
		stored, err := repo.AccountRepository.GetByEmail(ctx, "ann@example.com")
		require.NoError(t, err)
		assert.NotNil(t, stored.LockUntil)
	}

	t.Run("password", func(t *testing.T) {
		engine, repo, _ := setup(t)
		repo.armed = true

		_, err := engine.LoginWithPassword(ctx, "ann@example.com", testPassword)
		errutil.AssertErrorCode(t, err, auth.CodeAccountLocked)
		errutil.AssertErrorContext(t, err, auth.ContextRemainingMinutes, 15)
		assertStillLocked(t, repo)
	})

	t.Run("otp", func(t *testing.T) {
		engine, repo, notifier := setup(t)
		require.NoError(t, engine.RequestLoginOTP(ctx, "ann@example.com"))
		code := notifier.last(t).Code
		repo.armed = true

		_, err := engine.LoginWithOTP(ctx, "ann@example.com", code)
		errutil.AssertErrorCode(t, err, auth.CodeAccountLocked)
		assertStillLocked(t, repo)
	})
}
