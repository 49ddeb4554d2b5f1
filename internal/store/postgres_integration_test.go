// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AccessWard Contributors

//go:build integration

package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/accessward/accessward/internal/auth"
	authpg "github.com/accessward/accessward/internal/auth/postgres"
	"github.com/accessward/accessward/internal/store"
)

func runContainer(ctx context.Context) (*postgres.PostgresContainer, string, error) {
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("accessward_test"),
		postgres.WithUsername("accessward"),
		postgres.WithPassword("accessward"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, "", err
	}
	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, "", err
	}
	return container, connStr, nil
}

func startPostgres(ctx context.Context, t *testing.T) (string, func()) {
	t.Helper()
	container, connStr, err := runContainer(ctx)
	require.NoError(t, err)
	return connStr, func() { _ = container.Terminate(ctx) }
}

var _ = Describe("AccountRepository on PostgreSQL", Ordered, func() {
	var (
		ctx       context.Context
		container *postgres.PostgresContainer
		pool      *pgxpool.Pool
		repo      *authpg.AccountRepository
	)

	BeforeAll(func() {
		ctx = context.Background()
		var connStr string
		var err error
		container, connStr, err = runContainer(ctx)
		Expect(err).NotTo(HaveOccurred())

		migrator, err := store.NewMigrator(connStr)
		Expect(err).NotTo(HaveOccurred())
		Expect(migrator.Up()).To(Succeed())
		Expect(migrator.Close()).To(Succeed())

		pool, err = store.NewPool(ctx, connStr, store.PoolOptions{ConnectAttempts: 5})
		Expect(err).NotTo(HaveOccurred())
		repo = authpg.NewAccountRepository(pool)
	})

	AfterAll(func() {
		pool.Close()
		_ = container.Terminate(ctx)
	})

	newAccount := func(email string) *auth.Account {
		now := time.Now().UTC().Truncate(time.Microsecond)
		account, err := auth.NewAccount("Ann Lee", email, "$argon2id$hash", now)
		Expect(err).NotTo(HaveOccurred())
		otp := auth.OTP{Code: "123456", Purpose: auth.PurposeVerification, ExpiresAt: now.Add(auth.OTPTTL)}
		account.OTP = &otp
		Expect(repo.Create(ctx, account)).To(Succeed())
		return account
	}

	It("round-trips an account", func() {
		account := newAccount("roundtrip@example.com")

		stored, err := repo.GetByEmail(ctx, "RoundTrip@Example.com")
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.ID).To(Equal(account.ID))
		Expect(stored.OTP).NotTo(BeNil())
		Expect(stored.OTP.Code).To(Equal("123456"))
		Expect(stored.OTP.Purpose).To(Equal(auth.PurposeVerification))
		Expect(stored.OTP.ExpiresAt).To(BeTemporally("==", account.OTP.ExpiresAt))
	})

	It("rejects a duplicate email regardless of case", func() {
		newAccount("dup@example.com")
		other, err := auth.NewAccount("Other", "DUP@example.com", "$argon2id$hash", time.Now())
		Expect(err).NotTo(HaveOccurred())
		Expect(repo.Create(ctx, other)).To(MatchError(auth.ErrDuplicate))
	})

	It("clears the code when the email is verified", func() {
		account := newAccount("verify@example.com")
		Expect(repo.MarkEmailVerified(ctx, account.ID)).To(Succeed())

		stored, err := repo.GetByID(ctx, account.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.EmailVerified).To(BeTrue())
		Expect(stored.OTP).To(BeNil())
	})

	It("locks exactly once per threshold under concurrent failures", func() {
		account := newAccount("race@example.com")
		now := time.Now().UTC()

		const workers = 25
		var (
			mu    sync.Mutex
			locks int
			wg    sync.WaitGroup
		)
		for range workers {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				outcome, err := repo.RecordFailure(ctx, account.ID, auth.DefaultPolicy, now)
				Expect(err).NotTo(HaveOccurred())
				Expect(outcome.Attempts).To(BeNumerically("<", auth.LockoutThreshold))
				if outcome.Locked {
					mu.Lock()
					locks++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		Expect(locks).To(Equal(workers / auth.LockoutThreshold))
		stored, err := repo.GetByID(ctx, account.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.LoginAttempts).To(BeZero())
		Expect(stored.IsLocked(now)).To(BeTrue())
	})

	It("resets attempts and lock", func() {
		account := newAccount("reset@example.com")
		_, err := repo.RecordFailure(ctx, account.ID, auth.Policy{Threshold: 1, Duration: time.Hour}, time.Now())
		Expect(err).NotTo(HaveOccurred())

		Expect(repo.ResetAttempts(ctx, account.ID, true)).To(Succeed())
		stored, err := repo.GetByID(ctx, account.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.LockUntil).To(BeNil())
		Expect(stored.OTP).To(BeNil())
	})

	It("keeps an active lock on a guarded reset", func() {
		account := newAccount("guarded@example.com")
		now := time.Now().UTC().Truncate(time.Microsecond)
		_, err := repo.RecordFailure(ctx, account.ID, auth.Policy{Threshold: 1, Duration: time.Hour}, now)
		Expect(err).NotTo(HaveOccurred())

		lockUntil, err := repo.ResetAttemptsIfUnlocked(ctx, account.ID, now, true)
		Expect(err).NotTo(HaveOccurred())
		Expect(lockUntil).NotTo(BeNil())
		Expect(lockUntil.Equal(now.Add(time.Hour))).To(BeTrue())
		stored, err := repo.GetByID(ctx, account.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.IsLocked(now)).To(BeTrue())
		Expect(stored.OTP).NotTo(BeNil())

		lockUntil, err = repo.ResetAttemptsIfUnlocked(ctx, account.ID, now.Add(time.Hour), true)
		Expect(err).NotTo(HaveOccurred())
		Expect(lockUntil).To(BeNil())
		stored, err = repo.GetByID(ctx, account.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.LockUntil).To(BeNil())
		Expect(stored.OTP).To(BeNil())
	})
})
