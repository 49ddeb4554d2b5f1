// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AccessWard Contributors

// Package mocks provides testify mocks for the auth package interfaces.
package mocks

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/mock"

	"github.com/accessward/accessward/internal/auth"
)

// MockAccountRepository is a mock of auth.AccountRepository.
type MockAccountRepository struct {
	mock.Mock
}

// NewMockAccountRepository creates a mock that asserts its expectations on cleanup.
func NewMockAccountRepository(t interface {
	mock.TestingT
	Cleanup(func())
},
) *MockAccountRepository {
	m := &MockAccountRepository{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *MockAccountRepository) Create(ctx context.Context, account *auth.Account) error {
	args := m.Called(ctx, account)
	return args.Error(0)
}

func (m *MockAccountRepository) GetByID(ctx context.Context, id ulid.ULID) (*auth.Account, error) {
	args := m.Called(ctx, id)
	account, _ := args.Get(0).(*auth.Account)
	return account, args.Error(1)
}

func (m *MockAccountRepository) GetByEmail(ctx context.Context, email string) (*auth.Account, error) {
	args := m.Called(ctx, email)
	account, _ := args.Get(0).(*auth.Account)
	return account, args.Error(1)
}

func (m *MockAccountRepository) SetOTP(ctx context.Context, id ulid.ULID, otp auth.OTP) error {
	args := m.Called(ctx, id, otp)
	return args.Error(0)
}

func (m *MockAccountRepository) MarkEmailVerified(ctx context.Context, id ulid.ULID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockAccountRepository) RecordFailure(ctx context.Context, id ulid.ULID, policy auth.Policy, now time.Time) (auth.FailureOutcome, error) {
	args := m.Called(ctx, id, policy, now)
	outcome, _ := args.Get(0).(auth.FailureOutcome)
	return outcome, args.Error(1)
}

func (m *MockAccountRepository) ResetAttempts(ctx context.Context, id ulid.ULID, clearOTP bool) error {
	args := m.Called(ctx, id, clearOTP)
	return args.Error(0)
}

func (m *MockAccountRepository) ResetAttemptsIfUnlocked(ctx context.Context, id ulid.ULID, now time.Time, clearOTP bool) (*time.Time, error) {
	args := m.Called(ctx, id, now, clearOTP)
	lockUntil, _ := args.Get(0).(*time.Time)
	return lockUntil, args.Error(1)
}

func (m *MockAccountRepository) UpdatePassword(ctx context.Context, id ulid.ULID, passwordHash string) error {
	args := m.Called(ctx, id, passwordHash)
	return args.Error(0)
}

var _ auth.AccountRepository = (*MockAccountRepository)(nil)
