// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AccessWard Contributors

package auth

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
)

// Message is a one-time code addressed to an account's email.
type Message struct {
	To        string
	Name      string
	Code      string
	Purpose   Purpose
	ExpiresIn time.Duration
}

// Notifier delivers codes and notices through an external channel.
// Implementations must honor ctx cancellation.
type Notifier interface {
	// SendCode delivers a one-time code.
	SendCode(ctx context.Context, msg Message) error

	// SendWelcome tells a newly verified account it can log in.
	SendWelcome(ctx context.Context, to, name string) error
}

// TokenIssuer mints session tokens for an account.
type TokenIssuer interface {
	// Issue returns a signed token for accountID and its expiry.
	Issue(accountID ulid.ULID) (string, time.Time, error)
}

// SendLimiter throttles how often codes are sent to one address.
type SendLimiter interface {
	// Allow consumes one send for key. When not allowed, retryAfter is the
	// wait before the next send is permitted.
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

// Metrics receives engine outcomes.
type Metrics interface {
	RecordOperation(operation, outcome string)
	RecordLockout()
	RecordDelivery(purpose, status string)
}

type noopMetrics struct{}

func (noopMetrics) RecordOperation(string, string) {}
func (noopMetrics) RecordLockout()                 {}
func (noopMetrics) RecordDelivery(string, string)  {}
