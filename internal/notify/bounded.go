// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AccessWard Contributors

package notify

import (
	"context"
	"errors"
	"log/slog"
	"net/textproto"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/accessward/accessward/internal/auth"
)

// Bounded defaults.
const (
	DefaultTimeout    = 10 * time.Second
	DefaultMaxRetries = 2
	DefaultBackoff    = 250 * time.Millisecond
)

// Bounded runs every call of the wrapped notifier under one deadline and
// retries transient failures inside it.
type Bounded struct {
	next       auth.Notifier
	timeout    time.Duration
	maxRetries uint64
	backoff    time.Duration
	logger     *slog.Logger
}

// BoundedOption configures Bounded.
type BoundedOption func(*Bounded)

// WithTimeout sets the deadline for one call, retries included.
func WithTimeout(d time.Duration) BoundedOption {
	return func(b *Bounded) {
		b.timeout = d
	}
}

// WithRetries sets how many times a failed call is retried and the first backoff.
func WithRetries(n uint64, backoff time.Duration) BoundedOption {
	return func(b *Bounded) {
		b.maxRetries = n
		b.backoff = backoff
	}
}

// WithBoundedLogger sets the logger used for retry notices.
func WithBoundedLogger(logger *slog.Logger) BoundedOption {
	return func(b *Bounded) {
		b.logger = logger
	}
}

// NewBounded wraps next.
func NewBounded(next auth.Notifier, opts ...BoundedOption) (*Bounded, error) {
	if next == nil {
		return nil, oops.Code("NOTIFY_CONFIG_INVALID").Errorf("wrapped notifier is required")
	}
	b := &Bounded{
		next:       next,
		timeout:    DefaultTimeout,
		maxRetries: DefaultMaxRetries,
		backoff:    DefaultBackoff,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.timeout <= 0 || b.backoff <= 0 {
		return nil, oops.Code("NOTIFY_CONFIG_INVALID").
			With("timeout", b.timeout.String()).
			With("backoff", b.backoff.String()).
			Errorf("timeout and backoff must be positive")
	}
	if b.logger == nil {
		return nil, oops.Code("NOTIFY_CONFIG_INVALID").Errorf("logger cannot be nil")
	}
	return b, nil
}

// SendCode forwards to the wrapped notifier.
func (b *Bounded) SendCode(ctx context.Context, msg auth.Message) error {
	return b.run(ctx, "send_code", func(ctx context.Context) error {
		return b.next.SendCode(ctx, msg)
	})
}

// SendWelcome forwards to the wrapped notifier.
func (b *Bounded) SendWelcome(ctx context.Context, to, name string) error {
	return b.run(ctx, "send_welcome", func(ctx context.Context) error {
		return b.next.SendWelcome(ctx, to, name)
	})
}

func (b *Bounded) run(ctx context.Context, op string, call func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	backoff := retry.WithMaxRetries(b.maxRetries, retry.NewExponential(b.backoff))
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := call(ctx)
		if err == nil {
			return nil
		}
		if permanent(err) || ctx.Err() != nil {
			return err
		}
		b.logger.DebugContext(ctx, "notification failed, retrying", "operation", op, "attempt", attempt, "error", err)
		return retry.RetryableError(err)
	})
	if err != nil {
		return oops.Code("NOTIFY_DELIVERY_FAILED").
			With("operation", op).
			With("attempts", attempt).
			Wrap(err)
	}
	return nil
}

// permanent reports failures that a retry cannot fix: SMTP 5xx replies and
// template errors.
func permanent(err error) bool {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) && protoErr.Code >= 500 {
		return true
	}
	if oopsErr, ok := oops.AsOops(err); ok && oopsErr.Code() == "NOTIFY_TEMPLATE_FAILED" {
		return true
	}
	return false
}

var _ auth.Notifier = (*Bounded)(nil)
