// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AccessWard Contributors

// Package ratelimit throttles how often one-time codes are sent to an address.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/accessward/accessward/internal/auth"
)

// Defaults for both limiters.
const (
	// DefaultBurst is how many codes an address may receive back to back.
	DefaultBurst = 3

	// DefaultWindow is the time over which Burst sends are refilled.
	DefaultWindow = 10 * time.Minute

	// DefaultCleanupInterval is how often idle buckets are swept.
	DefaultCleanupInterval = 5 * time.Minute

	// epsilon absorbs float error in refilled token counts.
	epsilon = 1e-9
)

// Config configures a limiter.
type Config struct {
	// Burst is the maximum number of sends allowed at once.
	// Defaults to DefaultBurst if zero or negative.
	Burst int

	// Window is how long a full refill takes.
	// Defaults to DefaultWindow if zero or negative.
	Window time.Duration

	// CleanupInterval applies to the memory limiter only.
	CleanupInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Burst <= 0 {
		c.Burst = DefaultBurst
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	return c
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// MemoryLimiter is a per-key token bucket held in process memory.
// It is safe for concurrent use.
//
// A background goroutine removes full, idle buckets. Call Close to stop it.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	burst   float64
	rate    float64 // tokens per second
	window  time.Duration
	now     func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup

	gauge prometheus.Gauge // nil without a registry
}

// MemoryOption configures a MemoryLimiter.
type MemoryOption func(*MemoryLimiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(l *MemoryLimiter) {
		l.now = now
	}
}

// WithRegistry registers a gauge of tracked keys.
func WithRegistry(reg prometheus.Registerer) MemoryOption {
	return func(l *MemoryLimiter) {
		l.gauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "accessward_otp_throttle_keys",
			Help: "Current number of addresses tracked by the OTP send throttle",
		})
		reg.MustRegister(l.gauge)
	}
}

// NewMemoryLimiter starts a limiter and its cleanup goroutine.
func NewMemoryLimiter(cfg Config, opts ...MemoryOption) *MemoryLimiter {
	cfg = cfg.withDefaults()
	l := &MemoryLimiter{
		buckets: make(map[string]*bucket),
		burst:   float64(cfg.Burst),
		rate:    float64(cfg.Burst) / cfg.Window.Seconds(),
		window:  cfg.Window,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	l.wg.Add(1)
	go l.cleanupLoop(cfg.CleanupInterval)

	return l
}

// Allow consumes one send for key. Keys start with a full bucket.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.burst, lastCheck: now}
		l.buckets[key] = b
	}

	b.tokens += now.Sub(b.lastCheck).Seconds() * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastCheck = now

	if b.tokens >= 1-epsilon {
		b.tokens = math.Max(b.tokens-1, 0)
		return true, 0, nil
	}

	ms := math.Round((1 - b.tokens) / l.rate * 1000)
	return false, time.Duration(ms) * time.Millisecond, nil
}

// Len returns the number of tracked keys.
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Cleanup drops keys idle for a full window. Their buckets would be full
// again, so dropping them changes no decision.
func (l *MemoryLimiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := l.now().Add(-l.window)
	for key, b := range l.buckets {
		if b.lastCheck.Before(threshold) {
			delete(l.buckets, key)
		}
	}

	if l.gauge != nil {
		l.gauge.Set(float64(len(l.buckets)))
	}
}

func (l *MemoryLimiter) cleanupLoop(interval time.Duration) {
	defer l.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.Cleanup()
		}
	}
}

// Close stops the cleanup goroutine and waits for it to exit.
func (l *MemoryLimiter) Close() {
	close(l.stop)
	l.wg.Wait()
}

var _ auth.SendLimiter = (*MemoryLimiter)(nil)

// Gauge returns the tracked-keys gauge, or nil without a registry.
func (l *MemoryLimiter) Gauge() prometheus.Gauge {
	return l.gauge
}
