// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AccessWard Contributors

// Package token mints and verifies the signed session tokens returned by
// successful logins.
package token

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/accessward/accessward/internal/auth"
)

// Defaults for tokens.
const (
	DefaultTTL    = 7 * 24 * time.Hour
	DefaultIssuer = "accessward"

	// MinSecretLength is the shortest HS256 secret accepted.
	MinSecretLength = 32
)

// Config configures a Manager.
type Config struct {
	Secret string
	TTL    time.Duration
	Issuer string
}

// Manager issues and verifies HS256 tokens whose subject is an account ID.
// It holds no mutable state and is safe for concurrent use.
type Manager struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now for issuing and validating.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager validates cfg and returns a Manager.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, oops.Code("TOKEN_CONFIG_INVALID").
			With("min_length", MinSecretLength).
			Errorf("token secret must be at least %d bytes", MinSecretLength)
	}
	m := &Manager{
		secret: []byte(cfg.Secret),
		ttl:    cfg.TTL,
		issuer: cfg.Issuer,
		now:    time.Now,
	}
	if m.ttl == 0 {
		m.ttl = DefaultTTL
	}
	if m.ttl < 0 {
		return nil, oops.Code("TOKEN_CONFIG_INVALID").With("ttl", cfg.TTL.String()).Errorf("token ttl must be positive")
	}
	if m.issuer == "" {
		m.issuer = DefaultIssuer
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Issue returns a signed token for accountID and its expiry.
func (m *Manager) Issue(accountID ulid.ULID) (string, time.Time, error) {
	now := m.now()
	expiresAt := now.Add(m.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   accountID.String(),
		Issuer:    m.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		ID:        uuid.NewString(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, oops.Code("TOKEN_SIGN_FAILED").Wrap(err)
	}
	return signed, expiresAt, nil
}

// Verify checks the signature, issuer and expiry of raw and returns its
// account ID. Failures carry auth.CodeTokenMissing or auth.CodeTokenInvalid.
func (m *Manager) Verify(raw string) (ulid.ULID, error) {
	if raw == "" {
		return ulid.ULID{}, oops.Code(auth.CodeTokenMissing).Errorf("no token provided")
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		// The parse error is not wrapped: its code would shadow TOKEN_INVALID.
		return ulid.ULID{}, oops.Code(auth.CodeTokenInvalid).
			With("reason", err.Error()).
			Errorf("invalid or expired token")
	}

	id, err := ulid.Parse(claims.Subject)
	if err != nil {
		return ulid.ULID{}, oops.Code(auth.CodeTokenInvalid).
			With("reason", "subject is not an account id").
			Errorf("invalid or expired token")
	}
	return id, nil
}

// BearerToken extracts the token from an Authorization header value.
// It returns "" when the header is not a bearer credential.
func BearerToken(header string) string {
	scheme, tok, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}

// Compile-time interface check.
var _ auth.TokenIssuer = (*Manager)(nil)
