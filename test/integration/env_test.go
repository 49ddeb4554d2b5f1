// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AccessWard Contributors

//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	. "github.com/onsi/gomega" //nolint:revive // gomega convention
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/accessward/accessward/internal/auth"
	authpg "github.com/accessward/accessward/internal/auth/postgres"
	"github.com/accessward/accessward/internal/httpapi"
	"github.com/accessward/accessward/internal/ratelimit"
	"github.com/accessward/accessward/internal/store"
	"github.com/accessward/accessward/internal/token"
)

const tokenSecret = "integration-secret-0123456789abcdef"

// inbox records the codes the engine sends.
type inbox struct {
	mu       sync.Mutex
	codes    map[string]string
	welcomes map[string]int
}

func newInbox() *inbox {
	return &inbox{codes: make(map[string]string), welcomes: make(map[string]int)}
}

func (b *inbox) SendCode(_ context.Context, msg auth.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.codes[msg.To] = msg.Code
	return nil
}

func (b *inbox) SendWelcome(_ context.Context, to, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.welcomes[to]++
	return nil
}

func (b *inbox) code(to string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.codes[to]
}

func (b *inbox) welcomeCount(to string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.welcomes[to]
}

// testEnv is one API instance over a migrated PostgreSQL database and a
// miniredis-backed send limiter.
type testEnv struct {
	ctx       context.Context
	container *postgres.PostgresContainer
	pool      *pgxpool.Pool
	redis     *miniredis.Miniredis
	client    *redis.Client
	inbox     *inbox
	server    *httptest.Server
}

func setupTestEnv(ctx context.Context) (*testEnv, error) {
	env := &testEnv{ctx: ctx, inbox: newInbox()}

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
		return nil, err
	}
	env.container = container

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		env.cleanup()
		return nil, err
	}

	migrator, err := store.NewMigrator(connStr)
	if err != nil {
		env.cleanup()
		return nil, err
	}
	upErr := migrator.Up()
	_ = migrator.Close() //nolint:errcheck // Up error takes precedence
	if upErr != nil {
		env.cleanup()
		return nil, upErr
	}

	env.pool, err = store.NewPool(ctx, connStr, store.PoolOptions{ConnectAttempts: 5})
	if err != nil {
		env.cleanup()
		return nil, err
	}

	env.redis, err = miniredis.Run()
	if err != nil {
		env.cleanup()
		return nil, err
	}
	env.client = redis.NewClient(&redis.Options{Addr: env.redis.Addr()})
	limiter, err := ratelimit.NewRedisLimiter(env.client, ratelimit.Config{Burst: 3, Window: 10 * time.Minute})
	if err != nil {
		env.cleanup()
		return nil, err
	}

	tokens, err := token.NewManager(token.Config{Secret: tokenSecret})
	if err != nil {
		env.cleanup()
		return nil, err
	}

	engine, err := auth.NewEngine(
		authpg.NewAccountRepository(env.pool),
		auth.NewArgon2idHasher(),
		env.inbox,
		tokens,
		auth.WithSendLimiter(limiter),
	)
	if err != nil {
		env.cleanup()
		return nil, err
	}

	env.server = httptest.NewServer(httpapi.NewRouter(engine, tokens))
	return env, nil
}

func (e *testEnv) cleanup() {
	if e.server != nil {
		e.server.Close()
	}
	if e.client != nil {
		_ = e.client.Close()
	}
	if e.redis != nil {
		e.redis.Close()
	}
	if e.pool != nil {
		e.pool.Close()
	}
	if e.container != nil {
		_ = e.container.Terminate(e.ctx)
	}
}

// response is the union of the API's JSON bodies.
type response struct {
	Success           bool           `json:"success"`
	Error             string         `json:"error"`
	Message           string         `json:"message"`
	AttemptsRemaining *int           `json:"attemptsRemaining"`
	RemainingMinutes  *int           `json:"remainingMinutes"`
	RetryAfter        *int           `json:"retryAfter"`
	Token             string         `json:"token"`
	User              map[string]any `json:"user"`
}

func (e *testEnv) post(path string, body any) (int, response) {
	raw, err := json.Marshal(body)
	Expect(err).NotTo(HaveOccurred())
	req, err := http.NewRequestWithContext(e.ctx, http.MethodPost, e.server.URL+httpapi.BasePath+path, bytes.NewReader(raw))
	Expect(err).NotTo(HaveOccurred())
	req.Header.Set("Content-Type", "application/json")
	return e.do(req)
}

func (e *testEnv) profile(bearer string) (int, response) {
	req, err := http.NewRequestWithContext(e.ctx, http.MethodGet, e.server.URL+httpapi.BasePath+"/profile", nil)
	Expect(err).NotTo(HaveOccurred())
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return e.do(req)
}

func (e *testEnv) do(req *http.Request) (int, response) {
	resp, err := e.server.Client().Do(req)
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()

	var out response
	Expect(json.NewDecoder(resp.Body).Decode(&out)).To(Succeed())
	return resp.StatusCode, out
}

// registerVerified creates an account and confirms its email.
func (e *testEnv) registerVerified(name, email, password string) {
	status, body := e.post("/register", map[string]string{"name": name, "email": email, "password": password})
	Expect(status).To(Equal(http.StatusCreated), body.Message)

	status, body = e.post("/verify-email", map[string]string{"email": email, "otp": e.inbox.code(email)})
	Expect(status).To(Equal(http.StatusOK), body.Message)
}
