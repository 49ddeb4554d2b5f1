// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AccessWard Contributors

//go:build integration

package integration

import (
	"context"
	"net/http"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
)

var _ = Describe("Authentication API", Ordered, func() {
	const password = "Str0ng!Pass"

	var env *testEnv

	BeforeAll(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		DeferCleanup(cancel)

		var err error
		env, err = setupTestEnv(ctx)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(env.cleanup)
	})

	Describe("registration and password login", func() {
		It("requires a verified email before issuing a token", func() {
			status, body := env.post("/register", map[string]string{
				"name": "Ada Lovelace", "email": "Ada@Example.com", "password": password,
			})
			Expect(status).To(Equal(http.StatusCreated))
			Expect(body.User).To(HaveKeyWithValue("email", "ada@example.com"))
			Expect(body.User).To(HaveKeyWithValue("emailVerified", false))
			Expect(body.User).NotTo(HaveKey("password"))

			status, body = env.post("/login", map[string]string{"email": "ada@example.com", "password": password})
			Expect(status).To(Equal(http.StatusBadRequest))
			Expect(body.Error).To(Equal("EMAIL_NOT_VERIFIED"))

			status, body = env.post("/verify-email", map[string]string{
				"email": "ada@example.com", "otp": env.inbox.code("ada@example.com"),
			})
			Expect(status).To(Equal(http.StatusOK))
			Expect(body.User).To(HaveKeyWithValue("emailVerified", true))
			Eventually(func() int { return env.inbox.welcomeCount("ada@example.com") }).Should(Equal(1))

			status, body = env.post("/login", map[string]string{"email": "ADA@example.com", "password": password})
			Expect(status).To(Equal(http.StatusOK))
			Expect(body.Token).NotTo(BeEmpty())

			status, profile := env.profile(body.Token)
			Expect(status).To(Equal(http.StatusOK))
			Expect(profile.User).To(HaveKeyWithValue("name", "Ada Lovelace"))
		})

		It("rejects a second registration for the same email", func() {
			env.registerVerified("Grace Hopper", "grace@example.com", password)

			status, body := env.post("/register", map[string]string{
				"name": "Grace Again", "email": "GRACE@example.com", "password": password,
			})
			Expect(status).To(Equal(http.StatusBadRequest))
			Expect(body.Error).To(Equal("DUPLICATE_ACCOUNT"))
		})

		It("answers unknown emails like wrong passwords", func() {
			status, body := env.post("/login", map[string]string{"email": "nobody@example.com", "password": password})
			Expect(status).To(Equal(http.StatusBadRequest))
			Expect(body.Error).To(Equal("INVALID_CREDENTIALS"))
			Expect(body.AttemptsRemaining).To(BeNil())
		})

		It("rejects missing and forged tokens with 401", func() {
			status, body := env.profile("")
			Expect(status).To(Equal(http.StatusUnauthorized))
			Expect(body.Error).To(Equal("TOKEN_MISSING"))

			status, body = env.profile("not.a.token")
			Expect(status).To(Equal(http.StatusUnauthorized))
			Expect(body.Error).To(Equal("TOKEN_INVALID"))
		})
	})

	Describe("lockout", func() {
		It("locks after five failures and refuses the right password", func() {
			env.registerVerified("Alan Turing", "alan@example.com", password)

			for want := 4; want >= 1; want-- {
				status, body := env.post("/login", map[string]string{"email": "alan@example.com", "password": "Wr0ng!Pass"})
				Expect(status).To(Equal(http.StatusBadRequest))
				Expect(body.Error).To(Equal("INVALID_CREDENTIALS"))
				Expect(body.AttemptsRemaining).To(HaveValue(Equal(want)))
			}

			status, body := env.post("/login", map[string]string{"email": "alan@example.com", "password": "Wr0ng!Pass"})
			Expect(status).To(Equal(http.StatusLocked))
			Expect(body.Error).To(Equal("ACCOUNT_LOCKED"))
			Expect(body.RemainingMinutes).To(HaveValue(Equal(15)))

			status, body = env.post("/login", map[string]string{"email": "alan@example.com", "password": password})
			Expect(status).To(Equal(http.StatusLocked))
			Expect(body.Error).To(Equal("ACCOUNT_LOCKED"))

			status, body = env.post("/request-login-otp", map[string]string{"email": "alan@example.com"})
			Expect(status).To(Equal(http.StatusLocked))
			Expect(body.Error).To(Equal("ACCOUNT_LOCKED"))
		})

		It("counts concurrent failures without losing any", func() {
			env.registerVerified("Edsger Dijkstra", "edsger@example.com", password)

			const workers = 10
			var wg sync.WaitGroup
			statuses := make(chan int, workers)
			for range workers {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					status, _ := env.post("/login", map[string]string{"email": "edsger@example.com", "password": "Wr0ng!Pass"})
					statuses <- status
				}()
			}
			wg.Wait()
			close(statuses)

			locked := 0
			for status := range statuses {
				Expect(status).To(BeElementOf(http.StatusBadRequest, http.StatusLocked))
				if status == http.StatusLocked {
					locked++
				}
			}
			Expect(locked).To(BeNumerically(">=", workers-4))

			status, body := env.post("/login", map[string]string{"email": "edsger@example.com", "password": password})
			Expect(status).To(Equal(http.StatusLocked))
			Expect(body.Error).To(Equal("ACCOUNT_LOCKED"))
		})
	})

	Describe("one-time code login", func() {
		It("logs in with an emailed code that works once", func() {
			env.registerVerified("Barbara Liskov", "barbara@example.com", password)

			status, _ := env.post("/request-login-otp", map[string]string{"email": "barbara@example.com"})
			Expect(status).To(Equal(http.StatusOK))
			code := env.inbox.code("barbara@example.com")
			Expect(code).To(MatchRegexp(`^\d{6}$`))

			status, body := env.post("/login-with-otp", map[string]string{"email": "barbara@example.com", "otp": code})
			Expect(status).To(Equal(http.StatusOK))
			Expect(body.Token).NotTo(BeEmpty())

			status, body = env.post("/login-with-otp", map[string]string{"email": "barbara@example.com", "otp": code})
			Expect(status).To(Equal(http.StatusBadRequest))
			Expect(body.Error).To(Equal("NO_OTP_PENDING"))
		})

		It("throttles code sends per address", func() {
			env.registerVerified("Donald Knuth", "donald@example.com", password)

			// Registration used one of the three sends.
			for range 2 {
				status, _ := env.post("/resend-otp", map[string]string{"email": "donald@example.com"})
				Expect(status).To(Equal(http.StatusOK))
			}

			status, body := env.post("/resend-otp", map[string]string{"email": "donald@example.com"})
			Expect(status).To(Equal(http.StatusTooManyRequests))
			Expect(body.Error).To(Equal("OTP_RATE_LIMITED"))
			Expect(body.RetryAfter).To(HaveValue(BeNumerically(">", 0)))

			env.redis.FastForward(10 * time.Minute)
			status, _ = env.post("/resend-otp", map[string]string{"email": "donald@example.com", "purpose": "login"})
			Expect(status).To(Equal(http.StatusOK))
		})
	})
})
