// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AccessWard Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/accessward/accessward/internal/auth"
	"github.com/accessward/accessward/internal/config"
	"github.com/accessward/accessward/internal/httpapi"
	"github.com/accessward/accessward/internal/logging"
	"github.com/accessward/accessward/internal/notify"
	"github.com/accessward/accessward/internal/ratelimit"
	"github.com/accessward/accessward/internal/token"
)

const serviceName = "accessward"

// NewServeCmd creates the serve subcommand. deps may be nil.
func NewServeCmd(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start the authentication API and, when metrics.addr is set, the
metrics and health server. Runs until SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServeWithDeps(cmd.Context(), cmd, cfg, deps)
		},
	}

	flags := cmd.Flags()
	flags.String("http-addr", "", "API listen address")
	flags.String("metrics-addr", "", "metrics/health HTTP address")
	flags.String("store", "", "account store (memory or postgres)")
	flags.String("database-url", "", "PostgreSQL URL for the postgres store")
	flags.Bool("auto-migrate", true, "apply pending migrations at startup (postgres only)")
	flags.String("notifier", "", "notification channel (log or smtp)")
	flags.String("ratelimit", "", "OTP send throttle (memory, redis or none)")
	mustBind(flags, "http-addr", "http.addr")
	mustBind(flags, "metrics-addr", "metrics.addr")
	mustBind(flags, "store", "store.driver")
	mustBind(flags, "database-url", "store.database_url")
	mustBind(flags, "auto-migrate", "store.auto_migrate")
	mustBind(flags, "notifier", "notify.driver")
	mustBind(flags, "ratelimit", "ratelimit.driver")

	return cmd
}

// runServeWithDeps starts the API with injectable dependencies.
// If deps is nil, default implementations are used.
func runServeWithDeps(ctx context.Context, cmd *cobra.Command, cfg config.Config, deps *Deps) error {
	deps = deps.withDefaults()
	if ctx == nil {
		ctx = context.Background()
	}

	logger, err := logging.Setup(logging.Options{
		Service: serviceName,
		Version: version,
		Format:  cfg.Log.Format,
		Level:   cfg.Log.Level,
	}, deps.LogWriter)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	logger.Info("starting accessward",
		"http_addr", cfg.HTTP.Addr,
		"store", cfg.Store.Driver,
		"notifier", cfg.Notify.Driver,
		"ratelimit", cfg.RateLimit.Driver,
	)

	if cfg.Store.Driver == config.StorePostgres && cfg.Store.AutoMigrate {
		factory := func(url string) (AutoMigrator, error) { return deps.MigratorFactory(url) }
		if err := runAutoMigration(cfg.Store.DatabaseURL, factory); err != nil {
			return err
		}
	}

	accounts, release, err := deps.AccountStoreFactory(ctx, cfg.Store)
	if err != nil {
		return oops.Code("STORE_OPEN_FAILED").With("driver", cfg.Store.Driver).Wrap(err)
	}
	defer release()
	logger.Info("account store ready", "driver", cfg.Store.Driver)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var ready atomic.Bool
	var obsServer ObservabilityServer
	var registry prometheus.Registerer
	if cfg.Metrics.Addr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.Metrics.Addr, ready.Load, logger)
		registry = obsServer.Registry()
	}

	notifier, err := deps.NotifierFactory(cfg.Notify, logger)
	if err != nil {
		return err
	}
	bounded, err := notify.NewBounded(notifier,
		notify.WithTimeout(cfg.Notify.Timeout),
		notify.WithRetries(cfg.Notify.Retries, notify.DefaultBackoff),
		notify.WithBoundedLogger(logger),
	)
	if err != nil {
		return err
	}

	limiter, closeLimiter, err := newLimiter(ctx, cfg.RateLimit, registry, deps, logger)
	if err != nil {
		return err
	}
	defer closeLimiter()

	tokens, err := newTokenManager(cfg.Token)
	if err != nil {
		return err
	}

	engineOpts := []auth.EngineOption{
		auth.WithLogger(logger),
		auth.WithDeliveryTimeout(cfg.Notify.Timeout),
	}
	if limiter != nil {
		engineOpts = append(engineOpts, auth.WithSendLimiter(limiter))
	}
	routerOpts := []httpapi.Option{httpapi.WithLogger(logger)}
	if obsServer != nil {
		engineOpts = append(engineOpts, auth.WithMetrics(obsServer.Metrics()))
		routerOpts = append(routerOpts, httpapi.WithRecorder(obsServer.Metrics()))
	}

	engine, err := newEngine(cfg, accounts, bounded, tokens, engineOpts...)
	if err != nil {
		return err
	}

	router := httpapi.NewRouter(engine, tokens, routerOpts...)
	apiServer := deps.HTTPServerFactory(cfg.HTTP.Addr, router, logger)
	apiErrChan, err := apiServer.Start()
	if err != nil {
		return oops.Code("HTTP_START_FAILED").With("addr", cfg.HTTP.Addr).Wrap(err)
	}
	go monitorServerErrors(ctx, cancel, apiErrChan, "api")

	if obsServer != nil {
		obsErrChan, err := obsServer.Start()
		if err != nil {
			stopServer(apiServer, cfg.HTTP.ShutdownTimeout, "api")
			return oops.Code("OBSERVABILITY_START_FAILED").With("addr", cfg.Metrics.Addr).Wrap(err)
		}
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
		logger.Info("observability server started", "addr", obsServer.Addr())
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	ready.Store(true)
	cmd.Println("AccessWard listening on " + apiServer.Addr())
	logger.Info("accessward ready", "http_addr", apiServer.Addr())
	if deps.OnReady != nil {
		deps.OnReady(apiServer.Addr())
	}

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	ready.Store(false)
	logger.Info("shutting down...")
	stopServer(apiServer, cfg.HTTP.ShutdownTimeout, "api")
	if obsServer != nil {
		stopServer(obsServer, cfg.HTTP.ShutdownTimeout, "observability")
	}
	logger.Info("shutdown complete")
	return nil
}

type stopper interface {
	Stop(ctx context.Context) error
}

func stopServer(s stopper, timeout time.Duration, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		slog.Warn("error stopping server", "server", name, "error", err)
	}
}

// monitorServerErrors cancels ctx when a server reports an error.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errChan <-chan error, serverName string) {
	select {
	case err, ok := <-errChan:
		if ok && err != nil {
			slog.Error("server error, triggering shutdown", "server", serverName, "error", err)
			cancel()
		}
	case <-ctx.Done():
	}
}

// newNotifier builds the channel named by cfg.Driver.
func newNotifier(cfg config.NotifyConfig, logger *slog.Logger) (auth.Notifier, error) {
	if cfg.Driver == config.NotifySMTP {
		n, err := notify.NewSMTPNotifier(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			SiteName: cfg.SMTP.SiteName,
		}, notify.WithSMTPLogger(logger))
		if err != nil {
			return nil, err
		}
		return n, nil
	}
	return notify.NewLogNotifier(logger), nil
}

// newLimiter returns nil when throttling is disabled. The release func is
// always safe to call.
func newLimiter(ctx context.Context, cfg config.RateLimitConfig, reg prometheus.Registerer, deps *Deps, logger *slog.Logger) (auth.SendLimiter, func(), error) {
	rl := ratelimit.Config{Burst: cfg.Burst, Window: cfg.Window}
	switch cfg.Driver {
	case config.RateLimitNone:
		logger.Warn("OTP send throttling is disabled")
		return nil, func() {}, nil
	case config.RateLimitRedis:
		client := deps.RedisFactory(cfg.RedisAddr)
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			// Sends fail open while redis is unreachable.
			logger.Warn("redis unreachable at startup", "addr", cfg.RedisAddr, "error", err)
		}
		limiter, err := ratelimit.NewRedisLimiter(client, rl)
		if err != nil {
			_ = client.Close() //nolint:errcheck // construction error takes precedence
			return nil, nil, err
		}
		return limiter, func() {
			if err := client.Close(); err != nil {
				logger.Warn("error closing redis client", "error", err)
			}
		}, nil
	default:
		var opts []ratelimit.MemoryOption
		if reg != nil {
			opts = append(opts, ratelimit.WithRegistry(reg))
		}
		limiter := ratelimit.NewMemoryLimiter(rl, opts...)
		return limiter, limiter.Close, nil
	}
}

func newTokenManager(cfg config.TokenConfig) (*token.Manager, error) {
	return token.NewManager(token.Config{
		Secret: cfg.Secret,
		TTL:    cfg.TTL,
		Issuer: cfg.Issuer,
	})
}

// newEngine applies the auth section of cfg on top of opts.
func newEngine(cfg config.Config, accounts auth.AccountRepository, notifier auth.Notifier, tokens auth.TokenIssuer, opts ...auth.EngineOption) (*auth.Engine, error) {
	opts = append(opts,
		auth.WithPolicy(cfg.Auth.Policy()),
		auth.WithOTPTTL(cfg.Auth.OTPTTL),
		auth.WithResendRespectsLockout(cfg.Auth.ResendRespectsLockout),
	)
	return auth.NewEngine(accounts, auth.NewArgon2idHasher(), notifier, tokens, opts...)
}
