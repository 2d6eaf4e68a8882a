// Command agendad runs a standalone agenda instance against Postgres,
// optionally fronted by the admin HTTP surface and a Redis
// NotificationChannel. Most users embed package agenda directly; this
// binary exists for operating it as its own service.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/distsched/agenda/internal/agenda"
	"github.com/distsched/agenda/internal/auth"
	"github.com/distsched/agenda/internal/clock"
	"github.com/distsched/agenda/internal/config"
	"github.com/distsched/agenda/internal/email"
	"github.com/distsched/agenda/internal/health"
	"github.com/distsched/agenda/internal/infrastructure/postgres"
	ctxlog "github.com/distsched/agenda/internal/log"
	"github.com/distsched/agenda/internal/metrics"
	"github.com/distsched/agenda/internal/notify/redisnotify"
	"github.com/distsched/agenda/internal/repository"
	httptransport "github.com/distsched/agenda/internal/transport/http"
	"github.com/distsched/agenda/internal/transport/http/handler"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()

	var notifier repository.NotificationChannel
	var leader *redisnotify.LeaderLock
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis url: %v", err)
		}
		client := redis.NewClient(opts)
		channel := redisnotify.New(client, "agenda:events", redisnotify.BackoffOptions{}, logger)
		if err := channel.Connect(); err != nil {
			log.Fatalf("redis notify connect: %v", err)
		}
		defer channel.Disconnect()
		notifier = channel
		leader = redisnotify.NewLeaderLock(client, "agenda:migrate-leader", cfg.InstanceName)
	}

	if cfg.EnsureIndex {
		// With a Redis deployment, only the elected leader runs the
		// one-time schema setup; every other replica assumes it has
		// already landed. Without Redis (single instance, or Postgres
		// as the only backend) there's no fleet to coordinate, so the
		// lone instance always runs it.
		runMigration := true
		if leader != nil {
			acquired, err := leader.Acquire(ctx, 30*time.Second)
			if err != nil {
				logger.Warn("leader lock acquire failed, running schema setup anyway", "error", err)
			} else {
				runMigration = acquired
			}
		}
		if runMigration {
			if err := postgres.EnsureSchema(ctx, pool); err != nil {
				log.Fatalf("ensure schema: %v", err)
			}
		}
	}
	logger.Info("db connected")

	jobRepo := postgres.NewJobRepository(pool)
	attemptRepo := postgres.NewAttemptRepository(pool)
	operatorRepo := postgres.NewOperatorRepository(pool)

	metrics.Register()
	metrics.InstanceStartTime.Set(float64(time.Now().Unix()))

	instance := agenda.New(jobRepo, attemptRepo, agenda.Options{
		ProcessEvery:        time.Duration(cfg.ProcessEverySec) * time.Second,
		MaxConcurrency:      cfg.MaxConcurrency,
		DefaultConcurrency:  cfg.DefaultConcurrency,
		MaxLockLimit:        cfg.MaxLockLimit,
		DefaultLockLimit:    cfg.DefaultLockLimit,
		DefaultLockLifetime: time.Duration(cfg.DefaultLockLifetimeSec) * time.Second,
		InstanceName:        cfg.InstanceName,
		Notifier:            notifier,
		Clock:               clock.Real,
		Logger:              logger,
	})

	checker := health.NewChecker(pool, notifier, logger, prometheus.DefaultRegisterer)

	operators := auth.NewOperators(cfg.AdminEmails)
	emailSender := email.NewSender(cfg.Env, cfg.ResendAPIKey, cfg.ResendFrom, logger)
	authUsecase := auth.NewUsecase(operators, operatorRepo, emailSender, []byte(cfg.JWTSecret), cfg.MagicLinkBase)

	// ClerkJWKSURL lets operators authenticate through an external
	// identity provider instead of a magic link; when set it takes
	// precedence, the HS256 path stays available during migration.
	var jwksVerifier *auth.JWKSVerifier
	if cfg.ClerkJWKSURL != "" {
		jwksVerifier, err = auth.NewJWKSVerifier(ctx, cfg.ClerkJWKSURL)
		if err != nil {
			log.Fatalf("jwks verifier: %v", err)
		}
	}

	jobHandler := handler.NewJobHandler(instance, logger)
	authHandler := handler.NewAuthHandler(authUsecase, logger)

	var router *gin.Engine
	if jwksVerifier != nil {
		router = httptransport.NewRouter(logger, jobHandler, authHandler, []byte(cfg.JWTSecret), jwksVerifier)
	} else {
		router = httptransport.NewRouter(logger, jobHandler, authHandler, []byte(cfg.JWTSecret), nil)
	}

	adminSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}
	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, checker)

	if err := instance.Start(ctx); err != nil {
		log.Fatalf("start agenda: %v", err)
	}

	go func() {
		logger.Info("admin server started", "port", cfg.Port)
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin server", "error", err)
		}
	}()
	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("shutting down, draining in-flight jobs...")

	result := instance.Drain(agenda.DrainOptions{Timeout: 30 * time.Second})
	if result.TimedOut {
		logger.Warn("drain timed out", "still_running", result.Running)
	}
	metrics.InstanceShutdownsTotal.Inc()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown", "error", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}
	logger.Info("shut down")
}

func newLogger(env string, level slog.Level) *slog.Logger {
	var inner slog.Handler
	if env == "local" {
		inner = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(ctxlog.NewContextHandler(inner))
}
