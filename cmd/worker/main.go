// Package main - точка входа фонового процесса подбора пар "наставник - ученик".
//
// Worker отвечает за:
// - Периодический пересчёт пар по всем главам (stable matching)
// - Прогрев кеша сводной статистики
// - Сброс кеша при событиях подбора, в том числе от других экземпляров
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alem-hub/peer-tutoring/config"
	"github.com/alem-hub/peer-tutoring/internal/application/eventhandler"
	"github.com/alem-hub/peer-tutoring/internal/application/orchestrator"
	"github.com/alem-hub/peer-tutoring/internal/domain/matching"
	"github.com/alem-hub/peer-tutoring/internal/domain/shared"
	"github.com/alem-hub/peer-tutoring/internal/infrastructure/messaging"
	"github.com/alem-hub/peer-tutoring/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/peer-tutoring/internal/infrastructure/persistence/postgres"
	"github.com/alem-hub/peer-tutoring/internal/infrastructure/persistence/redis"
	"github.com/alem-hub/peer-tutoring/internal/infrastructure/scheduler"
	"github.com/alem-hub/peer-tutoring/internal/infrastructure/scheduler/jobs"
	"github.com/alem-hub/peer-tutoring/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// MAIN
// ══════════════════════════════════════════════════════════════════════════════

func main() {
	once := flag.Bool("once", false, "run the rematch job once and exit")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *once); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

// eventBus - общая часть локальной шины и шины через Redis.
type eventBus interface {
	shared.EventPublisher
	shared.EventSubscriber
	Close() error
}

func run(ctx context.Context, once bool) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. ЗАГРУЗКА КОНФИГУРАЦИИ
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	once = once || cfg.App.RunOnce

	// ─────────────────────────────────────────────────────────────────────────
	// 2. НАСТРОЙКА ЛОГИРОВАНИЯ
	// ─────────────────────────────────────────────────────────────────────────
	log := setupLogger(cfg)
	log.Info("starting peer tutoring worker",
		"env", cfg.App.Environment,
		"version", cfg.App.Version,
		"timezone", cfg.App.Timezone,
		"once", once,
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. ХРАНИЛИЩЕ (PostgreSQL или память в development)
	// ─────────────────────────────────────────────────────────────────────────
	var (
		dbConn *postgres.Connection
		tx     matching.Transactor
	)
	if cfg.Database.URL == "" {
		log.Warn("DATABASE_URL is empty, using in-memory store")
		tx = memory.NewStore()
	} else {
		log.Info("connecting to database...")
		dbConn, err = connectPostgres(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("closing database connection...")
			dbConn.Close()
		}()

		if cfg.Database.AutoMigrate {
			applied, err := postgres.NewMigrator(dbConn).Migrate(ctx)
			if err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			log.Info("database schema is up to date", "applied", applied)
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. REDIS (опционально)
	// ─────────────────────────────────────────────────────────────────────────
	var redisCache *redis.Cache
	if !cfg.Redis.Disabled {
		log.Info("connecting to Redis...")
		redisCache, err = connectRedis(ctx, cfg, log)
		if err != nil {
			if cfg.IsProduction() {
				return err
			}
			log.Warn("Redis unavailable, caching and cross-worker events disabled", "error", err)
			redisCache = nil
		} else {
			defer redisCache.Close()
			log.Info("Redis connection established")
		}
	}

	var (
		statsCache matching.StatsCache
		runLocker  matching.RunLocker
	)
	if redisCache != nil {
		runLocker = redis.NewRunLock(redisCache, cfg.Matching.RunLockTTL)
		if cfg.Features.IsEnabled(config.FeatureStatsCache) {
			statsCache = redis.NewStatsCache(redisCache, cfg.Redis.StatsTTL)
		}
	}

	if dbConn != nil {
		var opts []postgres.StoreOption
		if redisCache != nil && cfg.Features.IsEnabled(config.FeatureProfileCache) {
			profiles := redis.NewProfileCache(redisCache, cfg.Redis.ProfileTTL, log)
			opts = append(opts, postgres.WithProfileCache(profiles, log))
		}
		tx = postgres.NewStore(dbConn, opts...)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. EVENT BUS
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("initializing event bus...")
	bus, err := newEventBus(ctx, cfg, redisCache, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing event bus...")
		if err := bus.Close(); err != nil {
			log.Warn("event bus close failed", "error", err)
		}
	}()

	if err := eventhandler.NewStatsInvalidator(statsCache, log).Register(bus); err != nil {
		return fmt.Errorf("failed to register stats invalidator: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 6. ORCHESTRATOR И ОБРАБОТЧИКИ
	// ─────────────────────────────────────────────────────────────────────────
	policy := cfg.Matching.Policy()
	orch := orchestrator.New(tx, runLocker, bus, orchestrator.Config{
		Policy: policy,
		Logger: log,
	})
	app := newApplication(tx, orch, statsCache, bus, cfg, log)

	// ─────────────────────────────────────────────────────────────────────────
	// 7. ПЛАНИРОВЩИК И ЗАДАЧИ
	// ─────────────────────────────────────────────────────────────────────────
	schedCfg := scheduler.DefaultSchedulerConfig()
	schedCfg.Logger = log
	schedCfg.Timezone = cfg.App.Location
	sched := scheduler.NewScheduler(schedCfg)
	sched.OnJobComplete(func(r scheduler.JobResult) {
		if !r.Success {
			log.Warn("scheduled run failed", "job", r.JobName, "duration", r.Duration.String(), "error", r.Error)
			return
		}
		log.Info("scheduled run finished", "job", r.JobName, "duration", r.Duration.String(), "summary", r.Metadata)
	})

	rematchCfg := jobs.DefaultRematchConfig()
	rematchCfg.Subjects = cfg.Scheduler.RematchSubjects
	rematchCfg.MaxConcurrent = cfg.Scheduler.MaxConcurrent
	rematchCfg.Timeout = cfg.Scheduler.JobTimeout
	rematchCfg.Include = func(subject string) bool {
		return cfg.Features.IsEnabledFor(config.FeatureScheduledRematch, subject)
	}
	rematch := jobs.NewRematchJob(tx, orch, log, rematchCfg)

	rematchSchedule, err := scheduler.ParseCronSchedule(cfg.Scheduler.RematchCron, cfg.App.Location)
	if err != nil {
		return err
	}
	if err := sched.Register(rematch, rematchSchedule); err != nil {
		return err
	}

	if once {
		result, err := sched.RunNow(ctx, rematch.Name())
		if err != nil {
			return fmt.Errorf("rematch failed: %w", err)
		}
		log.Info("single rematch run finished", "duration", result.Duration.String(), "summary", result.Metadata)
		return nil
	}

	if cfg.Features.IsEnabled(config.FeatureStatsRefresh) {
		every, err := scheduler.NewIntervalSchedule(cfg.Scheduler.StatsRefreshInterval)
		if err != nil {
			return err
		}
		refresh := jobs.NewStatsRefreshJob(app.Queries.MatchingStats, log, cfg.Scheduler.JobTimeout)
		if err := sched.Register(refresh, every); err != nil {
			return err
		}
	}

	if !cfg.Scheduler.Enabled {
		log.Warn("scheduler disabled, only event handlers are running")
	} else if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	app.logSummary(ctx)
	for _, info := range sched.ListJobs() {
		log.Info("job scheduled", "job", info.Name, "schedule", info.Schedule, "next_run", info.NextRun)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 8. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("peer tutoring worker is running")
	<-ctx.Done()
	log.Info("received shutdown signal, starting graceful shutdown...",
		"timeout", cfg.App.ShutdownTimeout.String(),
	)

	if sched.IsRunning() {
		done := make(chan error, 1)
		go func() { done <- sched.Stop() }()

		select {
		case err := <-done:
			if err != nil {
				log.Warn("scheduler stop failed", "error", err)
			}
		case <-time.After(cfg.App.ShutdownTimeout):
			return errors.New("shutdown timed out waiting for running jobs")
		}
	}

	log.Info("shutdown completed successfully")
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// setupLogger настраивает структурированное логирование.
func setupLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Observability.SlogLevel()}
	if cfg.App.Debug {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.IsProduction() || cfg.Observability.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	log := slog.New(handler).With("app", cfg.App.Name)
	slog.SetDefault(log)

	return log
}

// connectPostgres подключается к базе с повторами: при старте в одном
// окружении база часто поднимается позже воркера.
func connectPostgres(ctx context.Context, cfg *config.Config, log *slog.Logger) (*postgres.Connection, error) {
	pgCfg := postgres.DefaultConfig()
	pgCfg.URL = cfg.Database.URL
	pgCfg.MaxConns = int32(cfg.Database.MaxConns)
	pgCfg.MinConns = int32(cfg.Database.MinConns)
	pgCfg.MaxConnLifetime = cfg.Database.ConnMaxLifetime
	pgCfg.MaxConnIdleTime = cfg.Database.ConnMaxIdleTime
	pgCfg.ConnectTimeout = cfg.Database.ConnectTimeout

	retrier := retry.ConnectRetrier(func(attempt int, err error, delay time.Duration) {
		log.Warn("database not ready, retrying", "attempt", attempt, "delay", delay, "error", err)
	})
	var conn *postgres.Connection
	err := retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		conn, err = postgres.NewConnection(ctx, pgCfg)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return conn, nil
}

// connectRedis подключается к Redis с теми же повторами.
func connectRedis(ctx context.Context, cfg *config.Config, log *slog.Logger) (*redis.Cache, error) {
	rc := redis.DefaultConfig()
	rc.URL = cfg.Redis.URL
	rc.Host = cfg.Redis.Host
	rc.Port = cfg.Redis.Port
	rc.Password = cfg.Redis.Password
	rc.DB = cfg.Redis.DB
	rc.PoolSize = cfg.Redis.PoolSize
	rc.MinIdleConns = cfg.Redis.MinIdleConns
	rc.DialTimeout = cfg.Redis.DialTimeout
	rc.ReadTimeout = cfg.Redis.ReadTimeout
	rc.WriteTimeout = cfg.Redis.WriteTimeout
	rc.KeyPrefix = cfg.Redis.KeyPrefix

	retrier := retry.ConnectRetrier(func(attempt int, err error, delay time.Duration) {
		log.Warn("redis not ready, retrying", "attempt", attempt, "delay", delay, "error", err)
	})
	var cache *redis.Cache
	err := retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		cache, err = redis.NewCache(ctx, rc)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return cache, nil
}

// newEventBus создаёт локальную шину или, при наличии Redis, шину с
// рассылкой событий между экземплярами воркера.
func newEventBus(ctx context.Context, cfg *config.Config, cache *redis.Cache, log *slog.Logger) (eventBus, error) {
	local := messaging.DefaultInMemoryEventBusConfig()
	local.Logger = log
	local.AsyncMode = cfg.Events.AsyncMode
	local.WorkerPoolSize = cfg.Events.WorkerPoolSize
	local.Middlewares = []messaging.Middleware{
		messaging.RecoveryMiddleware(log),
		messaging.LoggingMiddleware(log),
		messaging.RetryMiddleware(retry.CacheRetrier()),
	}

	if cache == nil || !cfg.Features.IsEnabled(config.FeatureRedisEvents) {
		return messaging.NewInMemoryEventBus(local), nil
	}

	bus, err := messaging.NewRedisEventBus(messaging.RedisEventBusConfig{
		Client:         messaging.NewGoRedisPubSub(cache.Client()),
		ChannelName:    cfg.Events.Channel,
		LocalBusConfig: local,
		Logger:         log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start redis event bus: %w", err)
	}
	log.Info("events are shared between workers", "channel", cfg.Events.Channel, "instance", bus.InstanceID())
	return bus, nil
}
