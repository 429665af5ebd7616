package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/notifyhub/push-delivery/internal/api"
	apimw "github.com/notifyhub/push-delivery/internal/api/middleware"
	"github.com/notifyhub/push-delivery/internal/auth"
	"github.com/notifyhub/push-delivery/internal/breaker"
	"github.com/notifyhub/push-delivery/internal/broker"
	"github.com/notifyhub/push-delivery/internal/cache"
	"github.com/notifyhub/push-delivery/internal/config"
	"github.com/notifyhub/push-delivery/internal/consumer"
	"github.com/notifyhub/push-delivery/internal/db"
	"github.com/notifyhub/push-delivery/internal/domain"
	"github.com/notifyhub/push-delivery/internal/fanout"
	"github.com/notifyhub/push-delivery/internal/followers"
	"github.com/notifyhub/push-delivery/internal/gateway"
	"github.com/notifyhub/push-delivery/internal/idempotency"
	"github.com/notifyhub/push-delivery/internal/inbox"
	"github.com/notifyhub/push-delivery/internal/metrics"
	"github.com/notifyhub/push-delivery/internal/monitor"
	"github.com/notifyhub/push-delivery/internal/outbox"
	"github.com/notifyhub/push-delivery/internal/repository"
	"github.com/notifyhub/push-delivery/internal/service"
	"github.com/notifyhub/push-delivery/internal/stampede"
	"github.com/notifyhub/push-delivery/internal/tokens"
	"github.com/notifyhub/push-delivery/internal/worker"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	// ---- configuration ----
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ---- database ----
	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}
	logger.Info("database migrations applied")

	// ---- fast cache & broker ----
	redisCache, err := cache.Connect(ctx, cfg.RedisURL, cfg.CacheTimeout)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redisCache.Close()

	mq, err := broker.Connect(cfg.AMQPURL, cfg.Exchange, cfg.EventQueue, cfg.Prefetch, logger)
	if err != nil {
		logger.Fatal("failed to connect to rabbitmq", zap.Error(err))
	}
	defer mq.Close()

	// ---- metrics ----
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	// ---- repositories ----
	notifRepo := repository.NewPgNotificationRepository(pool)
	deviceRepo := repository.NewPgDeviceRepository(pool)
	prefsRepo := repository.NewPgPreferencesRepository(pool)
	groupRepo := repository.NewPgGroupRepository(pool)
	outboxRepo := repository.NewPgOutboxRepository(pool, cfg.OutboxMaxRetries)
	idemRepo := repository.NewPgIdempotencyRepository(pool)
	deliveryLogRepo := repository.NewPgDeliveryLogRepository(pool)

	// ---- shared infrastructure ----
	guard := stampede.New(redisCache, logger)
	idemStore := idempotency.NewStore(redisCache, idemRepo, logger)
	idemStore.TTL = cfg.IdempotencyTTL
	followerClient := followers.NewClient(cfg.FollowerServiceURL, cfg.FollowerTimeout)

	// ---- push gateways & breakers ----
	fcm := gateway.NewFCMClient(cfg.FCMBaseURL, cfg.FCMCredential, cfg.GatewayTimeout, cfg.GatewayRate)
	apns := gateway.NewAPNsClient(cfg.APNsBaseURL, cfg.APNsCredential, cfg.APNsTopic, cfg.GatewayTimeout, cfg.GatewayRate)
	gateways := map[domain.Platform]gateway.Gateway{
		domain.PlatformAndroid: fcm,
		domain.PlatformIOS:     apns,
	}

	breakerSettings := breaker.Settings{
		ErrorThreshold:       cfg.BreakerErrorThreshold,
		Window:               cfg.BreakerWindow,
		MinRequests:          cfg.BreakerMinRequests,
		OpenTimeout:          cfg.BreakerOpenTimeout,
		ErrorDuration:        cfg.BreakerErrorDuration,
		HalfOpenMaxRequests:  cfg.BreakerHalfOpenMax,
		HalfOpenSuccessCount: cfg.BreakerHalfOpenSuccess,
	}
	breakerHooks := breaker.Hooks{OnStateChange: m.BreakerHook()}
	breakers := map[string]*breaker.Breaker{
		fcm.Name():  breaker.New(fcm.Name(), breakerSettings, breakerHooks),
		apns.Name(): breaker.New(apns.Name(), breakerSettings, breakerHooks),
	}

	lifecycle := tokens.NewLifecycle(deviceRepo, logger)
	lifecycle.OnDeactivated = m.InvalidTokens.Inc

	// ---- domain services ----
	notifSvc := service.NewNotificationService(notifRepo, deviceRepo, logger)
	notifSvc.OnCreated = func(c domain.Category) {
		m.NotificationsCreated.WithLabelValues(string(c)).Inc()
	}
	selector := fanout.NewSelector(followerClient, guard, cfg.FanoutThreshold,
		cfg.FollowerCountFresh, cfg.FollowerCountStale, logger)
	groupSvc := fanout.NewGroupService(groupRepo, fcm, selector, cfg.TopicPushThreshold, logger)
	inboxSvc := inbox.NewService(notifRepo, groupRepo, redisCache, guard, followerClient,
		cfg.UnreadCountTTL, cfg.GroupReadTTL, logger)
	deviceSvc := service.NewDeviceService(deviceRepo, logger)
	prefsSvc := service.NewPreferencesService(prefsRepo, logger)
	verifier := auth.NewVerifier(cfg.JWTPrimaryKey, cfg.JWTPreviousKey, cfg.InternalToken, redisCache, logger)

	// ---- background loops ----
	// Context for all background goroutines; cancelled on shutdown signal.
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	var background sync.WaitGroup

	cons := consumer.New(mq, idemStore, prefsRepo, notifSvc, groupSvc,
		outboxRepo, cfg.ConsumerCount, logger)
	cons.OnHandled = func(a consumer.Action) {
		m.EventsConsumed.WithLabelValues(a.String()).Inc()
	}
	background.Add(1)
	go func() {
		defer background.Done()
		cons.Start(workerCtx)
	}()

	relay := outbox.NewRelay(outboxRepo, mq, cfg.OutboxInterval, cfg.OutboxBatchSize, logger)
	background.Add(1)
	go func() {
		defer background.Done()
		relay.Run(workerCtx)
	}()

	onLeased, onDelivered, onFailed, onRescheduled := m.WorkerHooks()
	deliveryPool := worker.NewPool(worker.Settings{
		WorkerCount:  cfg.WorkerCount,
		BatchSize:    cfg.BatchSize,
		LockTTL:      cfg.LockTTL,
		PollInterval: cfg.PollInterval,
		MaxAttempts:  cfg.MaxAttempts,
		RetryBase:    cfg.RetryBase,
		RetryCap:     cfg.RetryCap,
	}, notifRepo, deviceRepo, prefsRepo, gateways, breakers, lifecycle,
		deliveryLogRepo, outboxRepo, logger, worker.MetricHooks{
			OnLeased:      onLeased,
			OnDelivered:   onDelivered,
			OnFailed:      onFailed,
			OnRescheduled: onRescheduled,
		})
	deliveryPool.Start(workerCtx)

	schedulerW := worker.NewSchedulerWorker(notifRepo, cfg.SchedulerInterval, logger)
	background.Add(1)
	go func() {
		defer background.Done()
		schedulerW.Run(workerCtx)
	}()

	retryW := worker.NewRetryWorker(notifRepo, cfg.RetryInterval, cfg.MaxAttempts, logger)
	background.Add(1)
	go func() {
		defer background.Done()
		retryW.Run(workerCtx)
	}()

	archiver := worker.NewArchiver(worker.ArchiverSettings{
		Interval:   cfg.ArchiveInterval,
		AfterDays:  cfg.ArchiveAfterDays,
		BatchSize:  cfg.ArchiveBatchSize,
		MaxRecords: cfg.ArchiveMaxRecords,
		DryRun:     cfg.ArchiveDryRun,
	}, notifRepo, groupRepo, deliveryLogRepo, idemRepo, lifecycle,
		cfg.InactiveDays, cfg.DeleteAfterDays, logger)
	background.Add(1)
	go func() {
		defer background.Done()
		archiver.Run(workerCtx)
	}()

	mon := monitor.New(cfg.MonitorInterval, m, pool, notifRepo, outboxRepo, guard, logger)
	background.Add(1)
	go func() {
		defer background.Done()
		mon.Run(workerCtx)
	}()

	// ---- HTTP server ----
	router := api.NewRouter(api.Deps{
		Devices:       deviceSvc,
		Preferences:   prefsSvc,
		Notifications: notifSvc,
		Inbox:         inboxSvc,
		Verifier:      verifier,
		RateLimit:     apimw.NewUserRateLimiter(cfg.APIRateLimit),
		Pool:          pool,
		Cache:         redisCache,
		Broker:        mq,
		NotifRepo:     notifRepo,
		OutboxRepo:    outboxRepo,
		Breakers:      breakers,
		Registry:      reg,
		Logger:        logger,
	})
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	// Start server in a goroutine so it does not block the shutdown listener.
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// ---- graceful shutdown ----
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received")

	// 1. Stop accepting new HTTP requests.
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// 2. Signal all background loops to stop.
	cancelWorkers()

	// 3. Wait for delivery workers to finish their current batch and
	//    release their leases, then for the remaining loops.
	deliveryPool.Wait()
	background.Wait()

	// 4. Flush any outbox rows staged during the drain.
	if err := relay.Drain(shutdownCtx); err != nil {
		logger.Warn("final outbox drain failed", zap.Error(err))
	}

	logger.Info("server stopped cleanly")
}
