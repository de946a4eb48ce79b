package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/noah-isme/sits-bridge-api/internal/repository"
	"github.com/noah-isme/sits-bridge-api/internal/service"
	"github.com/noah-isme/sits-bridge-api/pkg/cache"
	"github.com/noah-isme/sits-bridge-api/pkg/config"
	"github.com/noah-isme/sits-bridge-api/pkg/database"
	"github.com/noah-isme/sits-bridge-api/pkg/logger"
	"github.com/noah-isme/sits-bridge-api/pkg/moodlews"
	"github.com/noah-isme/sits-bridge-api/pkg/queue"
	"github.com/noah-isme/sits-bridge-api/pkg/sits"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck
	sugar := logr.Sugar()

	if !cfg.Extension.Enabled {
		sugar.Info("extension processing disabled, exiting")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		sugar.Fatalw("database connection failed", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		sugar.Warnw("redis unavailable, caching disabled", "error", err)
		redisClient = nil
	}

	prefix := cfg.Database.Prefix

	userRepo := repository.NewUserRepository(db, prefix)
	mappingRepo := repository.NewMappingRepository(db, prefix)
	overrideRepo := repository.NewOverrideRepository(db)
	plogRepo := repository.NewProcessingLogRepository(db)
	groupRepo := repository.NewGroupRepository(db, prefix)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	metricsSvc := service.NewMetricsService()
	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.SITS.StudentCacheTTL, logr, redisClient != nil)

	sitsClient := sits.NewClient(cfg.SITS)

	var notifier moodlews.Notifier = moodlews.Nop{}
	if cfg.MoodleWS.Enabled {
		notifier = moodlews.NewClient(cfg.MoodleWS)
	}

	registry := service.NewAdapterRegistry(
		service.NewAssignAdapter(repository.NewAssignRepository(db, prefix)),
		service.NewQuizAdapter(repository.NewQuizRepository(db, prefix)),
		service.NewLessonAdapter(repository.NewLessonRepository(db, prefix)),
		service.NewCourseworkAdapter(repository.NewCourseworkRepository(db, prefix)),
	)

	calc := service.NewExtensionCalculator(cfg.Extension.TierRules, service.WeekdayCalendar{}, logr)
	extSvc := service.NewExtensionService(db, registry,
		service.NewGroupStore(groupRepo), service.NewOverrideStore(overrideRepo),
		calc, notifier, metricsSvc, cfg.Extension, logr)

	soraSvc := service.NewSoraService(userRepo, mappingRepo, plogRepo, extSvc, cfg.Extension, logr)
	ecSvc := service.NewECService(userRepo, mappingRepo, plogRepo, extSvc, sitsClient, cacheSvc, cfg.Extension, logr)

	var sources []service.ConsumerSource
	if cfg.Queue.SoraQueueURL != "" {
		soraQueue, err := queue.NewSQS(ctx, cfg.Queue, cfg.Queue.SoraQueueURL, "sora")
		if err != nil {
			sugar.Fatalw("sora queue setup failed", "error", err)
		}
		sources = append(sources, service.ConsumerSource{Receiver: soraQueue, Handler: soraSvc})
	}
	if cfg.Queue.ECQueueURL != "" {
		ecQueue, err := queue.NewSQS(ctx, cfg.Queue, cfg.Queue.ECQueueURL, "ec")
		if err != nil {
			sugar.Fatalw("ec queue setup failed", "error", err)
		}
		sources = append(sources, service.ConsumerSource{Receiver: ecQueue, Handler: ecSvc})
	}
	if len(sources) == 0 {
		sugar.Fatal("no queue urls configured")
	}

	consumer := service.NewConsumerService(sources, plogRepo, metricsSvc, cfg.Queue, logr)

	interval := cfg.Queue.PollInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sugar.Infow("worker started", "sources", len(sources), "poll_interval", interval)

	if err := consumer.Execute(ctx); err != nil {
		sugar.Errorw("consumption run failed", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			sugar.Info("worker shutting down")
			return
		case <-ticker.C:
			if err := consumer.Execute(ctx); err != nil {
				sugar.Errorw("consumption run failed", "error", err)
			}
		}
	}
}
