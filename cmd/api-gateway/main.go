package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sits-bridge-api/internal/handler"
	"github.com/noah-isme/sits-bridge-api/internal/middleware"
	"github.com/noah-isme/sits-bridge-api/internal/models"
	"github.com/noah-isme/sits-bridge-api/internal/repository"
	"github.com/noah-isme/sits-bridge-api/internal/service"
	"github.com/noah-isme/sits-bridge-api/pkg/cache"
	"github.com/noah-isme/sits-bridge-api/pkg/config"
	"github.com/noah-isme/sits-bridge-api/pkg/database"
	"github.com/noah-isme/sits-bridge-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/sits-bridge-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/sits-bridge-api/pkg/middleware/requestid"
	"github.com/noah-isme/sits-bridge-api/pkg/moodlews"
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

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("database connection failed", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, caching disabled", "error", err)
		redisClient = nil
	}

	prefix := cfg.Database.Prefix

	userRepo := repository.NewUserRepository(db, prefix)
	mappingRepo := repository.NewMappingRepository(db, prefix)
	overrideRepo := repository.NewOverrideRepository(db)
	plogRepo := repository.NewProcessingLogRepository(db)
	groupRepo := repository.NewGroupRepository(db, prefix)
	gradeRepo := repository.NewGradeRepository(db, prefix)
	transferRepo := repository.NewTransferLogRepository(db)
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
	syncSvc := service.NewSyncService(userRepo, mappingRepo, sitsClient, extSvc, cacheSvc, cfg.SITS, cfg.Extension, logr)
	mappingSvc := service.NewMappingService(mappingRepo, extSvc, syncSvc, logr)
	authSvc := service.NewAuthService(cfg.JWT.Secret)

	var pushSvc *service.PushService
	if cfg.Push.Enabled {
		pushSvc = service.NewPushService(mappingRepo, gradeRepo, transferRepo, sitsClient, cacheSvc, cfg.SITS, cfg.Push, logr)
	}

	extensionHandler := handler.NewExtensionHandler(syncSvc, extSvc, plogRepo)
	mappingHandler := handler.NewMappingHandler(mappingSvc, pushSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsHandler.Prometheus)

	api := r.Group(cfg.APIPrefix)
	api.Use(middleware.JWT(authSvc))
	{
		api.GET("/status", metricsHandler.Snapshot)

		mappings := api.Group("/mappings")
		{
			mappings.GET("", mappingHandler.List)
			mappings.GET("/:id", mappingHandler.Get)
			mappings.POST("",
				middleware.RequireRoles(models.RoleAdmin, models.RoleOperator),
				middleware.Audit(userRepo, models.AuditActionMappingCreate, "mapping"),
				mappingHandler.Create)
			mappings.DELETE("/:id",
				middleware.RequireRoles(models.RoleAdmin),
				middleware.Audit(userRepo, models.AuditActionMappingDelete, "mapping"),
				mappingHandler.Delete)
		}

		extensions := api.Group("/extensions")
		{
			extensions.POST("/resync",
				middleware.RequireRoles(models.RoleAdmin, models.RoleOperator),
				middleware.Audit(userRepo, models.AuditActionResync, "extension"),
				extensionHandler.Resync)
			extensions.GET("/overrides", extensionHandler.ListOverrides)
			extensions.GET("/queue-log", extensionHandler.QueueLog)
			extensions.GET("/queue-log/export",
				middleware.Audit(userRepo, models.AuditActionExport, "queue-log"),
				extensionHandler.ExportQueueLog)
		}

		hooks := api.Group("/hooks")
		{
			hooks.POST("/enrolment", extensionHandler.EnrolmentHook)
			hooks.POST("/mapping", extensionHandler.MappingHook)
		}

		grades := api.Group("/grades")
		{
			grades.POST("/push",
				middleware.RequireRoles(models.RoleAdmin, models.RoleOperator),
				mappingHandler.Push)
		}
	}

	if pushSvc != nil {
		pushSvc.Start(context.Background())
		defer pushSvc.Stop()
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
	if err := r.Run(addr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}
