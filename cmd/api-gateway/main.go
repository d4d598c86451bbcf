package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/sge-platform/enrollment-api/api/swagger"
	"github.com/sge-platform/enrollment-api/internal/handler"
	"github.com/sge-platform/enrollment-api/internal/repository"
	"github.com/sge-platform/enrollment-api/internal/service"
	"github.com/sge-platform/enrollment-api/pkg/cache"
	"github.com/sge-platform/enrollment-api/pkg/config"
	"github.com/sge-platform/enrollment-api/pkg/database"
	"github.com/sge-platform/enrollment-api/pkg/jobs"
	"github.com/sge-platform/enrollment-api/pkg/logger"
	corsmiddleware "github.com/sge-platform/enrollment-api/pkg/middleware/cors"
	reqidmiddleware "github.com/sge-platform/enrollment-api/pkg/middleware/requestid"
)

// @title SGE Enrollment API
// @version 1.0.0
// @description Enrollment lifecycle and section capacity consistency engine
// @BasePath /api/v1
// @schemes http

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
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		// The engine stays correct without Redis; only roster reads
		// lose their cache.
		logr.Sugar().Warnw("redis unavailable, continuing without cache", "error", err)
		redisClient = nil
	}

	cacheRepo := repository.NewCacheRepository(redisClient, logr)
	defer cacheRepo.Close() //nolint:errcheck

	sectionRepo := repository.NewSectionRepository(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db, sectionRepo)
	termRepo := repository.NewTermRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	historyRepo := repository.NewTransferHistoryRepository(db)

	metrics := service.NewMetricsService()
	validate := validator.New()

	var rosterCache *repository.CacheRepository
	if cfg.Roster.CacheEnabled {
		rosterCache = cacheRepo
	}

	termSvc := service.NewTermService(termRepo, logr)
	sectionSvc := service.NewSectionService(sectionRepo, cacheOrNil(rosterCache), cfg.Roster.CacheTTL, metrics, logr)
	reconcileSvc := service.NewReconcileService(enrollmentRepo, sectionRepo, invalidatorOrNil(rosterCache, sectionSvc), metrics, logr, jobs.QueueConfig{
		Workers:    cfg.Reconciler.Workers,
		BufferSize: cfg.Reconciler.BufferSize,
		MaxRetries: cfg.Reconciler.MaxRetries,
		RetryDelay: cfg.Reconciler.RetryDelay,
	})
	enrollmentSvc := service.NewEnrollmentService(enrollmentRepo, sectionRepo, studentRepo, termSvc, historyRepo, invalidatorOrNil(rosterCache, sectionSvc), metrics, validate, logr)

	enrollmentHandler := handler.NewEnrollmentHandler(enrollmentSvc)
	sectionHandler := handler.NewSectionHandler(sectionSvc, reconcileSvc)
	termHandler := handler.NewTermHandler(termSvc)
	metricsHandler := handler.NewMetricsHandler(metrics)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Reconciler.Enabled {
		reconcileSvc.Start(ctx)
		defer reconcileSvc.Stop()
	}

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	v1 := r.Group(cfg.APIPrefix)
	{
		v1.GET("/enrollments", enrollmentHandler.List)
		v1.GET("/enrollments/:id", enrollmentHandler.Get)
		v1.POST("/enrollments/batch", enrollmentHandler.EnrollBatch)
		v1.POST("/enrollments/withdraw", enrollmentHandler.WithdrawBatch)
		v1.GET("/students/:id/history", enrollmentHandler.History)

		v1.GET("/sections", sectionHandler.List)
		v1.GET("/sections/:id", sectionHandler.Get)
		v1.GET("/sections/:id/roster", sectionHandler.Roster)
		v1.POST("/sections/:id/reconcile", sectionHandler.Reconcile)

		v1.GET("/terms/active", termHandler.Active)
		v1.GET("/stats", metricsHandler.Stats)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}

func cacheOrNil(repo *repository.CacheRepository) service.RosterCache {
	if repo == nil {
		return nil
	}
	return repo
}

func invalidatorOrNil(repo *repository.CacheRepository, sections *service.SectionService) service.RosterInvalidator {
	if repo == nil {
		return nil
	}
	return sections
}
