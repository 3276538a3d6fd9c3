package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/noah-isme/procureflow-api/api/swagger"
	"github.com/noah-isme/procureflow-api/internal/handler"
	"github.com/noah-isme/procureflow-api/internal/middleware"
	"github.com/noah-isme/procureflow-api/internal/models"
	"github.com/noah-isme/procureflow-api/internal/repository"
	"github.com/noah-isme/procureflow-api/internal/service"
	"github.com/noah-isme/procureflow-api/pkg/cache"
	"github.com/noah-isme/procureflow-api/pkg/config"
	"github.com/noah-isme/procureflow-api/pkg/database"
	"github.com/noah-isme/procureflow-api/pkg/jobs"
	"github.com/noah-isme/procureflow-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/procureflow-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/procureflow-api/pkg/middleware/requestid"
	"github.com/noah-isme/procureflow-api/pkg/storage"
)

// @title ProcureFlow API
// @version 1.0.0
// @description Institutional purchase request approval workflow
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

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

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close() //nolint:errcheck

	metricsSvc := service.NewMetricsService()

	var cacheSvc *service.CacheService
	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, list caching disabled", "error", err)
	} else {
		defer redisClient.Close() //nolint:errcheck
		cacheRepo := repository.NewCacheRepository(redisClient, logr)
		cacheSvc = service.NewCacheService(cacheRepo, metricsSvc, cfg.Workflow.ListCacheTTL, logr, cfg.Workflow.ListCacheEnabled)
	}

	userRepo := repository.NewUserRepository(db)
	requestRepo := repository.NewRequestRepository(db)
	attachmentRepo := repository.NewAttachmentRepository(db)

	validate := validator.New()

	var notifSvc *service.NotificationService
	if cfg.Notifications.Enabled {
		notifSvc = service.NewNotificationService(jobs.QueueConfig{
			Workers:    cfg.Notifications.Workers,
			BufferSize: cfg.Notifications.BufferSize,
			MaxRetries: cfg.Notifications.MaxRetries,
			Logger:     logr,
		}, logr)
		notifSvc.Start(ctx)
		defer notifSvc.Stop()
	}

	authOpts := []service.AuthServiceOption{}
	if notifSvc != nil {
		authOpts = append(authOpts, service.WithResetNotifier(notifSvc))
	}
	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "procureflow-api",
	}, authOpts...)
	userSvc := service.NewUserService(userRepo, validate, logr)

	requestOpts := []service.RequestServiceOption{
		service.WithRequestCache(cacheSvc),
		service.WithRequestMetrics(metricsSvc),
	}
	if cfg.Workflow.ApplyRetries > 0 {
		requestOpts = append(requestOpts, service.WithApplyRetries(cfg.Workflow.ApplyRetries))
	}
	if notifSvc != nil {
		requestOpts = append(requestOpts, service.WithRequestNotifier(notifSvc))
	}

	requestSvc := service.NewRequestService(requestRepo, userRepo, logr, requestOpts...)

	uploadStore, err := storage.NewLocalStorage(filepath.Join(cfg.Attachments.StorageDir, "uploads"))
	if err != nil {
		logr.Sugar().Fatalw("failed to init upload storage", "error", err)
	}
	exportStore, err := storage.NewLocalStorage(filepath.Join(cfg.Attachments.StorageDir, "exports"))
	if err != nil {
		logr.Sugar().Fatalw("failed to init export storage", "error", err)
	}
	signer := storage.NewSignedURLSigner(cfg.Attachments.SignedURLSecret, cfg.Attachments.SignedURLTTL)

	attachmentSvc := service.NewAttachmentService(attachmentRepo, requestRepo, uploadStore, signer, userRepo, logr, service.AttachmentServiceConfig{
		MaxFileSize: cfg.Attachments.MaxFileSizeBytes,
		APIPrefix:   cfg.APIPrefix,
	})
	exportSvc := service.NewExportService(requestRepo, exportStore, signer, service.ExportConfig{
		APIPrefix: cfg.APIPrefix,
	}, logr, nil, nil)

	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed, err := exportSvc.Cleanup(0); err != nil {
					logr.Sugar().Warnw("export cleanup failed", "error", err)
				} else if len(removed) > 0 {
					logr.Sugar().Infow("expired exports removed", "count", len(removed))
				}
			}
		}
	}()

	authHandler := handler.NewAuthHandler(authSvc)
	userHandler := handler.NewUserHandler(userSvc)
	requestHandler := handler.NewRequestHandler(requestSvc)
	attachmentHandler := handler.NewAttachmentHandler(attachmentSvc)
	exportHandler := handler.NewExportHandler(exportSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))
	r.Use(middleware.WithResponseMeta())

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	auth.POST("/login", authHandler.Login)
	auth.POST("/refresh", authHandler.Refresh)
	auth.POST("/forgot-password", authHandler.ForgotPassword)
	auth.POST("/reset-password", authHandler.ResetPassword)

	authed := api.Group("", middleware.JWT(authSvc))

	authed.POST("/auth/logout", authHandler.Logout)
	authed.POST("/auth/change-password", authHandler.ChangePassword)
	authed.GET("/auth/me", authHandler.Me)

	users := authed.Group("/users")
	manageUsers := middleware.RequireRoles(models.RoleInstitutionManager)
	users.GET("", manageUsers, userHandler.List)
	users.GET("/:id", middleware.RBAC(string(models.RoleInstitutionManager), "SELF"), userHandler.Get)
	users.POST("", manageUsers, userHandler.Create)
	users.PUT("/:id", manageUsers, userHandler.Update)
	users.DELETE("/:id", manageUsers, userHandler.Delete)

	requests := authed.Group("/requests")
	requests.POST("", requestHandler.Create)
	requests.GET("", requestHandler.List)
	requests.GET("/:id", requestHandler.Get)
	requests.POST("/:id/actions", requestHandler.ApplyAction)
	requests.GET("/:id/attachments", attachmentHandler.ListForRequest)
	requests.POST("/:id/attachments", attachmentHandler.Link)
	requests.GET("/:id/export", middleware.Audit(userRepo, models.AuditActionRequestExport, "request"), exportHandler.Export)

	attachments := authed.Group("/attachments")
	attachments.POST("", attachmentHandler.Upload)
	attachments.GET("/:id", attachmentHandler.Get)
	attachments.GET("/:id/download", attachmentHandler.Download)
	attachments.DELETE("/:id", attachmentHandler.Delete)

	// Export downloads carry their own signed token.
	api.GET("/export/:token", exportHandler.Download)

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
