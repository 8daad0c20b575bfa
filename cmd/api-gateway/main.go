package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/erpgate/erpgate-api/api/swagger"
	"github.com/erpgate/erpgate-api/internal/erp"
	"github.com/erpgate/erpgate-api/internal/handler"
	"github.com/erpgate/erpgate-api/internal/middleware"
	"github.com/erpgate/erpgate-api/internal/models"
	"github.com/erpgate/erpgate-api/internal/repository"
	"github.com/erpgate/erpgate-api/internal/service"
	"github.com/erpgate/erpgate-api/pkg/cache"
	"github.com/erpgate/erpgate-api/pkg/config"
	"github.com/erpgate/erpgate-api/pkg/database"
	"github.com/erpgate/erpgate-api/pkg/logger"
	corsmiddleware "github.com/erpgate/erpgate-api/pkg/middleware/cors"
	reqidmiddleware "github.com/erpgate/erpgate-api/pkg/middleware/requestid"
)

// @title ERP Gate API
// @version 1.0.0
// @description Approval workflow gateway for ERP registration requests
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
		logr.Sugar().Fatalw("failed to connect to redis", "error", err)
	}

	// Repositories.
	userRepo := repository.NewUserRepository(db)
	regRepo := repository.NewRegistrationRepository(db)
	approvalRepo := repository.NewApprovalRepository(db)
	fieldChangeRepo := repository.NewFieldChangeRepository(db)
	workflowRepo := repository.NewWorkflowRepository(db)
	groupRepo := repository.NewGroupRepository(db)
	templateRepo := repository.NewTemplateRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)
	defer cacheRepo.Close() //nolint:errcheck

	// Services.
	metricsSvc := service.NewMetricsService()
	authSvc := service.NewAuthService(userRepo, validator.New(), logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "erpgate-api",
	})
	resolver := service.NewApproverResolver(groupRepo, userRepo)
	tracker := service.NewFieldChangeTracker()
	notificationSvc := service.NewNotificationService(notificationRepo, logr, cfg.Notifications)
	erpClient := erp.NewClient(cfg.Protheus)
	syncSvc := service.NewSyncService(erpClient, regRepo, userRepo, metricsSvc, logr)
	registrationSvc := service.NewRegistrationService(
		regRepo, templateRepo, approvalRepo, fieldChangeRepo,
		cacheRepo, userRepo, metricsSvc, logr, cfg.Registrations.PendingCacheTTL)
	workflowSvc := service.NewWorkflowService(
		regRepo, workflowRepo, resolver, tracker,
		syncSvc, notificationSvc, cacheRepo, userRepo, metricsSvc, logr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	notificationSvc.Start(ctx)
	defer notificationSvc.Stop()

	// Handlers.
	authHandler := handler.NewAuthHandler(authSvc)
	regHandler := handler.NewRegistrationHandler(registrationSvc, workflowSvc)
	notificationHandler := handler.NewNotificationHandler(notificationSvc)
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

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "postgres": err.Error()})
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
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.POST("/logout", middleware.JWT(authSvc), authHandler.Logout)
		auth.POST("/change-password", middleware.JWT(authSvc), authHandler.ChangePassword)
		auth.POST("/forgot-password", authHandler.ForgotPassword)
		auth.POST("/reset-password", authHandler.ResetPassword)
		auth.GET("/me", middleware.JWT(authSvc), authHandler.Me)
	}

	registrations := api.Group("/registrations", middleware.JWT(authSvc))
	{
		registrations.POST("", regHandler.Create)
		registrations.GET("", regHandler.List)
		registrations.GET("/pending", middleware.RequireRoles(models.RoleApprover, models.RoleAdmin), regHandler.Pending)
		registrations.GET("/report", regHandler.Report)
		registrations.GET("/:id", regHandler.Get)
		registrations.PUT("/:id", regHandler.Update)
		registrations.DELETE("/:id", regHandler.Delete)
		registrations.POST("/:id/submit", regHandler.Submit)
		registrations.POST("/:id/approve", middleware.RequireRoles(models.RoleApprover, models.RoleAdmin), regHandler.Approve)
		registrations.POST("/:id/reject", middleware.RequireRoles(models.RoleApprover, models.RoleAdmin), regHandler.Reject)
		registrations.POST("/:id/retry-sync", regHandler.RetrySync)
		registrations.GET("/:id/approvals", regHandler.Approvals)
		registrations.GET("/:id/changes", regHandler.Changes)
		registrations.GET("/:id/editable-fields", regHandler.EditableFields)
	}

	api.GET("/notifications", middleware.JWT(authSvc), notificationHandler.List)

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{Addr: addr, Handler: r}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}
