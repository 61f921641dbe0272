package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/renovation_backend/config"
	"bitbucket.org/mmdatafocus/renovation_backend/middlewares"
	"bitbucket.org/mmdatafocus/renovation_backend/models"
	"bitbucket.org/mmdatafocus/renovation_backend/phasesync"
	"bitbucket.org/mmdatafocus/renovation_backend/utils"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func main() {
	port := os.Getenv("PHASE_SYNC_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	settings, err := config.LoadPhaseSyncSettings()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "settings", "errors": utils.ProcessValidationErrors(err)}).Fatal("invalid phase sync settings")
	}

	var locker phasesync.Locker
	if config.RedisConfigured() {
		locker = phasesync.NewRedisLocker(config.GetRedisLock, logger)
	} else {
		logger.WithFields(logrus.Fields{"field": "locks"}).Warn("REDIS_ADDRESS not set; using in-process locks, run a single replica only")
		locker = phasesync.NewLocalLocker()
	}

	orchestrator, err := phasesync.NewFromSettings(settings, config.GetDB, locker, logger)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "orchestrator"}).Fatal(err)
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil || (config.RedisConfigured() && config.GetRedisLock() == nil) {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	// Optional per-IP limit on the operator API and the webhook.
	// Env: RATE_LIMIT_ENABLED, RATE_LIMIT_MAX_REQUESTS (default 600), RATE_LIMIT_WINDOW_SECONDS (default 60).
	var limited []gin.HandlerFunc
	if config.EnvBool("RATE_LIMIT_ENABLED", false) {
		window := time.Duration(intFromEnv("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second
		limit := int64(intFromEnv("RATE_LIMIT_MAX_REQUESTS", 600))
		limited = append(limited, middlewares.NewRateLimiter(config.GetRedisDB, "phase-sync", limit, window, logger).Handler())
	}
	withLimit := func(h gin.HandlerFunc) []gin.HandlerFunc {
		return append(append([]gin.HandlerFunc{}, limited...), h)
	}

	// Operator API: portal JWT or Redis-backed session token.
	api := r.Group("/api/phase-sync", limited...)
	api.Use(middlewares.AuthMiddleware(), middlewares.SessionMiddleware(), middlewares.RequireAuthorized())
	api.POST("/run", phasesync.RunHandler(orchestrator))
	api.GET("/runs", phasesync.RunsHandler(orchestrator))
	api.GET("/runs/:id", phasesync.RunDetailHandler(orchestrator))
	api.GET("/runs/:id/export", phasesync.RunExportHandler(orchestrator))
	api.GET("/views", phasesync.ViewsHandler(orchestrator))
	api.POST("/properties/:externalId/sync", phasesync.PropertySyncHandler(orchestrator))
	api.POST("/properties/:externalId/reset", phasesync.ResetHandler(orchestrator))
	api.POST("/properties/:externalId/trigger", phasesync.TriggerHandler(orchestrator))

	// Source change notifications, authenticated by shared secret.
	r.POST("/webhooks/phase-sync", withLimit(phasesync.WebhookHandler(orchestrator))...)

	// Pub/Sub push endpoint for scheduled runs.
	var pushVerifier phasesync.PushVerifier
	if settings.PushAudience != "" {
		pushVerifier = phasesync.NewOIDCPushVerifier(settings.PushAudience, settings.PushServiceAccount)
	} else {
		logger.Warn("PUBSUB_PUSH_AUDIENCE not set; /pubsub/phase-sync refuses every push")
	}
	r.POST("/pubsub/phase-sync", withLimit(phasesync.PubSubPushHandler(orchestrator, pushVerifier))...)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	if config.RedisConfigured() {
		config.ConnectRedisWithRetry()
	}

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	select {
	case <-sigCtx.Done():
		// let an in-flight run finish its current view and release the lock
		orchestrator.Stop()
		drainCtx, cancelDrain := context.WithTimeout(context.Background(), time.Duration(intFromEnv("PHASE_SYNC_DRAIN_SECONDS", 60))*time.Second)
		if err := orchestrator.Wait(drainCtx); err != nil {
			logger.WithFields(logrus.Fields{"field": "shutdown"}).Warn("phase sync run still in progress at shutdown")
		}
		cancelDrain()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        latency.String(),
			"correlation_id": cid,
		}).Info("request")
	}
}

func intFromEnv(key string, def int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}
