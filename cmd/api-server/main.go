package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sportsedge/integrity-engine/configs"
	"github.com/sportsedge/integrity-engine/internal/actions"
	"github.com/sportsedge/integrity-engine/internal/analytics"
	"github.com/sportsedge/integrity-engine/internal/auth"
	"github.com/sportsedge/integrity-engine/internal/lifecycle"
	"github.com/sportsedge/integrity-engine/internal/models"
	"github.com/sportsedge/integrity-engine/internal/queue"
	"github.com/sportsedge/integrity-engine/internal/repositories"
	"github.com/sportsedge/integrity-engine/internal/services"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	// Load configuration
	cfg := configs.Load()

	// Setup logging
	setupLogging(cfg.Server.Environment)

	log.Info().
		Str("environment", cfg.Server.Environment).
		Str("port", cfg.Server.Port).
		Msg("Starting Integrity Engine API Server")

	// Initialize database
	db, err := repositories.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	// Initialize Redis
	streamClient, err := queue.NewAlertStreamClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis Stream")
	}
	defer streamClient.Close()

	cacheClient, err := queue.NewCacheClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis Cache")
	}
	defer cacheClient.Close()

	// Initialize repositories
	alertRepo := repositories.NewAlertRepository(db)
	auditRepo := repositories.NewAuditRepository(db)
	adminRepo := repositories.NewAdminRepository(db)

	// Initialize services
	jwtManager := auth.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Expiration, cfg.JWT.RefreshExpiration)
	authService := services.NewAuthService(adminRepo, jwtManager, cfg.JWT)

	controller := lifecycle.NewController(alertRepo, cfg.Store)
	accountClient := actions.NewAccountServiceClient(cfg.AccountService)
	executor := actions.NewExecutor(alertRepo, accountClient, controller, cfg.AccountService, cfg.Store)

	analyticsService := analytics.NewService(alertRepo, auditRepo, db, cacheClient, streamClient, cfg.Redis)
	alertService := services.NewAlertService(alertRepo, auditRepo, controller, executor, streamClient, analyticsService)

	// Setup Gin router
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(loggingMiddleware())
	router.Use(corsMiddleware())

	// Rate limiting: 100 requests per minute per IP
	rateLimiter := NewRateLimiter(100, time.Minute)
	router.Use(rateLimitMiddleware(rateLimiter))

	// Setup routes
	setupRoutes(router, jwtManager, authService, alertService, analyticsService, db, streamClient)

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

func setupLogging(env string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func setupRoutes(
	router *gin.Engine,
	jwtManager *auth.JWTManager,
	authService *services.AuthService,
	alertService *services.AlertService,
	analyticsService *analytics.Service,
	db *repositories.Database,
	streamClient *queue.AlertStreamClient,
) {
	// Health check
	router.GET("/health", healthHandler(db, streamClient))

	// Prometheus metrics
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 routes
	v1 := router.Group("/api/v1")

	// Auth routes (public)
	authRoutes := v1.Group("/auth")
	{
		authRoutes.POST("/register", registerHandler(authService))
		authRoutes.POST("/login", loginHandler(authService))
		authRoutes.POST("/refresh", refreshTokenHandler(authService))
		authRoutes.GET("/me", auth.AuthMiddleware(jwtManager), meHandler(authService))
	}

	// Protected routes
	protected := v1.Group("")
	protected.Use(auth.AuthMiddleware(jwtManager))

	// Alert read routes (any authenticated role)
	alertRoutes := protected.Group("/alerts")
	{
		alertRoutes.GET("", listAlertsHandler(alertService))
		alertRoutes.GET("/:id", getAlertHandler(alertService))
		alertRoutes.GET("/:id/audit", getAlertAuditHandler(alertService))
	}

	// Alert write routes (admins only)
	alertAdminRoutes := protected.Group("/alerts")
	alertAdminRoutes.Use(auth.RoleMiddleware(models.RoleAdmin))
	{
		alertAdminRoutes.POST("", createAlertHandler(alertService))
		alertAdminRoutes.PUT("/:id/status", updateAlertStatusHandler(alertService))
		alertAdminRoutes.POST("/:id/actions", takeActionHandler(alertService))
		alertAdminRoutes.POST("/:id/reopen", reopenAlertHandler(alertService))
	}

	// Analytics routes
	analyticsRoutes := protected.Group("/analytics")
	{
		analyticsRoutes.GET("/summary", getAlertSummaryHandler(analyticsService))
		analyticsRoutes.GET("/patterns", getPatternBreakdownHandler(analyticsService))
		analyticsRoutes.GET("/activity", getRecentActivityHandler(analyticsService))
	}

	// System metrics routes (admin and analyst)
	metricsRoutes := protected.Group("/metrics")
	metricsRoutes.Use(auth.RoleMiddleware(models.RoleAdmin, models.RoleAnalyst))
	{
		metricsRoutes.GET("/system", getSystemMetricsHandler(analyticsService))
	}
}

// Middleware

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = fmt.Sprintf("%d", time.Now().UnixNano())
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("latency", latency).
			Str("request_id", c.GetString("request_id")).
			Str("client_ip", c.ClientIP()).
			Msg("Request completed")
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Request-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RateLimiter implements a simple in-memory rate limiter using token bucket algorithm
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     int           // requests per window
	window   time.Duration // time window
}

type visitor struct {
	tokens   int
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		window:   window,
	}
	// Clean up old visitors periodically
	go rl.cleanup()
	return rl
}

func (rl *RateLimiter) cleanup() {
	for {
		time.Sleep(time.Minute)
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastSeen) > rl.window*2 {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[ip]
	now := time.Now()

	if !exists {
		rl.visitors[ip] = &visitor{tokens: rl.rate - 1, lastSeen: now}
		return true
	}

	// Refill tokens based on time elapsed
	elapsed := now.Sub(v.lastSeen)
	refill := int(elapsed / (rl.window / time.Duration(rl.rate)))
	v.tokens += refill
	if v.tokens > rl.rate {
		v.tokens = rl.rate
	}
	v.lastSeen = now

	if v.tokens > 0 {
		v.tokens--
		return true
	}

	return false
}

func rateLimitMiddleware(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !limiter.Allow(ip) {
			c.Header("Retry-After", "60")
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": 60,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// Handlers

func healthHandler(db *repositories.Database, streamClient *queue.AlertStreamClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := "healthy"
		httpStatus := http.StatusOK
		components := gin.H{"database": "up", "redis": "up"}

		if err := db.HealthCheck(ctx); err != nil {
			components["database"] = "down"
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
		}
		if err := streamClient.Ping(ctx); err != nil {
			components["redis"] = "down"
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
		}

		c.JSON(httpStatus, gin.H{
			"status":     status,
			"components": components,
			"timestamp":  time.Now().Format(time.RFC3339),
		})
	}
}

func registerHandler(authService *services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req services.RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		resp, err := authService.Register(c.Request.Context(), &req)
		if err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, auth.ErrPasswordTooShort),
				errors.Is(err, auth.ErrPasswordTooWeak),
				errors.Is(err, services.ErrInvalidRole),
				errors.Is(err, repositories.ErrAdminAlreadyExists):
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusCreated, resp)
	}
}

func loginHandler(authService *services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req services.LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		resp, err := authService.Login(c.Request.Context(), &req)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, services.ErrInvalidCredentials) {
				status = http.StatusUnauthorized
			} else if errors.Is(err, services.ErrAccountDisabled) {
				status = http.StatusForbidden
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

func refreshTokenHandler(authService *services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req services.RefreshRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		resp, err := authService.RefreshToken(c.Request.Context(), &req)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

func meHandler(authService *services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		adminID, ok := auth.GetAdminIDFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		resp, err := authService.GetAdmin(c.Request.Context(), adminID)
		if err != nil {
			if errors.Is(err, repositories.ErrAdminNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "admin not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

func createAlertHandler(alertService *services.AlertService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req services.CreateAlertRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		adminID, adminName := adminIdentity(c)
		alert, err := alertService.CreateAlert(c.Request.Context(), &req, adminID, adminName)
		if err != nil {
			respondAlertError(c, err)
			return
		}

		c.JSON(http.StatusCreated, alert)
	}
}

func listAlertsHandler(alertService *services.AlertService) gin.HandlerFunc {
	return func(c *gin.Context) {
		query := &services.ListAlertsQuery{
			Status:      c.Query("status"),
			Severity:    c.Query("severity"),
			PatternType: c.Query("pattern_type"),
			UserID:      c.Query("user_id"),
			Page:        getIntParam(c, "page", 1),
			PageSize:    getIntParam(c, "page_size", 20),
		}

		resp, err := alertService.ListAlerts(c.Request.Context(), query)
		if err != nil {
			respondAlertError(c, err)
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

func getAlertHandler(alertService *services.AlertService) gin.HandlerFunc {
	return func(c *gin.Context) {
		alertID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid alert id"})
			return
		}

		alert, err := alertService.GetAlert(c.Request.Context(), alertID)
		if err != nil {
			respondAlertError(c, err)
			return
		}

		c.JSON(http.StatusOK, alert)
	}
}

func getAlertAuditHandler(alertService *services.AlertService) gin.HandlerFunc {
	return func(c *gin.Context) {
		alertID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid alert id"})
			return
		}

		entries, err := alertService.GetAuditTrail(c.Request.Context(), alertID)
		if err != nil {
			respondAlertError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"alert_id": alertID,
			"entries":  entries,
		})
	}
}

func updateAlertStatusHandler(alertService *services.AlertService) gin.HandlerFunc {
	return func(c *gin.Context) {
		alertID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid alert id"})
			return
		}

		var req services.UpdateStatusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		adminID, adminName := adminIdentity(c)
		alert, err := alertService.UpdateStatus(c.Request.Context(), alertID, &req, adminID, adminName)
		if err != nil {
			respondAlertError(c, err)
			return
		}

		c.JSON(http.StatusOK, alert)
	}
}

func takeActionHandler(alertService *services.AlertService) gin.HandlerFunc {
	return func(c *gin.Context) {
		alertID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid alert id"})
			return
		}

		var req services.TakeActionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		adminID, adminName := adminIdentity(c)
		alert, record, err := alertService.TakeAction(c.Request.Context(), alertID, &req, adminID, adminName)
		if err != nil {
			respondAlertError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"alert":  alert,
			"action": record,
		})
	}
}

func reopenAlertHandler(alertService *services.AlertService) gin.HandlerFunc {
	return func(c *gin.Context) {
		alertID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid alert id"})
			return
		}

		// Body is optional; only notes can be supplied
		var req services.ReopenAlertRequest
		if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		adminID, adminName := adminIdentity(c)
		alert, err := alertService.ReopenAlert(c.Request.Context(), alertID, &req, adminID, adminName)
		if err != nil {
			respondAlertError(c, err)
			return
		}

		c.JSON(http.StatusOK, alert)
	}
}

func getAlertSummaryHandler(analyticsService *analytics.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := analyticsService.GetAlertSummary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, summary)
	}
}

func getPatternBreakdownHandler(analyticsService *analytics.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		days := getIntParam(c, "days", 30)

		patterns, err := analyticsService.GetPatternBreakdown(c.Request.Context(), days)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"patterns": patterns})
	}
}

func getRecentActivityHandler(analyticsService *analytics.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := getIntParam(c, "limit", 50)

		entries, err := analyticsService.GetRecentActivity(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"entries": entries})
	}
}

func getSystemMetricsHandler(analyticsService *analytics.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		metrics, err := analyticsService.GetSystemMetrics(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, metrics)
	}
}

// Helper functions

// respondAlertError maps alert domain errors onto HTTP statuses. The order
// matters: a partial failure can wrap a version conflict and must win.
func respondAlertError(c *gin.Context, err error) {
	var partialErr *actions.PartialFailureError
	var validationErr *services.ValidationError
	var transitionErr *lifecycle.InvalidTransitionError
	var dispatchErr *actions.ActionDispatchError

	switch {
	case errors.As(err, &partialErr):
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":           "action applied but not fully recorded",
			"code":            "PARTIAL_FAILURE",
			"alert_id":        partialErr.AlertID,
			"status":          partialErr.Status,
			"action":          partialErr.Action,
			"idempotency_key": partialErr.IdempotencyKey,
			"retryable":       true,
		})
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": validationErr.Error(),
			"code":  "VALIDATION",
		})
	case errors.As(err, &transitionErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error": transitionErr.Error(),
			"code":  "INVALID_TRANSITION",
			"from":  transitionErr.From,
			"to":    transitionErr.To,
		})
	case errors.As(err, &dispatchErr):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":     dispatchErr.Error(),
			"code":      "ACTION_DISPATCH_FAILED",
			"retryable": dispatchErr.Retryable,
		})
	case errors.Is(err, repositories.ErrAlertNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "alert not found",
			"code":  "NOT_FOUND",
		})
	case errors.Is(err, repositories.ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":     "alert was modified concurrently, retry with fresh state",
			"code":      "CONFLICT",
			"retryable": true,
		})
	case errors.Is(err, repositories.ErrDuplicateAlert):
		c.JSON(http.StatusConflict, gin.H{
			"error": "an alert already exists for this source event",
			"code":  "DUPLICATE",
		})
	case errors.Is(err, actions.ErrAlertResolved):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error": "alert is already resolved",
			"code":  "ALERT_RESOLVED",
		})
	default:
		log.Error().Err(err).Str("request_id", c.GetString("request_id")).Msg("Unhandled alert error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func adminIdentity(c *gin.Context) (string, string) {
	adminID, ok := auth.GetAdminIDFromContext(c)
	if !ok {
		return "", ""
	}
	adminName, _ := auth.GetAdminNameFromContext(c)
	return adminID.String(), adminName
}

func getIntParam(c *gin.Context, key string, defaultValue int) int {
	if val := c.Query(key); val != "" {
		var result int
		if _, err := fmt.Sscanf(val, "%d", &result); err == nil && result > 0 {
			return result
		}
	}
	return defaultValue
}
