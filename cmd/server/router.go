package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/sirupsen/logrus"

	"github.com/smarttransit/ticketing-engine/internal/config"
	"github.com/smarttransit/ticketing-engine/internal/database"
	"github.com/smarttransit/ticketing-engine/internal/handlers"
	"github.com/smarttransit/ticketing-engine/internal/middleware"
	"github.com/smarttransit/ticketing-engine/pkg/jwt"
)

const queueMonitorPath = "/admin/queues"

type routerDeps struct {
	db           database.DB
	jwtService   *jwt.Service
	reservations *handlers.ReservationHandler
	payments     *handlers.PaymentHandler
	tickets      *handlers.TicketHandler
	trips        *handlers.TripHandler
	admin        *handlers.AdminHandler
	queueMonitor http.Handler
	logger       *logrus.Logger
}

func setupRouter(cfg *config.Config, d routerDeps) *gin.Engine {
	router := gin.New()

	// Middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(d.logger))

	// CORS configuration
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     cfg.CORS.AllowedMethods,
		AllowHeaders:     cfg.CORS.AllowedHeaders,
		ExposeHeaders:    []string{"Content-Length", "X-Request-ID"},
		AllowCredentials: !containsWildcard(cfg.CORS.AllowedOrigins),
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/health", healthCheckHandler(d.db))

	auth := middleware.AuthMiddleware(d.jwtService, d.logger)
	optionalAuth := middleware.OptionalAuth(d.jwtService, d.logger)
	staff := middleware.RequireRole(jwt.RoleCashier, jwt.RoleManager, jwt.RoleOwner, jwt.RoleAdmin)
	operators := middleware.RequireRole(jwt.RoleManager, jwt.RoleOwner, jwt.RoleAdmin)
	admins := middleware.RequireRole(jwt.RoleManager, jwt.RoleAdmin)

	router.GET("/ws/trips/:id", d.trips.Subscribe)

	v1 := router.Group("/api/v1")
	{
		reservations := v1.Group("/reservations")
		{
			reservations.POST("", optionalAuth, d.reservations.CreateReservation)
			reservations.GET("/:ref", optionalAuth, d.reservations.GetReservation)
			reservations.GET("/:ref/tickets", optionalAuth, d.reservations.ListTickets)
			reservations.POST("/:ref/cancel", auth, d.reservations.CancelReservation)
			reservations.POST("/:ref/confirm", auth, staff, d.reservations.ConfirmReservation)
		}

		v1.POST("/cash-sales", auth, staff, d.reservations.CreateCashSale)

		payments := v1.Group("/payments")
		{
			// public: authenticated by the callback signature
			payments.POST("/webhook", d.payments.PaymentWebhook)
			payments.GET("/:transaction_id/status", auth, d.payments.GetPaymentStatus)
		}

		tickets := v1.Group("/tickets")
		{
			tickets.POST("/validate", auth, staff, d.tickets.ValidateTicket)
			tickets.GET("/:number/pdf", optionalAuth, d.tickets.DownloadTicket)
		}

		trips := v1.Group("/trips")
		trips.Use(auth, operators)
		{
			trips.GET("/:id/inventory", d.trips.GetInventory)
			trips.POST("/:id/complete", d.trips.CompleteTrip)
		}

		admin := v1.Group("/admin")
		admin.Use(auth, admins)
		{
			admin.GET("/jobs/status", d.admin.GetJobStatus)
			admin.POST("/jobs/:job", d.admin.RunJob)
			admin.GET("/payments/:transaction_id/audit", d.payments.GetPaymentAudit)
		}
	}

	if d.queueMonitor != nil {
		router.Any(queueMonitorPath+"/*any", gin.WrapH(d.queueMonitor))
	}

	return router
}

// queueMonitor serves the asynq dashboard when Redis is configured. It is
// read-only outside development.
func queueMonitor(cfg *config.Config, redisOpt asynq.RedisClientOpt) http.Handler {
	if !cfg.Redis.Enabled() {
		return nil
	}
	return asynqmon.New(asynqmon.Options{
		RootPath:     queueMonitorPath,
		RedisConnOpt: redisOpt,
		ReadOnly:     cfg.IsProduction(),
	})
}

// healthCheckHandler returns a health check endpoint
func healthCheckHandler(db database.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"database": "unhealthy",
				"error":    err.Error(),
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"database":  "healthy",
			"version":   version,
			"timestamp": time.Now().Unix(),
		})
	}
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
