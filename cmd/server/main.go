package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	playground "github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/smarttransit/ticketing-engine/internal/config"
	"github.com/smarttransit/ticketing-engine/internal/database"
	"github.com/smarttransit/ticketing-engine/internal/events"
	"github.com/smarttransit/ticketing-engine/internal/handlers"
	"github.com/smarttransit/ticketing-engine/internal/models"
	"github.com/smarttransit/ticketing-engine/internal/services"
	"github.com/smarttransit/ticketing-engine/pkg/jwt"
	"github.com/smarttransit/ticketing-engine/pkg/validator"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	logger.Info("Starting SmartTransit Ticketing Engine")
	logger.Infof("Version: %s, Build Time: %s", version, buildTime)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	logLevel, err := logrus.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		logger.Warn("Invalid log level, using INFO")
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// custom binding rules for seat lists and phone numbers
	if v, ok := binding.Validator.Engine().(*playground.Validate); ok {
		if err := validator.RegisterRules(v); err != nil {
			logger.Fatalf("Failed to register validation rules: %v", err)
		}
	}

	// Initialize database connection
	logger.Info("Connecting to database...")
	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Database connection established")

	retrier := database.NewRetrier(cfg.Database.RetryAttempts, cfg.Database.RetryBackoff, logger)
	tripRepo := database.NewTripRepository(db.DB, retrier)
	reservationRepo := database.NewReservationRepository(db.DB, retrier)
	paymentRepo := database.NewPaymentRepository(db.DB)
	ticketRepo := database.NewTicketRepository(db.DB, retrier)
	auditRepo := database.NewPaymentAuditRepository(db.DB, logger)

	// Optional Redis: event fan-out, delayed expiry tasks and sweep locks
	var (
		redisClient *redis.Client
		redisOpt    asynq.RedisClientOpt
		expiry      services.ExpiryScheduler = services.SweepOnlyExpiry{}
		jobLock     services.JobLock         = services.NewLocalJobLock()
		expiryQueue *services.ExpiryQueue
	)
	sinks := []events.Sink{events.NewLogSink(logger)}

	if cfg.Redis.Enabled() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logger.Fatalf("Failed to connect to redis: %v", err)
		}
		cancel()
		defer redisClient.Close()

		redisOpt = asynq.RedisClientOpt{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}
		expiryQueue = services.NewExpiryQueue(redisOpt, logger)
		defer expiryQueue.Close()
		expiry = expiryQueue
		jobLock = services.NewRedisJobLock(redisClient, cfg.Scheduler.LockTTL)
		sinks = append(sinks, events.NewRedisSink(redisClient, cfg.Events.RedisChannel))
		logger.Info("✓ Redis features enabled (events, expiry tasks, job locks)")
	} else {
		logger.Warn("REDIS_ADDR not set: holds expire on the sweep only, job locks are process local")
	}

	hub := events.NewHub(cfg.CORS.AllowedOrigins, logger)
	sinks = append(sinks, hub)
	dispatcher := events.NewDispatcher(cfg.Events.BufferSize, logger, sinks...)
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	dispatchDone := make(chan struct{})
	go func() {
		dispatcher.Run(dispatchCtx)
		close(dispatchDone)
	}()

	// Initialize services
	logger.Info("Initializing services...")
	jwtService := jwt.NewService(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry)
	gateway := services.NewPaymentGatewayService(&cfg.Payment, auditRepo, logger)
	if !gateway.IsConfigured() {
		logger.Warn("Payment gateway credentials not set: payment links are placeholders")
	}

	ticketService := services.NewTicketService(ticketRepo, reservationRepo, tripRepo, cfg.Ticket.Secret, cfg.Ticket.NumberPrefix, dispatcher, logger)
	reservationService := services.NewReservationService(
		&cfg.Reservation,
		cfg.Payment.Currency,
		tripRepo,
		reservationRepo,
		paymentRepo,
		gateway,
		ticketService,
		expiry,
		dispatcher,
		logger,
	)
	reconciliationService := services.NewReconciliationService(gateway, paymentRepo, reservationService, auditRepo, cfg.Payment.PollAfter, cfg.Reservation.SweepBatchSize, logger)
	timing := models.LifecycleTiming{
		DepartingSoonWindow: cfg.Scheduler.DepartingSoonWindow,
		BoardingLead:        cfg.Scheduler.BoardingLead,
		TransitGrace:        cfg.Scheduler.TransitGrace,
		CompletionGrace:     cfg.Scheduler.CompletionGrace,
	}
	lifecycleService := services.NewTripLifecycleService(tripRepo, reservationRepo, timing, cfg.Reservation.SweepBatchSize, dispatcher, logger)

	// Initialize and start background jobs
	cronService := services.NewCronService(&cfg.Scheduler, reservationService, lifecycleService, reconciliationService, ticketService, jobLock, logger)
	if err := cronService.Start(); err != nil {
		logger.Fatalf("Failed to start cron service: %v", err)
	}

	var expiryWorker *services.ExpiryWorker
	if cfg.Redis.Enabled() {
		expiryWorker = services.NewExpiryWorker(redisOpt, cfg.Scheduler.ExpiryWorkers, reservationService, logger)
		if err := expiryWorker.Start(); err != nil {
			logger.Fatalf("Failed to start expiry worker: %v", err)
		}
		logger.Info("✓ Expiry worker started")
	}

	router := setupRouter(cfg, routerDeps{
		db:           db,
		jwtService:   jwtService,
		reservations: handlers.NewReservationHandler(reservationService, ticketService, logger),
		payments:     handlers.NewPaymentHandler(reconciliationService, logger),
		tickets:      handlers.NewTicketHandler(ticketService, logger),
		trips:        handlers.NewTripHandler(reservationService, lifecycleService, hub, logger),
		admin:        handlers.NewAdminHandler(cronService, dispatcher, logger),
		queueMonitor: queueMonitor(cfg, redisOpt),
		logger:       logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Infof("Server starting on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}

	cronService.Stop()
	if expiryWorker != nil {
		expiryWorker.Shutdown()
	}

	// deliver what is buffered before the sinks go away
	dispatcher.Close()
	stopDispatch()
	<-dispatchDone

	logger.Info("Server exited")
}
