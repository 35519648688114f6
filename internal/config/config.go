package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	JWT         JWTConfig
	CORS        CORSConfig
	Redis       RedisConfig
	Payment     PaymentConfig
	Reservation ReservationConfig
	Ticket      TicketConfig
	Scheduler   SchedulerConfig
	Events      EventsConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port        string
	Environment string // development, staging, production
	LogLevel    string // debug, info, warn, error
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	URL                string
	Driver             string // "pgx" or "postgres" (lib/pq)
	MaxConnections     int
	MaxIdleConnections int
	ConnMaxLifetime    time.Duration
	RetryAttempts      int
	RetryBackoff       time.Duration
}

// JWTConfig holds JWT-related configuration
type JWTConfig struct {
	Secret             string
	RefreshSecret      string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
}

// CORSConfig holds CORS-related configuration
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// RedisConfig holds Redis connection settings. An empty Addr disables
// the Redis event sink, delayed expiry tasks and sweep locks.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether Redis-backed features should start
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// PaymentConfig holds payment gateway configuration
type PaymentConfig struct {
	Environment      string // "dev", "sandbox" or "production"
	BaseURL          string // overrides the environment URL when set
	MerchantKey      string
	MerchantToken    string // SECRET - never expose to client
	WebhookSecret    string // shared secret for callback signatures
	LogoURL          string
	ReturnURL        string
	WebhookURL       string
	Currency         string
	RequestTimeout   time.Duration
	MaxRetries       int
	BreakerThreshold int64
	PollAfter        time.Duration // pending payments older than this are verified with the gateway
}

// ReservationConfig holds seat hold settings
type ReservationConfig struct {
	HoldWindow         time.Duration
	MaxSeatsPerBooking int
	SweepBatchSize     int
}

// TicketConfig holds ticket signing settings
type TicketConfig struct {
	Secret       string
	NumberPrefix string
}

// SchedulerConfig holds the trip lifecycle offsets and cron specs
type SchedulerConfig struct {
	DepartingSoonWindow time.Duration
	BoardingLead        time.Duration
	TransitGrace        time.Duration
	CompletionGrace     time.Duration
	ExpirySpec          string
	LifecycleSpec       string
	FastPathSpec        string
	PaymentPollSpec     string
	TicketRepairSpec    string
	LockTTL             time.Duration
	ExpiryWorkers       int // asynq concurrency for per-reservation expiry tasks
}

// EventsConfig holds event fan-out settings
type EventsConfig struct {
	BufferSize   int
	RedisChannel string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (for local development)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	config := &Config{
		Server: ServerConfig{
			Port:        getEnv("PORT", "8080"),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
		Database: DatabaseConfig{
			URL:                getEnv("DATABASE_URL", ""),
			Driver:             getEnv("DATABASE_DRIVER", "pgx"),
			MaxConnections:     getEnvAsInt("DATABASE_MAX_CONNECTIONS", 10),
			MaxIdleConnections: getEnvAsInt("DATABASE_MAX_IDLE_CONNECTIONS", 5),
			ConnMaxLifetime:    time.Duration(getEnvAsInt("DATABASE_CONN_MAX_LIFETIME", 300)) * time.Second,
			RetryAttempts:      getEnvAsInt("DATABASE_RETRY_ATTEMPTS", 3),
			RetryBackoff:       getEnvAsDuration("DATABASE_RETRY_BACKOFF", 50*time.Millisecond),
		},
		JWT: JWTConfig{
			Secret:             getEnv("JWT_SECRET", ""),
			RefreshSecret:      getEnv("JWT_REFRESH_SECRET", ""),
			AccessTokenExpiry:  time.Duration(getEnvAsInt("JWT_ACCESS_TOKEN_EXPIRY", 3600)) * time.Second,
			RefreshTokenExpiry: time.Duration(getEnvAsInt("JWT_REFRESH_TOKEN_EXPIRY", 604800)) * time.Second,
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: getEnvAsSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
			AllowedHeaders: getEnvAsSlice("CORS_ALLOWED_HEADERS", []string{"Content-Type", "Authorization", "Idempotency-Key", "X-Request-ID"}),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Payment: PaymentConfig{
			Environment:      getEnv("PAYMENT_ENVIRONMENT", "sandbox"),
			BaseURL:          getEnv("PAYMENT_BASE_URL", ""),
			MerchantKey:      getEnv("PAYMENT_MERCHANT_KEY", ""),
			MerchantToken:    getEnv("PAYMENT_MERCHANT_TOKEN", ""),
			WebhookSecret:    getEnv("PAYMENT_WEBHOOK_SECRET", ""),
			LogoURL:          getEnv("PAYMENT_LOGO_URL", ""),
			ReturnURL:        getEnv("PAYMENT_RETURN_URL", ""),
			WebhookURL:       getEnv("PAYMENT_WEBHOOK_URL", ""),
			Currency:         getEnv("PAYMENT_CURRENCY", "LKR"),
			RequestTimeout:   getEnvAsDuration("PAYMENT_REQUEST_TIMEOUT", 15*time.Second),
			MaxRetries:       getEnvAsInt("PAYMENT_MAX_RETRIES", 2),
			BreakerThreshold: int64(getEnvAsInt("PAYMENT_BREAKER_THRESHOLD", 5)),
			PollAfter:        getEnvAsDuration("PAYMENT_POLL_AFTER", 5*time.Minute),
		},
		Reservation: ReservationConfig{
			HoldWindow:         getEnvAsDuration("RESERVATION_HOLD_WINDOW", 15*time.Minute),
			MaxSeatsPerBooking: getEnvAsInt("RESERVATION_MAX_SEATS", 2),
			SweepBatchSize:     getEnvAsInt("RESERVATION_SWEEP_BATCH", 100),
		},
		Ticket: TicketConfig{
			Secret:       getEnv("TICKET_SECRET", ""),
			NumberPrefix: getEnv("TICKET_NUMBER_PREFIX", "TKT"),
		},
		Scheduler: SchedulerConfig{
			DepartingSoonWindow: getEnvAsDuration("TRIP_DEPARTING_SOON_WINDOW", 40*time.Minute),
			BoardingLead:        getEnvAsDuration("TRIP_BOARDING_LEAD", 30*time.Minute),
			TransitGrace:        getEnvAsDuration("TRIP_TRANSIT_GRACE", 10*time.Minute),
			CompletionGrace:     getEnvAsDuration("TRIP_COMPLETION_GRACE", 30*time.Minute),
			ExpirySpec:          getEnv("CRON_EXPIRY_SPEC", "*/30 * * * * *"),
			LifecycleSpec:       getEnv("CRON_LIFECYCLE_SPEC", "0 * * * * *"),
			FastPathSpec:        getEnv("CRON_FAST_PATH_SPEC", "*/20 * * * * *"),
			PaymentPollSpec:     getEnv("CRON_PAYMENT_POLL_SPEC", "0 */2 * * * *"),
			TicketRepairSpec:    getEnv("CRON_TICKET_REPAIR_SPEC", "0 */5 * * * *"),
			LockTTL:             getEnvAsDuration("CRON_LOCK_TTL", 55*time.Second),
			ExpiryWorkers:       getEnvAsInt("EXPIRY_WORKER_CONCURRENCY", 5),
		},
		Events: EventsConfig{
			BufferSize:   getEnvAsInt("EVENTS_BUFFER_SIZE", 1024),
			RedisChannel: getEnv("EVENTS_REDIS_CHANNEL", "ticketing.events"),
		},
	}

	// Validate required configuration
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Database.Driver != "pgx" && c.Database.Driver != "postgres" {
		return fmt.Errorf("invalid DATABASE_DRIVER: %s (must be 'pgx' or 'postgres')", c.Database.Driver)
	}

	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if c.Ticket.Secret == "" {
		return fmt.Errorf("TICKET_SECRET is required")
	}

	if c.Payment.WebhookSecret == "" {
		return fmt.Errorf("PAYMENT_WEBHOOK_SECRET is required")
	}

	if c.Reservation.MaxSeatsPerBooking < 1 {
		return fmt.Errorf("RESERVATION_MAX_SEATS must be at least 1")
	}

	if c.Reservation.HoldWindow <= 0 {
		return fmt.Errorf("RESERVATION_HOLD_WINDOW must be positive")
	}

	if c.Payment.Environment == "production" && (c.Payment.MerchantKey == "" || c.Payment.MerchantToken == "") {
		return fmt.Errorf("PAYMENT_MERCHANT_KEY and PAYMENT_MERCHANT_TOKEN are required in production")
	}

	return nil
}

// Helper functions to get environment variables

func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Invalid integer value for %s, using default: %d", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		log.Printf("Invalid boolean value for %s, using default: %t", key, defaultValue)
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go duration strings ("15m", "250ms")
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		log.Printf("Invalid duration value for %s, using default: %s", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var result []string
	for _, v := range strings.Split(valueStr, ",") {
		trimmed := strings.TrimSpace(v)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}

// IsProduction reports whether the server runs in production mode
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production" || getEnvAsBool("FORCE_RELEASE_MODE", false)
}
