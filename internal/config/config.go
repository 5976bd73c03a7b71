package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/maneesh/sharebox/internal/models"
)

const (
	BackendTiDB   = "tidb"
	BackendMemory = "memory"
)

// PlanSpec describes what a plan grants and what it costs.
type PlanSpec struct {
	Credits     int64
	PriceLabel  string
	Purchasable bool
}

// Config holds all application configuration
type Config struct {
	// Service configuration
	ServicePort    string
	ServiceName    string
	ServiceVersion string
	Environment    string
	Backend        string
	PublicBaseURL  string

	// Logging
	LogLevel  string
	LogFormat string

	// Upload and credit policy
	MaxUploadBytes int64
	StartingCredit int64
	Plans          map[models.Plan]PlanSpec
	OrderTTL       time.Duration

	// Identity. PaymentsSecret signs the payment collaborator's service
	// tokens; order confirmation is disabled while it is empty.
	JWTSecret      string
	PaymentsSecret string

	// MinIO configuration
	MinIOEndpoint      string
	MinIOAccessKey     string
	MinIOSecretKey     string
	MinIOBucketName    string
	MinIOUseSSL        bool
	MinIOPublicBaseURL string

	// TiDB configuration
	TiDBHost     string
	TiDBPort     string
	TiDBUser     string
	TiDBPassword string
	TiDBDatabase string

	// Redis configuration
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Public share endpoint rate limit, per client IP
	PublicRateLimit float64
	PublicBurst     int

	// Orphan reconciliation
	ReconcileInterval time.Duration
	ReconcileBatch    int

	// Tracing configuration
	OTLPEndpoint  string
	TraceSampling float64
}

// LoadConfig loads configuration from a .env file (if present) and environment
// variables, falling back to defaults.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	config := &Config{
		ServicePort:    getEnv("SERVICE_PORT", "8080"),
		ServiceName:    getEnv("SERVICE_NAME", "sharebox"),
		ServiceVersion: getEnv("SERVICE_VERSION", "1.0.0"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		Backend:        strings.ToLower(getEnv("BACKEND", BackendTiDB)),
		PublicBaseURL:  strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:5173"), "/"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		MaxUploadBytes: getEnvAsInt64("MAX_UPLOAD_BYTES", 50*1024*1024),
		StartingCredit: getEnvAsInt64("STARTING_CREDITS", 7),
		OrderTTL:       getEnvAsDuration("ORDER_TTL", 15*time.Minute),
		Plans: map[models.Plan]PlanSpec{
			models.PlanBasic: {
				Credits:    getEnvAsInt64("PLAN_BASIC_CREDITS", 7),
				PriceLabel: getEnv("PLAN_BASIC_PRICE", "Free"),
			},
			models.PlanPremium: {
				Credits:     getEnvAsInt64("PLAN_PREMIUM_CREDITS", 500),
				PriceLabel:  getEnv("PLAN_PREMIUM_PRICE", "₹499"),
				Purchasable: true,
			},
			models.PlanUltra: {
				Credits:     getEnvAsInt64("PLAN_ULTRA_CREDITS", 6000),
				PriceLabel:  getEnv("PLAN_ULTRA_PRICE", "₹1,999"),
				Purchasable: true,
			},
		},

		JWTSecret:      getEnv("JWT_SECRET", ""),
		PaymentsSecret: getEnv("PAYMENTS_SECRET", ""),

		MinIOEndpoint:      getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinIOAccessKey:     getEnv("MINIO_ACCESS_KEY", "minioadmin"),
		MinIOSecretKey:     getEnv("MINIO_SECRET_KEY", "minioadmin"),
		MinIOBucketName:    getEnv("MINIO_BUCKET_NAME", "sharebox"),
		MinIOUseSSL:        getEnvAsBool("MINIO_USE_SSL", false),
		MinIOPublicBaseURL: strings.TrimRight(getEnv("MINIO_PUBLIC_BASE_URL", "http://localhost:9000"), "/"),

		TiDBHost:     getEnv("TIDB_HOST", "localhost"),
		TiDBPort:     getEnv("TIDB_PORT", "4000"),
		TiDBUser:     getEnv("TIDB_USER", "root"),
		TiDBPassword: getEnv("TIDB_PASSWORD", ""),
		TiDBDatabase: getEnv("TIDB_DATABASE", "sharebox"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		PublicRateLimit: getEnvAsFloat("PUBLIC_RATE_LIMIT", 5),
		PublicBurst:     getEnvAsInt("PUBLIC_RATE_BURST", 20),

		ReconcileInterval: getEnvAsDuration("RECONCILE_INTERVAL", 5*time.Minute),
		ReconcileBatch:    getEnvAsInt("RECONCILE_BATCH", 100),

		OTLPEndpoint:  getEnv("OTLP_ENDPOINT", "localhost:4318"),
		TraceSampling: getEnvAsFloat("TRACE_SAMPLING", 1.0),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", c.MaxUploadBytes))
	}
	if c.StartingCredit < 0 {
		errs = append(errs, fmt.Errorf("STARTING_CREDITS must not be negative, got %d", c.StartingCredit))
	}
	for plan, spec := range c.Plans {
		if spec.Purchasable && spec.Credits <= 0 {
			errs = append(errs, fmt.Errorf("plan %s must grant a positive number of credits", plan))
		}
	}
	if c.Backend != BackendTiDB && c.Backend != BackendMemory {
		errs = append(errs, fmt.Errorf("BACKEND must be %q or %q, got %q", BackendTiDB, BackendMemory, c.Backend))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.PaymentsSecret != "" && c.PaymentsSecret == c.JWTSecret {
		errs = append(errs, errors.New("PAYMENTS_SECRET must differ from JWT_SECRET"))
	}
	if c.PublicRateLimit <= 0 || c.PublicBurst <= 0 {
		errs = append(errs, errors.New("PUBLIC_RATE_LIMIT and PUBLIC_RATE_BURST must be positive"))
	}
	if c.TraceSampling < 0 || c.TraceSampling > 1 {
		errs = append(errs, fmt.Errorf("TRACE_SAMPLING must be within [0,1], got %v", c.TraceSampling))
	}
	return errors.Join(errs...)
}

// GetDSN returns the TiDB connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.TiDBUser,
		c.TiDBPassword,
		c.TiDBHost,
		c.TiDBPort,
		c.TiDBDatabase,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
