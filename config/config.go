package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server configuration
	Port        string
	Environment string

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// Admission token configuration
	TokenSecret string
	TokenTTL    time.Duration

	// Serving counter advancement
	ReleaseBatchSize int
	AdvanceSubCycles int
	SubCycleInterval time.Duration
	PositionTTL      time.Duration

	// HTTP configuration
	AllowedOrigin  string
	WaitingRoomURL string
	SecureCookies  bool

	// Edge filter path classification
	ProtectedPrefixes []string
	BypassedPrefixes  []string

	// Ticketing backend
	BackendBaseURL     string
	InternalAuthSecret string
	BackendTimeout     time.Duration

	// Work dispatch stream
	DispatchStream      string
	DispatchGroup       string
	DispatchConsumer    string
	DispatchBatchSize   int
	DispatchBlock       time.Duration
	DispatchReclaimIdle time.Duration

	// Monitoring
	EnableMetrics bool
}

func LoadConfig() *Config {
	return &Config{
		// Server
		Port:        getEnv("PORT", "8090"),
		Environment: getEnv("ENVIRONMENT", "development"),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// Tokens
		TokenSecret: getEnv("TOKEN_SECRET", ""),
		TokenTTL:    getEnvAsDuration("TOKEN_TTL", "10m"),

		// Advancement
		ReleaseBatchSize: getEnvAsInt("RELEASE_BATCH_SIZE", 100),
		AdvanceSubCycles: getEnvAsInt("ADVANCE_SUB_CYCLES", 6),
		SubCycleInterval: getEnvAsDuration("SUB_CYCLE_INTERVAL", "10s"),
		PositionTTL:      getEnvAsDuration("POSITION_TTL", "24h"),

		// HTTP
		AllowedOrigin:  getEnv("ALLOWED_ORIGIN", ""),
		WaitingRoomURL: getEnv("WAITING_ROOM_URL", "/queue"),
		SecureCookies:  getEnvAsBool("SECURE_COOKIES", false),

		// Edge filter
		ProtectedPrefixes: getEnvAsSlice("PROTECTED_PREFIXES", "/reservations,/tickets,/seats,/admin"),
		BypassedPrefixes:  getEnvAsSlice("BYPASSED_PREFIXES", "/queue,/auth,/events,/stats,/health"),

		// Backend
		BackendBaseURL:     getEnv("BACKEND_BASE_URL", ""),
		InternalAuthSecret: getEnv("INTERNAL_AUTH_SECRET", ""),
		BackendTimeout:     getEnvAsDuration("BACKEND_TIMEOUT", "10s"),

		// Dispatch
		DispatchStream:      getEnv("DISPATCH_STREAM", "vwr:dispatch"),
		DispatchGroup:       getEnv("DISPATCH_GROUP", "vwr-dispatch"),
		DispatchConsumer:    getEnv("DISPATCH_CONSUMER", "dispatch-1"),
		DispatchBatchSize:   getEnvAsInt("DISPATCH_BATCH_SIZE", 10),
		DispatchBlock:       getEnvAsDuration("DISPATCH_BLOCK", "5s"),
		DispatchReclaimIdle: getEnvAsDuration("DISPATCH_RECLAIM_IDLE", "1m"),

		// Monitoring
		EnableMetrics: getEnvAsBool("ENABLE_METRICS", true),
	}
}

// Validate reports missing required settings. The process must refuse to
// serve traffic without them rather than run insecurely.
func (c *Config) Validate() error {
	var missing []string

	if c.TokenSecret == "" {
		missing = append(missing, "TOKEN_SECRET")
	}
	if c.AllowedOrigin == "" {
		missing = append(missing, "ALLOWED_ORIGIN")
	}
	if c.BackendBaseURL == "" {
		missing = append(missing, "BACKEND_BASE_URL")
	}
	if c.InternalAuthSecret == "" {
		missing = append(missing, "INTERNAL_AUTH_SECRET")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.ReleaseBatchSize <= 0 {
		return fmt.Errorf("RELEASE_BATCH_SIZE must be positive, got %d", c.ReleaseBatchSize)
	}
	if c.AdvanceSubCycles <= 0 {
		return fmt.Errorf("ADVANCE_SUB_CYCLES must be positive, got %d", c.AdvanceSubCycles)
	}

	return nil
}

// ReleaseRatePerSecond derives the admission rate from the configured batch
// size and cadence, so wait estimates track the actual advancer settings.
func (c *Config) ReleaseRatePerSecond() float64 {
	cycle := c.SubCycleInterval.Seconds()
	if cycle <= 0 {
		cycle = 10
	}
	return float64(c.ReleaseBatchSize) / cycle
}

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

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	// If parsing fails, try to parse default value
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}

func getEnvAsSlice(key string, defaultValue string) []string {
	valueStr := getEnv(key, defaultValue)
	parts := strings.Split(valueStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
