package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string
	RedisAddr   string // optional; empty means in-process locks

	// Webhook ingress
	ServerPort     string
	WebhookBaseURL string // public base URL registered with providers

	// Google Calendar OAuth app
	GoogleClientID     string
	GoogleClientSecret string

	// Meeting-bot vendor API
	BotAPIBaseURL string
	BotAPIKey     string

	// Sweep cadence and budgets
	SweepInterval    time.Duration // how often the sweep ticker fires
	SweepDeadline    time.Duration // per-sweep context deadline
	RenewalInterval  time.Duration // channel-renewal ticker
	HealthInterval   time.Duration // health-check ticker
	WorkerPoolSize   int           // concurrent accounts per sweep
	ProviderBudget   int64         // global concurrent outbound provider calls
	RenewalThreshold time.Duration // renew channels expiring within this window

	// Adaptive polling bounds (minutes)
	MinPollInterval int
	MaxPollInterval int

	MaxRetries      int
	ShutdownTimeout int // seconds
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error in production)
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	googleClientID := os.Getenv("GOOGLE_CLIENT_ID")
	googleClientSecret := os.Getenv("GOOGLE_CLIENT_SECRET")
	if googleClientID == "" || googleClientSecret == "" {
		fmt.Println("Warning: GOOGLE_CLIENT_ID or GOOGLE_CLIENT_SECRET not set, calendar sync will not work")
	}

	botAPIKey := os.Getenv("BOT_API_KEY")
	if botAPIKey == "" {
		fmt.Println("Warning: BOT_API_KEY not set, meeting-bot sync will not work")
	}

	webhookBaseURL := os.Getenv("WEBHOOK_BASE_URL")
	if webhookBaseURL == "" {
		fmt.Println("Warning: WEBHOOK_BASE_URL not set, push channels cannot be created")
	}

	return &Config{
		DatabaseURL: dbURL,
		RedisAddr:   os.Getenv("REDIS_ADDR"),

		ServerPort:     getEnv("SERVER_PORT", "8080"),
		WebhookBaseURL: webhookBaseURL,

		GoogleClientID:     googleClientID,
		GoogleClientSecret: googleClientSecret,

		BotAPIBaseURL: getEnv("BOT_API_BASE_URL", "https://api.meetingbots.dev/v1"),
		BotAPIKey:     botAPIKey,

		SweepInterval:    getDuration("SWEEP_INTERVAL", time.Minute),
		SweepDeadline:    getDuration("SWEEP_DEADLINE", 5*time.Minute),
		RenewalInterval:  getDuration("RENEWAL_INTERVAL", 15*time.Minute),
		HealthInterval:   getDuration("HEALTH_INTERVAL", 10*time.Minute),
		WorkerPoolSize:   getInt("WORKER_POOL_SIZE", 10),
		ProviderBudget:   int64(getInt("PROVIDER_BUDGET", 20)),
		RenewalThreshold: getDuration("RENEWAL_THRESHOLD", time.Hour),

		MinPollInterval: getInt("MIN_POLL_INTERVAL_MINUTES", 5),
		MaxPollInterval: getInt("MAX_POLL_INTERVAL_MINUTES", 120),

		MaxRetries:      getInt("MAX_RETRIES", 3),
		ShutdownTimeout: getInt("SHUTDOWN_TIMEOUT", 30),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
