package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

type Config struct {
	// Server configuration
	Port        string
	Mode        string
	AdminAPIKey string

	// Database configuration
	DatabaseURL string

	// Redis configuration
	RedisURL   string
	JobLockTTL time.Duration

	// Scheduler configuration
	Timezone                string
	SchedulerEnabled        bool
	ReconciliationSchedule  string
	ExpirationSchedule      string
	MembershipSchedule      string
	EventMembershipSchedule string

	// Store validation
	ValidatorTimeout       time.Duration
	ValidatorRatePerSecond float64
	AppStoreSharedSecret   string
	GoogleServiceAccount   string // base64 encoded service account JSON
	GooglePackageName      string
	PlayNotificationToken  string
	NotificationReplayTTL  time.Duration

	// Notification channels
	FCMServiceAccount  string // base64 encoded service account JSON
	BrevoAPIKey        string
	BrevoFromEmail     string
	BrevoFromName      string
	WebhookCallbackURL string
	WebhookSecret      string

	// Entitlement policy
	DefaultPoint         int
	DefaultAIPoint       int
	RenewalPeriodDays    int
	EventID              int
	EventProductID       string
	EventDurationPeriods int

	// Logging
	LogLevel  string
	LogFormat string
}

var AppConfig *Config

func InitConfig() error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	AppConfig = cfg
	return nil
}

// Load reads the environment (and an optional .env file) into a validated Config.
func Load() (*Config, error) {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		// Ignore error if .env file doesn't exist
	}

	cfg := &Config{
		Port:                    getEnv("PORT", "8080"),
		Mode:                    getEnv("GIN_MODE", "release"),
		AdminAPIKey:             getEnv("ADMIN_API_KEY", ""),
		DatabaseURL:             getEnv("DATABASE_URL", ""),
		RedisURL:                getEnv("REDIS_URL", ""),
		JobLockTTL:              getEnvDuration("JOB_LOCK_TTL", 2*time.Hour),
		Timezone:                getEnv("TIMEZONE", "Asia/Seoul"),
		SchedulerEnabled:        getEnvBool("SCHEDULER_ENABLED", true),
		ReconciliationSchedule:  getEnv("RECONCILIATION_SCHEDULE", "0 0 * * *"),
		ExpirationSchedule:      getEnv("EXPIRATION_SCHEDULE", "0 0 * * *"),
		MembershipSchedule:      getEnv("MEMBERSHIP_SCHEDULE", "0 0 * * *"),
		EventMembershipSchedule: getEnv("EVENT_MEMBERSHIP_SCHEDULE", "0 0 * * *"),
		ValidatorTimeout:        getEnvDuration("VALIDATOR_TIMEOUT", 30*time.Second),
		ValidatorRatePerSecond:  getEnvFloat("VALIDATOR_RATE_PER_SECOND", 5),
		AppStoreSharedSecret:    getEnv("APPSTORE_SHARED_SECRET", ""),
		GoogleServiceAccount:    getEnv("GOOGLE_SERVICE_ACCOUNT_JSON", ""),
		GooglePackageName:       getEnv("GOOGLE_PACKAGE_NAME", ""),
		PlayNotificationToken:   getEnv("PLAY_NOTIFICATION_TOKEN", ""),
		NotificationReplayTTL:   getEnvDuration("NOTIFICATION_REPLAY_TTL", 72*time.Hour),
		FCMServiceAccount:       getEnv("FCM_SERVICE_ACCOUNT_JSON", ""),
		BrevoAPIKey:             getEnv("BREVO_API_KEY", ""),
		BrevoFromEmail:          getEnv("BREVO_FROM_EMAIL", ""),
		BrevoFromName:           getEnv("BREVO_FROM_NAME", "Membership"),
		WebhookCallbackURL:      getEnv("WEBHOOK_CALLBACK_URL", ""),
		WebhookSecret:           getEnv("WEBHOOK_SECRET", ""),
		DefaultPoint:            getEnvInt("DEFAULT_POINT", 0),
		DefaultAIPoint:          getEnvInt("DEFAULT_AI_POINT", 15),
		RenewalPeriodDays:       getEnvInt("RENEWAL_PERIOD_DAYS", 30),
		EventID:                 getEnvInt("EVENT_ID", 1),
		EventProductID:          getEnv("EVENT_PRODUCT_ID", "membership_event_plus"),
		EventDurationPeriods:    getEnvInt("EVENT_DURATION_PERIODS", 6),
		LogLevel:                getEnv("LOG_LEVEL", "info"),
		LogFormat:               getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later at scheduler start.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedules := map[string]string{
		"RECONCILIATION_SCHEDULE":   c.ReconciliationSchedule,
		"EXPIRATION_SCHEDULE":       c.ExpirationSchedule,
		"MEMBERSHIP_SCHEDULE":       c.MembershipSchedule,
		"EVENT_MEMBERSHIP_SCHEDULE": c.EventMembershipSchedule,
	}
	for key, spec := range schedules {
		if _, err := parser.Parse(spec); err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, spec, err)
		}
	}

	if c.DefaultPoint < 0 || c.DefaultAIPoint < 0 {
		return fmt.Errorf("DEFAULT_POINT and DEFAULT_AI_POINT must not be negative")
	}
	if c.RenewalPeriodDays <= 0 {
		return fmt.Errorf("RENEWAL_PERIOD_DAYS must be positive, got %d", c.RenewalPeriodDays)
	}
	if c.EventDurationPeriods <= 0 {
		return fmt.Errorf("EVENT_DURATION_PERIODS must be positive, got %d", c.EventDurationPeriods)
	}
	if c.ValidatorTimeout <= 0 {
		return fmt.Errorf("VALIDATOR_TIMEOUT must be positive")
	}
	return nil
}

// Location returns the timezone daily schedules and day boundaries run in.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
