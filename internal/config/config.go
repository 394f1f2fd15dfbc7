package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the governance engine.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Governance GovernanceConfig
	Throttle   ThrottleConfig
	Anomaly    AnomalyConfig
	Alerts     AlertsConfig
	Monitoring MonitoringConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// GovernanceConfig holds accounting, budget and breaker tunables.
type GovernanceConfig struct {
	// HardMultiplier derives the hard limit from a budget's soft limit
	// when the budget does not set its own multiplier.
	HardMultiplier float64

	// BreakerStateTTL bounds how long a stored breaker verdict survives
	// without re-evaluation. The sweep cadence must stay well inside it.
	BreakerStateTTL time.Duration

	// CounterWindowTTL is the rolling 24h counter expiry, refreshed on
	// every increment.
	CounterWindowTTL time.Duration

	// MonthlyCounterTTL covers the calendar-month counter plus slack.
	MonthlyCounterTTL time.Duration

	// BudgetCacheTTL bounds staleness of the in-process budget cache.
	BudgetCacheTTL time.Duration

	// TripDedupWindow suppresses repeat alerts for the same feature-level
	// trip; MonthlyDedupWindow does the same for monthly warnings.
	TripDedupWindow    time.Duration
	MonthlyDedupWindow time.Duration

	// StoreTimeout bounds every external counter/configuration call.
	StoreTimeout time.Duration
}

// ThrottleConfig holds PID controller gains and state TTLs.
type ThrottleConfig struct {
	Kp          float64
	Ki          float64
	Kd          float64
	Setpoint    float64
	IntegralMax float64
	OutputMin   float64
	OutputMax   float64

	// StateTTL covers the authoritative PID state; RateTTL covers the
	// fast-read published throttle rate. RateTTL is deliberately short:
	// readers accept brief staleness for read-path speed.
	StateTTL time.Duration
	RateTTL  time.Duration

	// TickInterval is the nominal controller cadence, used as dt for the
	// first tick of a fresh state.
	TickInterval time.Duration
}

// AnomalyConfig holds baseline and detection tunables.
type AnomalyConfig struct {
	ThresholdStddevs float64
	DailyFloor       int
	HourlyFloor      int
	LookbackDays     int
	LookbackHours    int
}

// AlertsConfig holds alert channel configuration.
type AlertsConfig struct {
	SlackEnabled    bool
	SlackWebhookURL string
	SlackChannel    string

	WebhookEnabled bool
	WebhookURL     string
	WebhookSecret  string

	DeliveryTimeout time.Duration
}

// MonitoringConfig holds monitoring configuration.
type MonitoringConfig struct {
	MetricsPath   string
	LogLevel      string
	AdminAPIToken string
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", "30s"),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", "30s"),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", "120s"),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "governor"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "governor"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", "5m"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
		},
		Governance: GovernanceConfig{
			HardMultiplier:     getEnvAsFloat("GOVERNANCE_HARD_MULTIPLIER", 1.5),
			BreakerStateTTL:    getEnvAsDuration("GOVERNANCE_BREAKER_STATE_TTL", "30m"),
			CounterWindowTTL:   getEnvAsDuration("GOVERNANCE_COUNTER_WINDOW_TTL", "24h"),
			MonthlyCounterTTL:  getEnvAsDuration("GOVERNANCE_MONTHLY_COUNTER_TTL", "768h"),
			BudgetCacheTTL:     getEnvAsDuration("GOVERNANCE_BUDGET_CACHE_TTL", "30s"),
			TripDedupWindow:    getEnvAsDuration("GOVERNANCE_TRIP_DEDUP_WINDOW", "5m"),
			MonthlyDedupWindow: getEnvAsDuration("GOVERNANCE_MONTHLY_DEDUP_WINDOW", "24h"),
			StoreTimeout:       getEnvAsDuration("GOVERNANCE_STORE_TIMEOUT", "3s"),
		},
		Throttle: ThrottleConfig{
			Kp:           getEnvAsFloat("THROTTLE_KP", 0.5),
			Ki:           getEnvAsFloat("THROTTLE_KI", 0.1),
			Kd:           getEnvAsFloat("THROTTLE_KD", 0.05),
			Setpoint:     getEnvAsFloat("THROTTLE_SETPOINT", 0.70),
			IntegralMax:  getEnvAsFloat("THROTTLE_INTEGRAL_MAX", 2.0),
			OutputMin:    getEnvAsFloat("THROTTLE_OUTPUT_MIN", 0),
			OutputMax:    getEnvAsFloat("THROTTLE_OUTPUT_MAX", 1),
			StateTTL:     getEnvAsDuration("THROTTLE_STATE_TTL", "2h"),
			RateTTL:      getEnvAsDuration("THROTTLE_RATE_TTL", "90s"),
			TickInterval: getEnvAsDuration("THROTTLE_TICK_INTERVAL", "1m"),
		},
		Anomaly: AnomalyConfig{
			ThresholdStddevs: getEnvAsFloat("ANOMALY_THRESHOLD_STDDEVS", 3),
			DailyFloor:       getEnvAsInt("ANOMALY_DAILY_FLOOR", 7),
			HourlyFloor:      getEnvAsInt("ANOMALY_HOURLY_FLOOR", 48),
			LookbackDays:     getEnvAsInt("ANOMALY_LOOKBACK_DAYS", 30),
			LookbackHours:    getEnvAsInt("ANOMALY_LOOKBACK_HOURS", 72),
		},
		Alerts: AlertsConfig{
			SlackEnabled:    getEnvAsBool("ALERTS_SLACK_ENABLED", false),
			SlackWebhookURL: getEnv("ALERTS_SLACK_WEBHOOK_URL", ""),
			SlackChannel:    getEnv("ALERTS_SLACK_CHANNEL", "#governance-alerts"),
			WebhookEnabled:  getEnvAsBool("ALERTS_WEBHOOK_ENABLED", false),
			WebhookURL:      getEnv("ALERTS_WEBHOOK_URL", ""),
			WebhookSecret:   getEnv("ALERTS_WEBHOOK_SECRET", ""),
			DeliveryTimeout: getEnvAsDuration("ALERTS_DELIVERY_TIMEOUT", "10s"),
		},
		Monitoring: MonitoringConfig{
			MetricsPath:   getEnv("METRICS_PATH", "/metrics"),
			LogLevel:      getEnv("LOG_LEVEL", "info"),
			AdminAPIToken: getEnv("ADMIN_API_TOKEN", ""),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}
	if cfg.Monitoring.AdminAPIToken == "" {
		return nil, fmt.Errorf("ADMIN_API_TOKEN is required")
	}
	if cfg.Alerts.SlackEnabled && cfg.Alerts.SlackWebhookURL == "" {
		return nil, fmt.Errorf("ALERTS_SLACK_WEBHOOK_URL is required when slack alerts are enabled")
	}
	if cfg.Alerts.WebhookEnabled && cfg.Alerts.WebhookURL == "" {
		return nil, fmt.Errorf("ALERTS_WEBHOOK_URL is required when webhook alerts are enabled")
	}

	return cfg, nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
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
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ := time.ParseDuration(defaultValue)
		return duration
	}
	return value
}
