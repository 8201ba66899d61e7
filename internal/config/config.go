// Package config builds the frozen runtime configuration from
// environment variables. A .env file is honored when present; explicit
// environment always wins. Nothing mutates the Config after startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/voltguard/voltguard/internal/ingest"
)

const envPrefix = "VOLTGUARD_"

// Config holds all application configuration.
type Config struct {
	// Server settings
	ListenHost   string
	ListenPort   int
	ReadTimeout  time.Duration // per-request deadline for reads
	WriteTimeout time.Duration // per-request deadline for writes

	// Store settings
	DatabasePath   string
	MaxConnections int
	RetentionDays  int

	// Auth settings
	JWTSecret       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	AdminPassword   string // bootstrap password for the seeded admin user

	// Rate limiting
	LoginRatePerMin    float64
	APIRatePerMin      float64
	ProducerRatePerSec float64
	ProducerBurst      int

	// Evaluator thresholds
	VoltageHighV         float64
	VoltageLowV          float64
	VoltageHysteresisV   float64
	TempHighC            float64
	TempClearC           float64
	TempCriticalC        float64
	ResistanceTripRatio  float64
	ResistanceClearRatio float64
	SoHDegradedPct       float64
	SoHClearPct          float64
	SoHCriticalPct       float64
	RULWarningDays       float64
	RULCriticalDays      float64

	// RUL service
	RULServiceURL      string
	RULTimeout         time.Duration
	BreakerMaxFailures uint32
	BreakerCooldown    time.Duration

	// Hub settings
	SubscriberQueueDepth int
	IdleTimeout          time.Duration

	// Logging
	LogLevel  string
	LogFormat string

	// Demo data seeding (master data only; telemetry always arrives via
	// the ingest endpoint)
	SeedDemo bool
}

// Defaults returns the configuration with every knob at its documented
// default.
func Defaults() Config {
	return Config{
		ListenHost:   "0.0.0.0",
		ListenPort:   7600,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,

		DatabasePath:   "/var/lib/voltguard/voltguard.db",
		MaxConnections: 20,
		RetentionDays:  730,

		AccessTokenTTL:  30 * time.Minute,
		RefreshTokenTTL: 7 * 24 * time.Hour,

		LoginRatePerMin:    5,
		APIRatePerMin:      100,
		ProducerRatePerSec: 10,
		ProducerBurst:      ingest.MaxBatchSize,

		VoltageHighV:         14.4,
		VoltageLowV:          10.8,
		VoltageHysteresisV:   0.2,
		TempHighC:            45,
		TempClearC:           43,
		TempCriticalC:        55,
		ResistanceTripRatio:  1.20,
		ResistanceClearRatio: 1.10,
		SoHDegradedPct:       80,
		SoHClearPct:          82,
		SoHCriticalPct:       70,
		RULWarningDays:       180,
		RULCriticalDays:      90,

		RULServiceURL:      "http://localhost:8001",
		RULTimeout:         5 * time.Second,
		BreakerMaxFailures: 3,
		BreakerCooldown:    30 * time.Second,

		SubscriberQueueDepth: 256,
		IdleTimeout:          60 * time.Second,

		LogLevel:  "info",
		LogFormat: "auto",
	}
}

// Load builds the Config from the environment, optionally overlaying a
// .env file from the working directory.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded .env file")
	}

	cfg := Defaults()

	applyString(&cfg.ListenHost, "LISTEN_HOST")
	applyInt(&cfg.ListenPort, "LISTEN_PORT")
	applyDuration(&cfg.ReadTimeout, "READ_TIMEOUT")
	applyDuration(&cfg.WriteTimeout, "WRITE_TIMEOUT")

	applyString(&cfg.DatabasePath, "DATABASE_PATH")
	applyInt(&cfg.MaxConnections, "DB_MAX_CONNECTIONS")
	applyInt(&cfg.RetentionDays, "RETENTION_DAYS")

	applyString(&cfg.JWTSecret, "JWT_SECRET")
	applyDuration(&cfg.AccessTokenTTL, "ACCESS_TOKEN_TTL")
	applyDuration(&cfg.RefreshTokenTTL, "REFRESH_TOKEN_TTL")
	applyString(&cfg.AdminPassword, "ADMIN_PASSWORD")

	applyFloat(&cfg.LoginRatePerMin, "LOGIN_RATE_PER_MIN")
	applyFloat(&cfg.APIRatePerMin, "API_RATE_PER_MIN")
	applyFloat(&cfg.ProducerRatePerSec, "PRODUCER_RATE_PER_SEC")
	applyInt(&cfg.ProducerBurst, "PRODUCER_BURST")

	applyFloat(&cfg.VoltageHighV, "VOLTAGE_HIGH_V")
	applyFloat(&cfg.VoltageLowV, "VOLTAGE_LOW_V")
	applyFloat(&cfg.VoltageHysteresisV, "VOLTAGE_HYSTERESIS_V")
	applyFloat(&cfg.TempHighC, "TEMP_HIGH_C")
	applyFloat(&cfg.TempClearC, "TEMP_CLEAR_C")
	applyFloat(&cfg.TempCriticalC, "TEMP_CRITICAL_C")
	applyFloat(&cfg.ResistanceTripRatio, "RESISTANCE_TRIP_RATIO")
	applyFloat(&cfg.ResistanceClearRatio, "RESISTANCE_CLEAR_RATIO")
	applyFloat(&cfg.SoHDegradedPct, "SOH_DEGRADED_PCT")
	applyFloat(&cfg.SoHClearPct, "SOH_CLEAR_PCT")
	applyFloat(&cfg.SoHCriticalPct, "SOH_CRITICAL_PCT")
	applyFloat(&cfg.RULWarningDays, "RUL_WARNING_DAYS")
	applyFloat(&cfg.RULCriticalDays, "RUL_CRITICAL_DAYS")

	applyString(&cfg.RULServiceURL, "RUL_SERVICE_URL")
	applyDuration(&cfg.RULTimeout, "RUL_TIMEOUT")
	applyUint32(&cfg.BreakerMaxFailures, "BREAKER_MAX_FAILURES")
	applyDuration(&cfg.BreakerCooldown, "BREAKER_COOLDOWN")

	applyInt(&cfg.SubscriberQueueDepth, "SUBSCRIBER_QUEUE_DEPTH")
	applyDuration(&cfg.IdleTimeout, "IDLE_TIMEOUT")

	applyString(&cfg.LogLevel, "LOG_LEVEL")
	applyString(&cfg.LogFormat, "LOG_FORMAT")
	applyBool(&cfg.SeedDemo, "SEED_DEMO")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures, and normalizes knobs that cannot be honored as set.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("config: %sJWT_SECRET is required", envPrefix)
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("config: JWT secret must be at least 32 bytes, got %d", len(c.JWTSecret))
	}
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("config: invalid listen port %d", c.ListenPort)
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("config: retention must be at least 1 day")
	}
	if c.VoltageLowV >= c.VoltageHighV {
		return fmt.Errorf("config: voltage low threshold %.2f must be below high threshold %.2f", c.VoltageLowV, c.VoltageHighV)
	}
	if c.TempClearC >= c.TempHighC {
		return fmt.Errorf("config: temperature clear %.1f must be below trip %.1f", c.TempClearC, c.TempHighC)
	}
	if c.ResistanceClearRatio >= c.ResistanceTripRatio {
		return fmt.Errorf("config: resistance clear ratio must be below trip ratio")
	}
	// A producer bucket smaller than the largest accepted batch would
	// deny full batches forever, regardless of the sustained rate.
	if c.ProducerBurst < ingest.MaxBatchSize {
		log.Warn().Int("producer_burst", c.ProducerBurst).Int("max_batch_size", ingest.MaxBatchSize).
			Msg("Producer burst below the maximum batch size; raising it")
		c.ProducerBurst = ingest.MaxBatchSize
	}
	return nil
}

func applyString(dst *string, key string) {
	if val := os.Getenv(envPrefix + key); val != "" {
		*dst = val
	}
}

func applyInt(dst *int, key string) {
	if val := os.Getenv(envPrefix + key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		} else {
			log.Warn().Str("key", envPrefix+key).Str("value", val).Msg("Ignoring non-integer env override")
		}
	}
}

func applyUint32(dst *uint32, key string) {
	if val := os.Getenv(envPrefix + key); val != "" {
		if n, err := strconv.ParseUint(val, 10, 32); err == nil {
			*dst = uint32(n)
		} else {
			log.Warn().Str("key", envPrefix+key).Str("value", val).Msg("Ignoring non-integer env override")
		}
	}
}

func applyFloat(dst *float64, key string) {
	if val := os.Getenv(envPrefix + key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			*dst = f
		} else {
			log.Warn().Str("key", envPrefix+key).Str("value", val).Msg("Ignoring non-numeric env override")
		}
	}
}

func applyBool(dst *bool, key string) {
	if val := os.Getenv(envPrefix + key); val != "" {
		switch strings.ToLower(val) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}
}

func applyDuration(dst *time.Duration, key string) {
	if val := os.Getenv(envPrefix + key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		} else {
			log.Warn().Str("key", envPrefix+key).Str("value", val).Msg("Ignoring unparsable duration override")
		}
	}
}
