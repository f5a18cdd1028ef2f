package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds daemon configuration.
type Config struct {
	Port          string // health endpoint listener
	LogLevel      string
	StoreBackend  string // "memory" | "sqlite" | "postgres"
	DatabaseURL   string
	SQLitePath    string
	RedisAddr     string
	OTLPEndpoint  string
	ProfilesDir   string
	RiskProfile   string
	SweepInterval time.Duration
	VotingEnabled bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	backend := os.Getenv("STORE_BACKEND")
	if backend == "" {
		backend = "memory"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		// Default to local generic postgres
		dbURL = "postgres://mandate@localhost:5432/mandate?sslmode=disable"
	}

	sqlitePath := os.Getenv("SQLITE_PATH")
	if sqlitePath == "" {
		sqlitePath = "mandate.db"
	}

	profilesDir := os.Getenv("RISK_PROFILES_DIR")
	if profilesDir == "" {
		profilesDir = "profiles"
	}

	riskProfile := os.Getenv("RISK_PROFILE")
	if riskProfile == "" {
		riskProfile = "balanced"
	}

	sweepInterval := 30 * time.Second
	if raw := os.Getenv("SWEEP_INTERVAL"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			sweepInterval = d
		}
	}

	votingEnabled := true
	if raw := os.Getenv("VOTING_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			votingEnabled = v
		}
	}

	return &Config{
		Port:          port,
		LogLevel:      logLevel,
		StoreBackend:  backend,
		DatabaseURL:   dbURL,
		SQLitePath:    sqlitePath,
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		OTLPEndpoint:  os.Getenv("OTLP_ENDPOINT"),
		ProfilesDir:   profilesDir,
		RiskProfile:   riskProfile,
		SweepInterval: sweepInterval,
		VotingEnabled: votingEnabled,
	}
}
