package config

import (
	"os"
	"strconv"
)

// Config holds server configuration.
type Config struct {
	Port            string
	LogLevel        string
	DatabaseURL     string
	RedisURL        string
	TaxonomyPath    string
	ProfilesDir     string
	MinAgentVersion string
	// ExecutionDisabled globally disables task issuance regardless of
	// tenant profiles.
	ExecutionDisabled bool
	// IntakeRPM / IntakeBurst bound signed agent intake per actor.
	IntakeRPM   int
	IntakeBurst int
	// OTLPEndpoint enables tracing/metrics export when set.
	OTLPEndpoint string
	// ArchiveBucket enables evidence archival to object storage when set.
	ArchiveBucket string
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

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = "file:warden.db?_pragma=journal_mode(WAL)"
	}

	minVersion := os.Getenv("MIN_AGENT_VERSION")
	if minVersion == "" {
		minVersion = "1.0.0"
	}

	return &Config{
		Port:              port,
		LogLevel:          logLevel,
		DatabaseURL:       dbURL,
		RedisURL:          os.Getenv("REDIS_URL"),
		TaxonomyPath:      os.Getenv("TAXONOMY_PATH"),
		ProfilesDir:       os.Getenv("PROFILES_DIR"),
		MinAgentVersion:   minVersion,
		ExecutionDisabled: os.Getenv("EXECUTION_DISABLED") == "true",
		IntakeRPM:         envInt("INTAKE_RPM", 600),
		IntakeBurst:       envInt("INTAKE_BURST", 60),
		OTLPEndpoint:      os.Getenv("OTLP_ENDPOINT"),
		ArchiveBucket:     os.Getenv("ARCHIVE_BUCKET"),
	}
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
