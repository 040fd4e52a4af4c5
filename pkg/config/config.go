package config

import "os"

// Config holds server configuration.
type Config struct {
	Port                string
	LogLevel            string
	LedgerPath          string
	DatabaseURL         string
	RedisAddr           string
	TrainerURL          string
	AnalyzerURL         string
	ProfilePath         string
	CheckpointPublicKey string
	OTLPEndpoint        string
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

	ledgerPath := os.Getenv("LEDGER_PATH")
	if ledgerPath == "" {
		ledgerPath = "aegis.db"
	}

	profilePath := os.Getenv("PROFILE_PATH")
	if profilePath == "" {
		profilePath = "profiles/profile_default.yaml"
	}

	return &Config{
		Port:       port,
		LogLevel:   logLevel,
		LedgerPath: ledgerPath,
		// Empty means no postgres ledger mirror; sqlite is the default.
		DatabaseURL: os.Getenv("DATABASE_URL"),
		// Empty means the in-process replay cache.
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		TrainerURL:          os.Getenv("TRAINER_URL"),
		AnalyzerURL:         os.Getenv("ANALYZER_URL"),
		ProfilePath:         profilePath,
		CheckpointPublicKey: os.Getenv("CHECKPOINT_PUBLIC_KEY"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
}
