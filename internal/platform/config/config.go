package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config captures process-level configuration so main stays lean.
type Config struct {
	Env         string
	DatabaseURL string
	RedisAddr   string
	MetricsAddr string

	// ConsentTokenKey keys the HMAC that binds consent tokens to subjects.
	ConsentTokenKey string
	// ConsentTokenTTL bounds how long an issued consent token stays usable.
	ConsentTokenTTL time.Duration
	// ConsentGrantURL is the base URL placed in consent-request messages.
	ConsentGrantURL string

	// SweepInterval is the cadence of the retention/expiry background sweep.
	SweepInterval time.Duration
	// SweepWorkers partitions eligible subjects across this many workers.
	SweepWorkers int

	// LedgerTopic is the Kafka topic the disclosure ledger mirrors into.
	// Empty disables the mirror.
	LedgerTopic   string
	KafkaBrokers  string
	SendgridKey   string
	SenderAddress string
}

// FromEnv builds a Config from environment variables. A local .env file is
// loaded first when present so development setups need no exported shell state.
func FromEnv() Config {
	_ = godotenv.Load()

	return Config{
		Env:             getEnv("CUSTODIA_ENV", "development"),
		DatabaseURL:     getEnv("CUSTODIA_DATABASE_URL", "postgres://localhost:5432/custodia?sslmode=disable"),
		RedisAddr:       getEnv("CUSTODIA_REDIS_ADDR", ""),
		MetricsAddr:     getEnv("CUSTODIA_METRICS_ADDR", ":9090"),
		ConsentTokenKey: getEnv("CUSTODIA_CONSENT_TOKEN_KEY", "dev-consent-key-change-in-production"),
		ConsentTokenTTL: getDuration("CUSTODIA_CONSENT_TOKEN_TTL", 30*24*time.Hour),
		ConsentGrantURL: getEnv("CUSTODIA_CONSENT_GRANT_URL", "https://localhost/consent"),
		SweepInterval:   getDuration("CUSTODIA_SWEEP_INTERVAL", 24*time.Hour),
		SweepWorkers:    getInt("CUSTODIA_SWEEP_WORKERS", 4),
		LedgerTopic:     getEnv("CUSTODIA_LEDGER_TOPIC", ""),
		KafkaBrokers:    getEnv("CUSTODIA_KAFKA_BROKERS", "localhost:9092"),
		SendgridKey:     getEnv("CUSTODIA_SENDGRID_KEY", ""),
		SenderAddress:   getEnv("CUSTODIA_SENDER_ADDRESS", "privacy@custodia.local"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
