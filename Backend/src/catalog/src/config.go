package main

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	HTTPAddr string
	DBPath   string

	RabbitURL      string
	RabbitExchange string
	// Cola donde llegan los pedidos de reconciliación del carrito
	ReconcileQueue string

	SeedOnStart   bool
	LogLevel      string
	LogFormat     string
	ShutdownGrace time.Duration
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return def
}

func LoadConfig() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("could not read .env")
	}

	return Config{
		HTTPAddr:       getenv("CATALOG_HTTP_ADDR", ":9000"),
		DBPath:         getenv("CATALOG_DB_PATH", "./data/catalog.db"),
		RabbitURL:      getenv("RABBIT_URL", ""),
		RabbitExchange: getenv("RABBIT_EXCHANGE", "domain_events"),
		ReconcileQueue: getenv("CATALOG_RECONCILE_QUEUE", "catalog.reconcile"),
		SeedOnStart:    getenv("CATALOG_SEED", "false") == "true",
		LogLevel:       getenv("LOG_LEVEL", "info"),
		LogFormat:      getenv("LOG_FORMAT", "console"),
		ShutdownGrace:  getDuration("SHUTDOWN_GRACE", 10*time.Second),
	}
}
