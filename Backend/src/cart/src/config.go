package main

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	HTTPAddr string
	GRPCAddr string // health/reflection; vacío lo desactiva
	DBPath   string

	// Colaboradores. "{id}" en un endpoint se reemplaza por el id;
	// si no aparece, el id se concatena al final.
	IdentityEndpoint    string
	BookEndpoint        string
	BookStockEndpoint   string
	BookRestockEndpoint string
	UpstreamTimeout     time.Duration
	UpstreamRetries     int

	IdentityCacheTTL  time.Duration
	IdentityCacheSize int

	RateLimitRPS   float64
	RateLimitBurst int

	// Fan-out de consultas al catálogo al validar una orden
	CatalogConcurrency int

	// Barrido de decrementos que quedaron sin cerrar
	MovementSweepEvery time.Duration
	MovementStaleAfter time.Duration

	RabbitURL      string
	RabbitExchange string

	CORSOrigins   []string
	LogLevel      string
	LogFormat     string
	ShutdownGrace time.Duration
}

func LoadConfig() Config {
	// .env opcional, las variables de entorno reales tienen prioridad
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("could not read .env")
	}

	return Config{
		HTTPAddr: getEnv("CART_HTTP_ADDR", ":8002"),
		GRPCAddr: getEnv("CART_GRPC_ADDR", ":50051"),
		DBPath:   getEnv("CART_DB_PATH", "./data/cart.db"),

		IdentityEndpoint:    getEnv("IDENTITY_ENDPOINT", "http://127.0.0.1:8000/user/"),
		BookEndpoint:        getEnv("BOOK_ENDPOINT", "http://127.0.0.1:9000/books/"),
		BookStockEndpoint:   getEnv("BOOK_STOCK_ENDPOINT", "http://127.0.0.1:9000/books/{id}/stock"),
		BookRestockEndpoint: getEnv("BOOK_RESTOCK_ENDPOINT", "http://127.0.0.1:9000/books/{id}/restock"),
		UpstreamTimeout:     getDuration("UPSTREAM_TIMEOUT", 5*time.Second),
		UpstreamRetries:     getInt("UPSTREAM_RETRIES", 2),

		IdentityCacheTTL:  getDuration("IDENTITY_CACHE_TTL", 30*time.Second),
		IdentityCacheSize: getInt("IDENTITY_CACHE_SIZE", 1024),

		RateLimitRPS:   getFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst: getInt("RATE_LIMIT_BURST", 40),

		CatalogConcurrency: getInt("CATALOG_CONCURRENCY", 4),

		MovementSweepEvery: getDuration("MOVEMENT_SWEEP_INTERVAL", time.Minute),
		MovementStaleAfter: getDuration("MOVEMENT_STALE_AFTER", 5*time.Minute),

		RabbitURL:      getEnv("RABBIT_URL", ""),
		RabbitExchange: getEnv("RABBIT_EXCHANGE", "domain_events"),

		CORSOrigins:   splitList(getEnv("CORS_ORIGINS", "*")),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "console"),
		ShutdownGrace: getDuration("SHUTDOWN_GRACE", 10*time.Second),
	}
}

func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getInt(k string, def int) int {
	v, err := strconv.Atoi(getEnv(k, ""))
	if err != nil {
		return def
	}
	return v
}

func getFloat(k string, def float64) float64 {
	v, err := strconv.ParseFloat(getEnv(k, ""), 64)
	if err != nil {
		return def
	}
	return v
}

func getDuration(k string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(getEnv(k, ""))
	if err != nil {
		return def
	}
	return v
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
