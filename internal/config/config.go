package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Port                    string
	AllowedOrigin           string
	DatabaseURL             string
	RedisAddr               string
	RedisPassword           string
	RedisDB                 int
	AuthSecret              string
	AccessTokenTTLMinutes   int
	BoardTTLSeconds         int
	SaleCommissionRate      decimal.Decimal
	DefaultEntryFee         decimal.Decimal
	DefaultConsumableCredit decimal.Decimal
	LogLevel                string
}

func Load() Config {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "720"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 720
	}
	boardTTL, err := strconv.Atoi(getEnv("BOARD_TTL_SECONDS", "5"))
	if err != nil || boardTTL < 1 {
		boardTTL = 5
	}

	cfg := Config{
		Port:                    getEnv("PORT", "8080"),
		AllowedOrigin:           getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		RedisAddr:               os.Getenv("REDIS_ADDR"),
		RedisPassword:           os.Getenv("REDIS_PASSWORD"),
		RedisDB:                 redisDB,
		AuthSecret:              strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:   tokenTTL,
		BoardTTLSeconds:         boardTTL,
		SaleCommissionRate:      decimalEnv("SALE_COMMISSION_RATE", "0.02"),
		DefaultEntryFee:         decimalEnv("DEFAULT_ENTRY_FEE", "20"),
		DefaultConsumableCredit: decimalEnv("DEFAULT_CONSUMABLE_CREDIT", "20"),
		LogLevel:                getEnv("LOG_LEVEL", "info"),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// NewLogger builds the JSON logger used everywhere in the process.
func (c Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

func decimalEnv(key string, fallback string) decimal.Decimal {
	raw := strings.TrimSpace(getEnv(key, fallback))
	value, err := decimal.NewFromString(raw)
	if err != nil || value.Sign() < 0 {
		value, _ = decimal.NewFromString(fallback)
	}
	return value
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
