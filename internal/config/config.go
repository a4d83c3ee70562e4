package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	MigrationsPath        string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	BranchID              string
	AuthSecret            string
	AccessTokenTTLMinutes int
	ManagerPIN            string
	PendingTimeout        time.Duration
	RepaymentTolerance    decimal.Decimal
	BaseCurrency          string
	DisplayCurrency       string
	FXRefreshInterval     time.Duration
	FXCacheTTL            time.Duration
	SourceTimeout         time.Duration
	LogLevel              string
	LogFormat             string
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL := getPositiveInt("ACCESS_TOKEN_TTL_MINUTES", 480)
	pendingMinutes := getPositiveInt("PENDING_TIMEOUT_MINUTES", 15)
	fxRefresh := getPositiveInt("FX_REFRESH_SECONDS", 300)
	fxTTL := getPositiveInt("FX_CACHE_TTL_SECONDS", 600)
	sourceTimeout := getPositiveInt("AGGREGATE_SOURCE_TIMEOUT_SECONDS", 5)

	tolerance, err := decimal.NewFromString(getEnv("REPAYMENT_TOLERANCE", "0.01"))
	if err != nil || tolerance.IsNegative() {
		tolerance = decimal.NewFromFloat(0.01)
	}

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		MigrationsPath:        getEnv("MIGRATIONS_PATH", "file://migrations"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		BranchID:              getEnv("DEFAULT_BRANCH_ID", "main-branch"),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		ManagerPIN:            strings.TrimSpace(os.Getenv("MANAGER_PIN")),
		PendingTimeout:        time.Duration(pendingMinutes) * time.Minute,
		RepaymentTolerance:    tolerance,
		BaseCurrency:          strings.ToUpper(getEnv("BASE_CURRENCY", "UZS")),
		DisplayCurrency:       strings.ToUpper(getEnv("DISPLAY_CURRENCY", "USD")),
		FXRefreshInterval:     time.Duration(fxRefresh) * time.Second,
		FXCacheTTL:            time.Duration(fxTTL) * time.Second,
		SourceTimeout:         time.Duration(sourceTimeout) * time.Second,
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogFormat:             getEnv("LOG_FORMAT", "console"),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getPositiveInt(key string, fallback int) int {
	val, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || val < 1 {
		return fallback
	}
	return val
}
