package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr              string
	RequestTimeout        time.Duration
	LogLevel              string
	LogFormat             string
	UserAgent             string
	SauceNAOAPIKey        string
	SauceNAOEndpoint      string
	SauceNAOMinSimilarity float64
	IQDBEndpoint          string
	RedisURL              string
	NoFoundTTL            time.Duration
	MaxConcurrentResolves int
	SauceNAORatePerMinute int
	IQDBRatePerMinute     int
	CacheDisabled         bool
	OTLPEndpoint          string
}

func LoadConfig() Config {
	return Config{
		HTTPAddr:              getEnv("HTTP_ADDR", ":8090"),
		RequestTimeout:        time.Duration(getEnvInt("RIS_SEARCH_TIMEOUT_SECONDS", 30)) * time.Second,
		LogLevel:              strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:             strings.ToLower(getEnv("LOG_FORMAT", "text")),
		UserAgent:             getEnv("RIS_USER_AGENT", "reverse-image-search/1.0"),
		SauceNAOAPIKey:        strings.TrimSpace(os.Getenv("RIS_SAUCENAO_API_KEY")),
		SauceNAOEndpoint:      getEnv("RIS_SAUCENAO_ENDPOINT", "https://saucenao.com/search.php"),
		SauceNAOMinSimilarity: getEnvFloat("RIS_SAUCENAO_MIN_SIMILARITY", 65),
		IQDBEndpoint:          getEnv("RIS_IQDB_ENDPOINT", "https://iqdb.org/"),
		RedisURL:              getEnv("REDIS_URL", ""),
		NoFoundTTL:            time.Duration(getEnvInt("RIS_NO_FOUND_TTL_HOURS", 24)) * time.Hour,
		MaxConcurrentResolves: getEnvInt("RIS_MAX_CONCURRENT_RESOLVES", 8),
		SauceNAORatePerMinute: getEnvInt("RIS_ENGINE_RATE_LIMIT_SAUCENAO", 6),
		IQDBRatePerMinute:     getEnvInt("RIS_ENGINE_RATE_LIMIT_IQDB", 12),
		CacheDisabled:         getEnvBool("RIS_CACHE_DISABLED", false),
		OTLPEndpoint:          getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
