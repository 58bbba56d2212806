package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	Headless            bool
	ChromeBin           string
	BrowserTimeout      time.Duration
	SessionOpenAttempts int
	BlockImages         bool

	MinDelay        time.Duration
	MaxDelay        time.Duration
	MaxRetries      int
	RetryBaseDelay  time.Duration
	RateLimitCount  int
	RateLimitPeriod time.Duration

	SelectorTimeout   time.Duration
	ReadyTimeout      time.Duration
	CaptchaWait       time.Duration
	ManualCaptcha     bool
	ManualCaptchaWait time.Duration
	TaskTimeout       time.Duration

	BaseURL       string
	SearchPath    string
	MaxPages      int
	BatchSize     int
	TaskRetention time.Duration
	RawCSVPath    string

	RedisAddr         string
	RedisDB           int
	RedisStream       string
	RedisStreamMaxLen int64
	MemcacheAddr      string
	BlockCooldown     time.Duration

	HTTPAddr         string
	ArchiveAfterDays int
}

// Load reads the .env file and returns a populated Config struct.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] No .env file found, falling back to system env vars")
	}

	return &Config{
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "postgres"),
		PostgresDB:       getEnv("POSTGRES_DB", "car_listings"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		Headless:            getEnvBool("HEADLESS", true),
		ChromeBin:           getEnv("CHROME_BIN", ""),
		BrowserTimeout:      getEnvDuration("BROWSER_TIMEOUT_MS", 30000, time.Millisecond),
		SessionOpenAttempts: getEnvInt("SESSION_OPEN_ATTEMPTS", 3),
		BlockImages:         getEnvBool("BLOCK_IMAGES", false),

		MinDelay:        getEnvDuration("MIN_DELAY_MS", 1000, time.Millisecond),
		MaxDelay:        getEnvDuration("MAX_DELAY_MS", 3000, time.Millisecond),
		MaxRetries:      getEnvInt("MAX_RETRIES", 3),
		RetryBaseDelay:  getEnvDuration("RETRY_BASE_DELAY_MS", 2000, time.Millisecond),
		RateLimitCount:  getEnvInt("RATE_LIMIT_REQUESTS", 30),
		RateLimitPeriod: getEnvDuration("RATE_LIMIT_PERIOD_SECONDS", 60, time.Second),

		SelectorTimeout:   getEnvDuration("SELECTOR_TIMEOUT_MS", 2000, time.Millisecond),
		ReadyTimeout:      getEnvDuration("READY_TIMEOUT_MS", 20000, time.Millisecond),
		CaptchaWait:       getEnvDuration("CAPTCHA_WAIT_SECONDS", 30, time.Second),
		ManualCaptcha:     getEnvBool("MANUAL_CAPTCHA", false),
		ManualCaptchaWait: getEnvDuration("MANUAL_CAPTCHA_WAIT_SECONDS", 300, time.Second),
		TaskTimeout:       getEnvDuration("TASK_TIMEOUT_MINUTES", 30, time.Minute),

		BaseURL:       strings.TrimRight(getEnv("YAD2_BASE_URL", "https://www.yad2.co.il"), "/"),
		SearchPath:    getEnv("YAD2_SEARCH_PATH", "/vehicles/cars"),
		MaxPages:      getEnvInt("MAX_PAGES", 5),
		BatchSize:     getEnvInt("BATCH_SIZE", 10),
		TaskRetention: getEnvDuration("TASK_RETENTION_SECONDS", 300, time.Second),
		RawCSVPath:    getEnv("RAW_CSV_PATH", ""),

		RedisAddr:         getEnv("REDIS_ADDR", ""),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		RedisStream:       getEnv("REDIS_STREAM", "yad2:listings"),
		RedisStreamMaxLen: int64(getEnvInt("REDIS_STREAM_MAXLEN", 10000)),
		MemcacheAddr:      getEnv("MEMCACHE_ADDR", ""),
		BlockCooldown:     getEnvDuration("BLOCK_COOLDOWN_SECONDS", 900, time.Second),

		HTTPAddr:         getEnv("HTTP_ADDR", ":8080"),
		ArchiveAfterDays: getEnvInt("ARCHIVE_AFTER_DAYS", 30),
	}
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return "host=" + c.PostgresHost +
		" port=" + c.PostgresPort +
		" user=" + c.PostgresUser +
		" password=" + c.PostgresPassword +
		" dbname=" + c.PostgresDB +
		" sslmode=" + c.PostgresSSLMode
}

// SearchURL returns the absolute URL of the listings section.
func (c *Config) SearchURL() string {
	return c.BaseURL + c.SearchPath
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		b, err := strconv.ParseBool(val)
		if err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration reads an integer count of unit.
func getEnvDuration(key string, fallback int, unit time.Duration) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * unit
}
