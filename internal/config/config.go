package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the watch history service.
type Config struct {
	DB        DBConfig
	Redis     RedisConfig
	TMDB      TMDBConfig
	Storage   StorageConfig
	History   HistoryConfig
	Recommend RecommendConfig
	RateLimit RateLimitConfig
	Log       LogConfig
	Port      string
	Timezone  string
}

// DBConfig holds PostgreSQL configuration.
type DBConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	SSLRootCert string
}

// DSN returns the PostgreSQL connection string.
func (d DBConfig) DSN() string {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
	if d.SSLRootCert != "" {
		dsn += fmt.Sprintf(" sslrootcert=%s", d.SSLRootCert)
	}
	return dsn
}

// RedisConfig holds Redis configuration. An empty Addr disables Redis.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
}

// Enabled reports whether a Redis address is configured.
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// TMDBConfig holds TMDB API configuration.
type TMDBConfig struct {
	APIKey         string
	BaseURL        string
	ImageBaseURL   string
	Language       string
	RequestsPerSec float64
	CacheTTL       time.Duration
}

// StorageConfig selects the durable key-value backend for watch history.
type StorageConfig struct {
	Driver  string // file | redis | postgres | memory
	DataDir string
}

// HistoryConfig tunes the history store.
type HistoryConfig struct {
	KeyPrefix         string
	MaxHistory        int
	SaveDelay         time.Duration
	MaxSaveDelay      time.Duration
	MaxStores         int
	IdentityLookupURL string
	IdentityTimeout   time.Duration
}

// RecommendConfig tunes the recommendation assembler.
type RecommendConfig struct {
	GenreLimit   int
	PerGenre     int
	DisplayLimit int
	FetchTimeout time.Duration
	CacheTTL     time.Duration
}

// RateLimitConfig configures the API rate limiter.
type RateLimitConfig struct {
	Max           int
	WindowSeconds int
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	dbPort, _ := strconv.Atoi(getEnv("DB_PORT", "5432"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "3"))

	cfg := &Config{
		DB: DBConfig{
			Host:        getEnv("DB_HOST", "localhost"),
			Port:        dbPort,
			User:        getEnv("DB_USER", "postgres"),
			Password:    getEnv("DB_PASSWORD", "postgres"),
			DBName:      getEnv("DB_NAME", "watch_history_service"),
			SSLMode:     getEnv("DB_SSLMODE", "verify-ca"),
			SSLRootCert: getEnv("DB_SSLROOTCERT", ""),
		},
		Redis: RedisConfig{
			Addr:         os.Getenv("REDIS_ADDR"),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           redisDB,
			PoolSize:     getInt("REDIS_POOL_SIZE", 20),
			MinIdleConns: getInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getDuration("REDIS_DIAL_TIMEOUT", 3*time.Second),
		},
		TMDB: TMDBConfig{
			APIKey:         getEnv("TMDB_API_KEY", ""),
			BaseURL:        getEnv("TMDB_BASE_URL", "https://api.themoviedb.org/3"),
			ImageBaseURL:   getEnv("TMDB_IMAGE_BASE_URL", "https://image.tmdb.org/t/p"),
			Language:       getEnv("TMDB_LANGUAGE", "pt-BR"),
			RequestsPerSec: getFloat("TMDB_REQUESTS_PER_SEC", 20),
			CacheTTL:       getDuration("TMDB_CACHE_TTL", 5*time.Minute),
		},
		Storage: StorageConfig{
			Driver:  strings.ToLower(getEnv("STORAGE_DRIVER", "file")),
			DataDir: getEnv("DATA_DIR", "data"),
		},
		History: HistoryConfig{
			KeyPrefix:         getEnv("HISTORY_KEY_PREFIX", "kkmovies_watch_history_"),
			MaxHistory:        getInt("HISTORY_MAX_ITEMS", 50),
			SaveDelay:         getDuration("HISTORY_SAVE_DELAY", time.Second),
			MaxSaveDelay:      getDuration("HISTORY_MAX_SAVE_DELAY", 5*time.Second),
			MaxStores:         getInt("HISTORY_MAX_STORES", 1024),
			IdentityLookupURL: os.Getenv("IDENTITY_LOOKUP_URL"),
			IdentityTimeout:   getDuration("IDENTITY_TIMEOUT", 5*time.Second),
		},
		Recommend: RecommendConfig{
			GenreLimit:   getInt("RECOMMEND_GENRE_LIMIT", 3),
			PerGenre:     getInt("RECOMMEND_PER_GENRE", 4),
			DisplayLimit: getInt("RECOMMEND_DISPLAY_LIMIT", 20),
			FetchTimeout: getDuration("RECOMMEND_FETCH_TIMEOUT", 8*time.Second),
			CacheTTL:     getDuration("RECOMMEND_CACHE_TTL", 10*time.Minute),
		},
		RateLimit: RateLimitConfig{
			Max:           getInt("RATE_LIMIT_MAX", 120),
			WindowSeconds: getInt("RATE_LIMIT_WINDOW_SECONDS", 60),
		},
		Log: LogConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			File:       os.Getenv("LOG_FILE"),
			MaxSizeMB:  getInt("LOG_MAX_SIZE_MB", 50),
			MaxBackups: getInt("LOG_MAX_BACKUPS", 3),
		},
		Port:     getEnv("SERVER_PORT", "8084"),
		Timezone: getEnv("TZ", "Local"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "file", "redis", "postgres", "memory":
	default:
		return fmt.Errorf("unsupported STORAGE_DRIVER %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "redis" && !c.Redis.Enabled() {
		return fmt.Errorf("STORAGE_DRIVER=redis requires REDIS_ADDR")
	}
	if c.Redis.PoolSize <= 0 || c.Redis.MinIdleConns < 0 || c.Redis.MinIdleConns > c.Redis.PoolSize {
		return fmt.Errorf("REDIS_MIN_IDLE_CONNS (%d) must be within 0..REDIS_POOL_SIZE (%d) > 0",
			c.Redis.MinIdleConns, c.Redis.PoolSize)
	}
	if c.History.MaxHistory <= 0 {
		return fmt.Errorf("HISTORY_MAX_ITEMS must be positive, got %d", c.History.MaxHistory)
	}
	if c.History.SaveDelay <= 0 || c.History.MaxSaveDelay < c.History.SaveDelay {
		return fmt.Errorf("HISTORY_MAX_SAVE_DELAY (%s) must be >= HISTORY_SAVE_DELAY (%s) > 0",
			c.History.MaxSaveDelay, c.History.SaveDelay)
	}
	return nil
}

// Location returns the time zone used for time-of-day bucketing.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}
