package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMongo    = "mongo"
)

// Config holds all configuration for the application.
type Config struct {
	Port string
	Env  string

	// Persistence
	StorageBackend string
	DatabaseURL    string
	SQLitePath     string
	MongoURL       string
	MongoDatabase  string
	RedisURL       string

	// Message events
	NATSURL     string
	NATSSubject string

	// Auth
	JWTSecret string
	TokenTTL  time.Duration

	// Attachments (ImageKit)
	ImageKitPublicKey    string
	ImageKitPrivateKey   string
	ImageKitURLEndpoint  string
	ImageKitUploadPrefix string // empty keeps the SDK default
	MaxUploadBytes       int64

	// Assistant
	GeminiAPIKey  string
	GeminiModel   string
	AssistantName string

	AllowedOrigins []string

	// Rate limiting
	RateLimitWhitelist []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled   bool     // Enable auto-blocking after repeated violations
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		Env:                  getEnv("ENV", "development"),
		StorageBackend:       strings.ToLower(getEnv("STORAGE_BACKEND", BackendMemory)),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		SQLitePath:           getEnv("SQLITE_PATH", "./data/relay.db"),
		MongoURL:             os.Getenv("MONGO_URL"),
		MongoDatabase:        getEnv("MONGO_DATABASE", "relay"),
		RedisURL:             os.Getenv("REDIS_URL"),
		NATSURL:              os.Getenv("NATS_URL"),
		NATSSubject:          getEnv("NATS_SUBJECT", "relay.messages"),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		TokenTTL:             getDurationEnv("TOKEN_TTL", 7*24*time.Hour),
		ImageKitPublicKey:    os.Getenv("IMAGEKIT_PUBLIC_KEY"),
		ImageKitPrivateKey:   os.Getenv("IMAGEKIT_PRIVATE_KEY"),
		ImageKitURLEndpoint:  os.Getenv("IMAGEKIT_URL_ENDPOINT"),
		ImageKitUploadPrefix: os.Getenv("IMAGEKIT_UPLOAD_PREFIX"),
		MaxUploadBytes:       getInt64Env("MAX_UPLOAD_BYTES", 50<<20),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		GeminiModel:          getEnv("GEMINI_MODEL", "gemini-1.5-flash"),
		AssistantName:        getEnv("ASSISTANT_NAME", "Elva (Ai)"),
		AllowedOrigins:       splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:5173")),
		RateLimitWhitelist:   splitList(os.Getenv("RATE_LIMIT_WHITELIST")),
		AutoBlockEnabled:     getEnv("AUTO_BLOCK_ENABLED", "false") == "true",
	}

	if cfg.Env == "production" {
		if cfg.JWTSecret == "" {
			panic("JWT_SECRET is required in production")
		}
		if cfg.StorageBackend == BackendPostgres && cfg.DatabaseURL == "" {
			panic("DATABASE_URL is required for the postgres backend")
		}
		if cfg.StorageBackend == BackendMongo && cfg.MongoURL == "" {
			panic("MONGO_URL is required for the mongo backend")
		}
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret-change-me"
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if v, err := strconv.ParseInt(os.Getenv(key), 10, 64); err == nil && v > 0 {
		return v
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return defaultValue
}

// splitList parses a comma-separated list, dropping blanks.
func splitList(raw string) []string {
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
