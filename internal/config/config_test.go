package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("STORAGE_BACKEND", "")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("MAX_UPLOAD_BYTES", "")

	cfg := Load()
	if cfg.StorageBackend != BackendMemory {
		t.Fatalf("expected memory backend, got %q", cfg.StorageBackend)
	}
	if cfg.MaxUploadBytes != 50<<20 {
		t.Fatalf("expected 50MiB upload limit, got %d", cfg.MaxUploadBytes)
	}
	if cfg.TokenTTL != 7*24*time.Hour {
		t.Fatalf("expected 7 day token ttl, got %s", cfg.TokenTTL)
	}
	if cfg.JWTSecret == "" {
		t.Fatal("expected development secret fallback")
	}
}

func TestLoadParsesLists(t *testing.T) {
	t.Setenv("ALLOWED_ORIGINS", "http://a.test, ,http://b.test")
	t.Setenv("RATE_LIMIT_WHITELIST", "10.0.0.0/8")

	cfg := Load()
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "http://b.test" {
		t.Fatalf("unexpected origins: %v", cfg.AllowedOrigins)
	}
	if len(cfg.RateLimitWhitelist) != 1 {
		t.Fatalf("unexpected whitelist: %v", cfg.RateLimitWhitelist)
	}
}

func TestLoadPanicsWithoutSecretInProduction(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("JWT_SECRET", "")

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	Load()
}
