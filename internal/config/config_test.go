package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"go-chat-sync/internal/chat"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(env(nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIURL != "http://localhost:8080" || cfg.Profile != "default" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.TypingTTL != chat.DefaultTypingTTL {
		t.Fatalf("expected default typing ttl, got %v", cfg.TypingTTL)
	}
	if cfg.TokenFile != "" && !strings.HasSuffix(cfg.TokenFile, "default.token") {
		t.Fatalf("unexpected token file %q", cfg.TokenFile)
	}
	if cfg.TokenFile != "" && !strings.HasSuffix(cfg.CacheFile, "default.db") {
		t.Fatalf("expected cache next to the token, got %q", cfg.CacheFile)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.WSURL != "ws://localhost:8080/ws" {
		t.Fatalf("expected derived ws url, got %q", cfg.WSURL)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := load(env(map[string]string{
		"CHAT_API_URL":    "https://chat.example.com/api/",
		"CHAT_PROFILE":    "work",
		"CHAT_TYPING_TTL": "3s",
		"CHAT_LOG_LEVEL":  "debug",
		"REDIS_ADDR":      "localhost:6379",
		"CHAT_CACHE_FILE": "off",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TypingTTL != 3*time.Second || cfg.LogLevel != slog.LevelDebug || cfg.RedisAddr != "localhost:6379" || cfg.CacheFile != "" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.TokenFile != "" && !strings.HasSuffix(cfg.TokenFile, "work.token") {
		t.Fatalf("expected token file per profile, got %q", cfg.TokenFile)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.WSURL != "wss://chat.example.com/api/ws" {
		t.Fatalf("expected wss url under the api path, got %q", cfg.WSURL)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	if _, err := load(env(map[string]string{"CHAT_TYPING_TTL": "soon"})); err == nil {
		t.Fatalf("expected bad duration to fail")
	}
	if _, err := load(env(map[string]string{"CHAT_LOG_LEVEL": "loud"})); err == nil {
		t.Fatalf("expected bad log level to fail")
	}

	bad := []Config{
		{APIURL: "localhost:8080"},
		{APIURL: "http://localhost", WSURL: "http://localhost/ws"},
		{APIURL: "http://localhost", TypingTTL: -time.Second},
	}
	for _, cfg := range bad {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("expected %+v to be rejected", cfg)
		}
	}
}
