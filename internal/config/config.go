package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go-chat-sync/internal/chat"
)

type Config struct {
	APIURL    string
	WSURL     string
	Token     string
	TokenFile string
	// CacheFile is the SQLite history cache; empty disables it.
	CacheFile string
	RedisAddr string
	Profile   string
	TypingTTL time.Duration
	LogLevel  slog.Level
}

// Load reads the environment. Unset values fall back to local defaults.
func Load() (Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (Config, error) {
	cfg := Config{
		APIURL:    getenv("CHAT_API_URL"),
		WSURL:     getenv("CHAT_WS_URL"),
		Token:     getenv("CHAT_TOKEN"),
		TokenFile: getenv("CHAT_TOKEN_FILE"),
		CacheFile: getenv("CHAT_CACHE_FILE"),
		RedisAddr: getenv("REDIS_ADDR"),
		Profile:   getenv("CHAT_PROFILE"),
		TypingTTL: chat.DefaultTypingTTL,
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "http://localhost:8080"
	}
	if cfg.Profile == "" {
		cfg.Profile = "default"
	}
	if cfg.TokenFile == "" {
		if dir, err := os.UserConfigDir(); err == nil {
			cfg.TokenFile = filepath.Join(dir, "chat-sync", cfg.Profile+".token")
		}
	}
	switch {
	case cfg.CacheFile == "off":
		cfg.CacheFile = ""
	case cfg.CacheFile == "" && cfg.TokenFile != "":
		cfg.CacheFile = strings.TrimSuffix(cfg.TokenFile, ".token") + ".db"
	}
	if v := getenv("CHAT_TYPING_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("CHAT_TYPING_TTL: %w", err)
		}
		cfg.TypingTTL = d
	}
	if v := getenv("CHAT_LOG_LEVEL"); v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return cfg, fmt.Errorf("CHAT_LOG_LEVEL: %w", err)
		}
	}
	return cfg, nil
}

// Validate fills derived values and rejects unusable ones.
func (c *Config) Validate() error {
	api, err := url.Parse(c.APIURL)
	if err != nil || (api.Scheme != "http" && api.Scheme != "https") || api.Host == "" {
		return fmt.Errorf("CHAT_API_URL %q must be an http(s) URL", c.APIURL)
	}
	if c.WSURL == "" {
		ws := *api
		ws.Scheme = "ws"
		if api.Scheme == "https" {
			ws.Scheme = "wss"
		}
		ws.Path = strings.TrimRight(api.Path, "/") + "/ws"
		c.WSURL = ws.String()
	}
	ws, err := url.Parse(c.WSURL)
	if err != nil || (ws.Scheme != "ws" && ws.Scheme != "wss") {
		return fmt.Errorf("CHAT_WS_URL %q must be a ws(s) URL", c.WSURL)
	}
	if c.TypingTTL < 0 {
		return errors.New("CHAT_TYPING_TTL must not be negative")
	}
	return nil
}
