// SPDX-License-Identifier: AGPL-3.0-only
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AppConfig is the environment-driven configuration for the relay. Load in
// main after godotenv has populated the process environment.
type AppConfig struct {
	Port string

	TgBotToken  string
	TgAppID     string
	TgAppHash   string
	TgChannel   string
	SessionFile string

	Accounts     []string
	MaxStored    int
	HistoryDir   string
	MediaCache   string
	PostSelector string

	FetchWorkers   int
	FetchTimeout   time.Duration
	MessageDelay   time.Duration
	PostDelay      time.Duration
	PollInterval   time.Duration
	AccountStagger time.Duration

	UseProxies bool
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		Port:         envOr("PORT", "8080"),
		TgBotToken:   os.Getenv("TG_BOT_TOKEN"),
		TgAppID:      os.Getenv("TG_APP_ID"),
		TgAppHash:    os.Getenv("TG_APP_HASH"),
		TgChannel:    os.Getenv("TG_CHANNEL"),
		SessionFile:  envOr("TG_SESSION_FILE", "outputs/telegram_session.json"),
		Accounts:     strings.Fields(os.Getenv("GAB_ACCOUNTS")),
		HistoryDir:   envOr("HISTORY_DIR", "db/gab"),
		MediaCache:   envOr("MEDIA_CACHE_DIR", "mediaCache"),
		PostSelector: "." + envOr("POST_SELECTOR", "Z4Zp4"),
	}

	if cfg.TgBotToken == "" || cfg.TgAppID == "" || cfg.TgAppHash == "" || cfg.TgChannel == "" {
		return nil, fmt.Errorf("TG_BOT_TOKEN, TG_APP_ID, TG_APP_HASH and TG_CHANNEL are required")
	}
	if len(cfg.Accounts) == 0 {
		return nil, fmt.Errorf("GAB_ACCOUNTS is required")
	}

	var err error
	if cfg.MaxStored, err = envInt("MAX_POSTS_STORED", 100); err != nil {
		return nil, err
	}
	if cfg.MaxStored < 1 {
		return nil, fmt.Errorf("MAX_POSTS_STORED must be at least 1")
	}

	if cfg.FetchWorkers, err = envInt("FETCH_WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.FetchWorkers < 1 {
		return nil, fmt.Errorf("FETCH_WORKERS must be at least 1")
	}

	if cfg.FetchTimeout, err = envDuration("FETCH_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.MessageDelay, err = envDuration("MESSAGE_DELAY", 3*time.Second); err != nil {
		return nil, err
	}
	if cfg.PostDelay, err = envDuration("POST_DELAY", 9*time.Second); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = envDuration("POLL_INTERVAL", 4*time.Hour); err != nil {
		return nil, err
	}
	if cfg.AccountStagger, err = envDuration("ACCOUNT_STAGGER", time.Minute); err != nil {
		return nil, err
	}

	cfg.UseProxies = os.Getenv("USE_PROXIES") == "true"

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", key, err)
	}
	return n, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", key, err)
	}
	return d, nil
}
