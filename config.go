package main

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type config struct {
	Debug     bool
	LogFormat string
	Addr      string

	StorageConnStr       string
	TasksTable           string
	UsersTable           string
	ActivityQueue        string
	AttachmentsContainer string
	BoardConfigPath      string
	UpdateRetries        int

	RedisConnStr  string
	TasksCacheTTL time.Duration
	DeduperTTL    time.Duration

	LocalSecret  string
	AuthDomain   string
	AuthAudience string
	RoleClaim    string
	JWKSCacheTTL time.Duration
	TokenTTL     time.Duration
}

// loadConfig reads the service settings through getenv.
func loadConfig(getenv func(string) string) (config, error) {
	cfg := config{
		LogFormat:            envString(getenv, "LOG_FORMAT", "text"),
		Addr:                 ":8080",
		StorageConnStr:       getenv("STORAGE_CONNECTION_STRING"),
		TasksTable:           getenv("TASKS_TABLE"),
		UsersTable:           getenv("USERS_TABLE"),
		ActivityQueue:        getenv("ACTIVITY_QUEUE"),
		AttachmentsContainer: getenv("ATTACHMENTS_CONTAINER"),
		BoardConfigPath:      getenv("BOARD_CONFIG"),
		RedisConnStr:         getenv("REDIS_CONNECTION_STRING"),
		LocalSecret:          getenv("LOCAL_AUTH_SHARED_SECRET"),
		AuthDomain:           getenv("AUTH0_DOMAIN"),
		AuthAudience:         getenv("AUTH0_AUDIENCE"),
		RoleClaim:            getenv("AUTH0_ROLE_CLAIM"),
	}
	if dbg, err := strconv.ParseBool(getenv("DEBUG")); err == nil {
		cfg.Debug = dbg
	}
	if port := getenv("FUNCTIONS_CUSTOMHANDLER_PORT"); port != "" {
		cfg.Addr = ":" + port
	}
	if cfg.StorageConnStr == "" || cfg.TasksTable == "" || cfg.UsersTable == "" {
		return cfg, errors.New("missing storage config")
	}
	if cfg.RedisConnStr == "" {
		return cfg, errors.New("missing redis config")
	}
	if cfg.LocalSecret == "" && cfg.AuthDomain == "" {
		return cfg, errors.New("missing auth config: set LOCAL_AUTH_SHARED_SECRET or AUTH0_DOMAIN")
	}
	if cfg.AuthDomain != "" && cfg.AuthAudience == "" {
		return cfg, errors.New("missing AUTH0_AUDIENCE")
	}

	var err error
	if cfg.UpdateRetries, err = envInt(getenv, "UPDATE_RETRIES", 3); err != nil {
		return cfg, err
	}
	if cfg.TasksCacheTTL, err = envDur(getenv, "TASKS_CACHE_TTL", time.Minute); err != nil {
		return cfg, err
	}
	if cfg.DeduperTTL, err = envDur(getenv, "DEDUPER_TTL", 24*time.Hour); err != nil {
		return cfg, err
	}
	if cfg.JWKSCacheTTL, err = envDur(getenv, "JWKS_CACHE_TTL", 15*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.TokenTTL, err = envDur(getenv, "TOKEN_TTL", 12*time.Hour); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func envString(getenv func(string) string, key, fallback string) string {
	if v := strings.TrimSpace(getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(getenv func(string) string, key string, fallback int) (int, error) {
	v := getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be greater than zero", key)
	}
	return n, nil
}

func envDur(getenv func(string) string, key string, fallback time.Duration) (time.Duration, error) {
	v := getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be greater than zero", key)
	}
	return d, nil
}

// redisOptions accepts a redis:// URL or the Azure style
// "host:port,password=...,ssl=true" connection string.
func redisOptions(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "password":
			opts.Password = v
		case "ssl":
			if strings.EqualFold(v, "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts
}
