package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultAddr              = "127.0.0.1:8090"
	defaultPollInterval      = 60 * time.Second
	defaultSilentAuthTimeout = 15 * time.Second
)

// Config holds everything the daemon needs: where to listen, where to poll,
// how to capture credentials, and which sinks to attach.
type Config struct {
	DBPath            string
	Addr              string
	BaseURL           string
	PollInterval      time.Duration
	SilentAuthTimeout time.Duration

	// CredentialHelper is an external command printing a session token.
	// Empty disables the exec source; the persisted token and
	// QUOTAWATCH_SESSION_KEY remain as silent sources.
	CredentialHelper string

	// RedisAddr enables the Redis event sink when non-empty.
	RedisAddr     string
	RedisChannel  string
	RedisPassword string
}

// LoadConfig resolves configuration from environment variables overlaid by
// flags. Flags win.
func LoadConfig(args []string) (Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, fmt.Errorf("failed to get cwd: %w", err)
	}

	dbPath := envOrDefault("QUOTAWATCH_DB_PATH", filepath.Join(cwd, "quotawatch.db"))
	addr := addrFromEnv(defaultAddr)
	baseURL := envOrDefault("QUOTAWATCH_BASE_URL", "")
	helper := os.Getenv("QUOTAWATCH_CREDENTIAL_HELPER")
	redisAddr := os.Getenv("QUOTAWATCH_REDIS_ADDR")
	redisChannel := os.Getenv("QUOTAWATCH_REDIS_CHANNEL")
	redisPassword := os.Getenv("QUOTAWATCH_REDIS_PASSWORD")

	pollInterval := defaultPollInterval
	if raw := os.Getenv("QUOTAWATCH_POLL_INTERVAL"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid QUOTAWATCH_POLL_INTERVAL: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("QUOTAWATCH_POLL_INTERVAL must be positive")
		}
		pollInterval = parsed
	}

	silentTimeout := defaultSilentAuthTimeout
	if raw := os.Getenv("QUOTAWATCH_SILENT_AUTH_TIMEOUT"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid QUOTAWATCH_SILENT_AUTH_TIMEOUT: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("QUOTAWATCH_SILENT_AUTH_TIMEOUT must be positive")
		}
		silentTimeout = parsed
	}

	flagSet := flag.NewFlagSet("quotawatch-d", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagDB := flagSet.String("db", dbPath, "path to SQLite database")
	flagAddr := flagSet.String("addr", addr, "HTTP listen address")
	flagBaseURL := flagSet.String("base-url", baseURL, "usage service base URL (default: production)")
	flagPollInterval := flagSet.String("poll-interval", pollInterval.String(), "usage poll interval")
	flagSilentTimeout := flagSet.String("silent-auth-timeout", silentTimeout.String(), "bound on unattended credential capture")
	flagHelper := flagSet.String("credential-helper", helper, "command printing a session token")
	flagRedisAddr := flagSet.String("redis-addr", redisAddr, "Redis address for the event sink (empty = disabled)")
	flagRedisChannel := flagSet.String("redis-channel", redisChannel, "Redis pub/sub channel for events")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			flagSet.SetOutput(os.Stdout)
			flagSet.PrintDefaults()
			return Config{}, err
		}
		return Config{}, err
	}

	pollIntervalParsed, err := time.ParseDuration(*flagPollInterval)
	if err != nil {
		return Config{}, fmt.Errorf("invalid poll interval: %w", err)
	}
	if pollIntervalParsed <= 0 {
		return Config{}, errors.New("poll interval must be positive")
	}
	silentTimeoutParsed, err := time.ParseDuration(*flagSilentTimeout)
	if err != nil {
		return Config{}, fmt.Errorf("invalid silent auth timeout: %w", err)
	}
	if silentTimeoutParsed <= 0 {
		return Config{}, errors.New("silent auth timeout must be positive")
	}

	config := Config{
		DBPath:            resolvePath(*flagDB, cwd),
		Addr:              strings.TrimSpace(*flagAddr),
		BaseURL:           strings.TrimSpace(*flagBaseURL),
		PollInterval:      pollIntervalParsed,
		SilentAuthTimeout: silentTimeoutParsed,
		CredentialHelper:  strings.TrimSpace(*flagHelper),
		RedisAddr:         strings.TrimSpace(*flagRedisAddr),
		RedisChannel:      strings.TrimSpace(*flagRedisChannel),
		RedisPassword:     redisPassword,
	}

	if config.Addr == "" {
		return Config{}, errors.New("addr cannot be empty")
	}

	return config, nil
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func addrFromEnv(fallback string) string {
	if value := os.Getenv("QUOTAWATCH_ADDR"); value != "" {
		return value
	}
	if port := os.Getenv("QUOTAWATCH_PORT"); port != "" {
		return fmt.Sprintf("127.0.0.1:%s", port)
	}
	return fallback
}

func resolvePath(path string, cwd string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return trimmed
	}
	if filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Join(cwd, trimmed)
}
