// Package config loads relay configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarListenAddr      = "CALLRELAY_LISTEN_ADDR"
	envVarMode            = "CALLRELAY_MODE"
	envVarLogFormat       = "CALLRELAY_LOG_FORMAT"
	envVarLogLevel        = "CALLRELAY_LOG_LEVEL"
	envVarShutdownTimeout = "CALLRELAY_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"

	// Presence backend selection.
	envVarPresenceBackend = "PRESENCE_BACKEND"
	envVarRedisAddr       = "REDIS_ADDR"
	envVarRedisPassword   = "REDIS_PASSWORD"
	envVarRedisDB         = "REDIS_DB"
	envVarRedisKeyPrefix  = "REDIS_KEY_PREFIX"

	// Signaling WebSocket hardening.
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"

	DefaultListenAddr           = "127.0.0.1:8080"
	DefaultShutdown             = 15 * time.Second
	DefaultMode            Mode = ModeDev
	DefaultRedisKeyPrefix       = "callrelay:"

	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type PresenceBackend string

const (
	PresenceBackendMemory PresenceBackend = "memory"
	PresenceBackendRedis  PresenceBackend = "redis"
)

type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	PresenceBackend PresenceBackend
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	RedisKeyPrefix  string

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
}

func Load() (Config, error) {
	return load(os.LookupEnv)
}

func load(lookup func(string) (string, bool)) (Config, error) {
	envMode := envOrDefault(lookup, envVarMode, string(DefaultMode))
	mode, err := parseMode(envMode)
	if err != nil {
		return Config{}, err
	}

	logFormat, err := parseLogFormat(envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(mode)))
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(mode)))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:      envOrDefault(lookup, envVarListenAddr, DefaultListenAddr),
		AllowedOrigins:  parseAllowedOrigins(envOrDefault(lookup, envVarAllowedOrigins, "")),
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: DefaultShutdown,
		Mode:            mode,

		RedisAddr:      envOrDefault(lookup, envVarRedisAddr, "127.0.0.1:6379"),
		RedisPassword:  envOrDefault(lookup, envVarRedisPassword, ""),
		RedisKeyPrefix: envOrDefault(lookup, envVarRedisKeyPrefix, DefaultRedisKeyPrefix),

		MaxSignalingMessageBytes:      DefaultMaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: DefaultMaxSignalingMessagesPerSecond,
	}

	cfg.PresenceBackend, err = parsePresenceBackend(envOrDefault(lookup, envVarPresenceBackend, string(PresenceBackendMemory)))
	if err != nil {
		return Config{}, err
	}

	if raw, ok := lookup(envVarShutdownTimeout); ok && raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarShutdownTimeout, raw, err)
		}
		if d <= 0 {
			return Config{}, fmt.Errorf("invalid %s %q: must be a positive duration", envVarShutdownTimeout, raw)
		}
		cfg.ShutdownTimeout = d
	}

	cfg.RedisDB, err = envIntOrDefault(lookup, envVarRedisDB, 0)
	if err != nil {
		return Config{}, err
	}

	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && raw != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid %s %q: must be a positive integer", envVarMaxSignalingMessageBytes, raw)
		}
		cfg.MaxSignalingMessageBytes = n
	}

	cfg.MaxSignalingMessagesPerSecond, err = envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func defaultLogFormatForMode(mode Mode) string {
	if mode == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode Mode) string {
	if mode == ModeProd {
		return "info"
	}
	return "debug"
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parsePresenceBackend(raw string) (PresenceBackend, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(PresenceBackendMemory):
		return PresenceBackendMemory, nil
	case string(PresenceBackendRedis):
		return PresenceBackendRedis, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarPresenceBackend, raw, PresenceBackendMemory, PresenceBackendRedis)
	}
}

// parseAllowedOrigins splits the comma-separated allowlist. Empty means
// same-host-only; "*" allows any origin.
func parseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		out = append(out, strings.TrimSuffix(strings.ToLower(entry), "/"))
	}
	return out
}
