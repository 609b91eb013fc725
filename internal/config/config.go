package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the live speech bridge.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	LogFormat        string

	AllowAnyOrigin bool
	CORSOrigins    []string

	SessionTTL        time.Duration
	SessionMaxEntries int
	// SessionRateLimit caps session issuance per client IP per minute. 0 disables it.
	SessionRateLimit int

	DefaultLanguage       string
	DefaultVoice          string
	SystemInstruction     string
	SystemInstructionFile string

	ModelProvider        string
	GeminiAPIKey         string
	GeminiModel          string
	ModelConnectTimeout  time.Duration
	ModelConnectAttempts int

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults. When
// APP_CONFIG_FILE names a YAML file of KEY: value pairs, its values fill in
// keys the environment leaves unset.
// A missing GEMINI_API_KEY is not an error here: it surfaces per connection.
func Load() (Config, error) {
	src, err := newSource(strings.TrimSpace(os.Getenv("APP_CONFIG_FILE")))
	if err != nil {
		return Config{}, err
	}
	return src.load()
}

func (src source) load() (Config, error) {
	cfg := Config{
		BindAddr:              src.bindAddr(),
		MetricsNamespace:      src.envOrDefault("APP_METRICS_NAMESPACE", "livebridge"),
		LogLevel:              src.envOrDefault("APP_LOG_LEVEL", "info"),
		LogFormat:             src.envOrDefault("APP_LOG_FORMAT", "json"),
		AllowAnyOrigin:        false,
		CORSOrigins:           splitList(src.envOrDefault("APP_CORS_ORIGINS", "*")),
		DefaultLanguage:       src.envOrDefault("DEFAULT_LANGUAGE", "en-IN"),
		DefaultVoice:          src.envOrDefault("DEFAULT_VOICE", "Puck"),
		SystemInstruction:     src.get("SYSTEM_INSTRUCTION"),
		SystemInstructionFile: src.envOrDefault("SYSTEM_INSTRUCTION_FILE", "systemInstruction.txt"),
		ModelProvider:         src.envOrDefault("MODEL_PROVIDER", "gemini"),
		GeminiAPIKey:          src.trimmed("GEMINI_API_KEY"),
		GeminiModel:           src.envOrDefault("GEMINI_MODEL", "gemini-2.5-flash-preview-native-audio-dialog"),
		DatabaseURL:           src.trimmed("DATABASE_URL"),
		ShutdownTimeout:       15 * time.Second,
		SessionTTL:            30 * time.Minute,
		SessionMaxEntries:     10000,
		SessionRateLimit:      30,
		ModelConnectTimeout:   10 * time.Second,
		ModelConnectAttempts:  1,
	}
	var err error
	cfg.ShutdownTimeout, err = src.durationOr("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionTTL, err = src.durationOr("APP_SESSION_TTL", cfg.SessionTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.ModelConnectTimeout, err = src.durationOr("APP_MODEL_CONNECT_TIMEOUT", cfg.ModelConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionMaxEntries, err = src.intOr("APP_SESSION_MAX_ENTRIES", cfg.SessionMaxEntries)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionRateLimit, err = src.intOr("APP_SESSION_RATE_LIMIT", cfg.SessionRateLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.ModelConnectAttempts, err = src.intOr("APP_MODEL_CONNECT_ATTEMPTS", cfg.ModelConnectAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = src.boolOr("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionTTL < time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_TTL must be at least 1s")
	}
	if cfg.SessionMaxEntries <= 0 {
		return Config{}, fmt.Errorf("APP_SESSION_MAX_ENTRIES must be positive")
	}
	if cfg.SessionRateLimit < 0 {
		return Config{}, fmt.Errorf("APP_SESSION_RATE_LIMIT must be >= 0")
	}
	if cfg.ModelConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("APP_MODEL_CONNECT_TIMEOUT must be positive")
	}
	if cfg.ModelConnectAttempts <= 0 {
		return Config{}, fmt.Errorf("APP_MODEL_CONNECT_ATTEMPTS must be positive")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.ModelProvider)) {
	case "auto", "gemini", "mock":
	default:
		return Config{}, fmt.Errorf("invalid MODEL_PROVIDER: %q (expected auto|gemini|mock)", cfg.ModelProvider)
	}

	return cfg, nil
}

// source resolves keys from the environment first, then the config file.
type source struct {
	file map[string]string
}

func newSource(path string) (source, error) {
	if path == "" {
		return source{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return source{}, fmt.Errorf("read APP_CONFIG_FILE: %w", err)
	}
	var file map[string]string
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return source{}, fmt.Errorf("parse APP_CONFIG_FILE %s: %w", path, err)
	}
	return source{file: file}, nil
}

func (src source) get(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return src.file[key]
}

// bindAddr honours APP_BIND_ADDR, then the conventional PORT.
func (src source) bindAddr() string {
	if v := src.trimmed("APP_BIND_ADDR"); v != "" {
		return v
	}
	if port := src.trimmed("PORT"); port != "" {
		return ":" + port
	}
	return ":3000"
}

func (src source) envOrDefault(key, fallback string) string {
	v := src.get(key)
	if v == "" {
		return fallback
	}
	return v
}

func (src source) trimmed(key string) string {
	return strings.TrimSpace(src.get(key))
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (src source) durationOr(key string, fallback time.Duration) (time.Duration, error) {
	v := src.trimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func (src source) intOr(key string, fallback int) (int, error) {
	v := src.trimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func (src source) boolOr(key string, fallback bool) (bool, error) {
	v := strings.ToLower(src.trimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
