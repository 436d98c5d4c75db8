package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port           string       `yaml:"port"`
	Environment    string       `yaml:"environment"`
	LogLevel       string       `yaml:"log_level"`
	AllowedOrigins []string     `yaml:"allowed_origins"`
	JWTSecret      string       `yaml:"jwt_secret"`
	OperatorID     string       `yaml:"operator_id"`
	Redis          RedisConfig  `yaml:"redis"`
	Limits         LimitsConfig `yaml:"limits"`
	Client         ClientConfig `yaml:"client"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LimitsConfig bounds inbound traffic per WebSocket connection.
type LimitsConfig struct {
	MessageRate  float64 `yaml:"message_rate"`
	MessageBurst int     `yaml:"message_burst"`
}

// ClientConfig is read by the softphone side: reconnection and negotiation.
type ClientConfig struct {
	SignalingURL         string        `yaml:"signaling_url"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	NegotiationTimeout   time.Duration `yaml:"negotiation_timeout"`
	STUNURLs             []string      `yaml:"stun_urls"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Port:           "8080",
		Environment:    "development",
		LogLevel:       "info",
		AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		JWTSecret:      "change-me-in-production",
		OperatorID:     "operator",
		Redis: RedisConfig{
			Host: "localhost",
			Port: "6379",
		},
		Limits: LimitsConfig{
			MessageRate:  50,
			MessageBurst: 100,
		},
		Client: ClientConfig{
			SignalingURL:         "ws://localhost:8080/ws/signal",
			MaxReconnectAttempts: 5,
			ReconnectDelay:       time.Second,
			NegotiationTimeout:   30 * time.Second,
			STUNURLs:             []string{"stun:stun.l.google.com:19302"},
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file named by
// CONFIG_FILE, and finally environment variables.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.OperatorID = getEnv("OPERATOR_ID", cfg.OperatorID)

	// Comma-separated lists
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("STUN_URLS"); v != "" {
		cfg.Client.STUNURLs = splitList(v)
	}

	cfg.Redis.Host = getEnv("REDIS_HOST", cfg.Redis.Host)
	cfg.Redis.Port = getEnv("REDIS_PORT", cfg.Redis.Port)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Client.SignalingURL = getEnv("SIGNALING_URL", cfg.Client.SignalingURL)

	var err error
	if cfg.Redis.Enabled, err = getBool("REDIS_ENABLED", cfg.Redis.Enabled); err != nil {
		return err
	}
	if cfg.Redis.DB, err = getInt("REDIS_DB", cfg.Redis.DB); err != nil {
		return err
	}
	if cfg.Limits.MessageRate, err = getFloat("MESSAGE_RATE", cfg.Limits.MessageRate); err != nil {
		return err
	}
	if cfg.Limits.MessageBurst, err = getInt("MESSAGE_BURST", cfg.Limits.MessageBurst); err != nil {
		return err
	}
	if cfg.Client.MaxReconnectAttempts, err = getInt("MAX_RECONNECT_ATTEMPTS", cfg.Client.MaxReconnectAttempts); err != nil {
		return err
	}
	if cfg.Client.ReconnectDelay, err = getDuration("RECONNECT_DELAY", cfg.Client.ReconnectDelay); err != nil {
		return err
	}
	if cfg.Client.NegotiationTimeout, err = getDuration("NEGOTIATION_TIMEOUT", cfg.Client.NegotiationTimeout); err != nil {
		return err
	}
	return nil
}

// Validate rejects settings the relay and client cannot run with.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port must not be empty")
	}
	if c.OperatorID == "" {
		return fmt.Errorf("operator id must not be empty")
	}
	if c.Limits.MessageRate <= 0 || c.Limits.MessageBurst <= 0 {
		return fmt.Errorf("message rate and burst must be positive")
	}
	if c.Client.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("max reconnect attempts must be positive, got %d", c.Client.MaxReconnectAttempts)
	}
	if c.Client.ReconnectDelay < 0 || c.Client.NegotiationTimeout < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

// Addr returns host:port for the Redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getFloat(key string, defaultValue float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func getBool(key string, defaultValue bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
