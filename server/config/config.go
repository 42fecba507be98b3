// Package config loads all runtime settings from the environment, with
// an optional .env file for local development.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Liveness  LivenessConfig
	MQTT      MQTTConfig
	Kafka     KafkaConfig
	Telegram  TelegramConfig
	Websocket WebsocketConfig
	CORS      CORSConfig
}

// ServerConfig holds the HTTP listener settings
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	IngestRateLimit int
	IngestRateBurst int
}

// StorageConfig selects and parameterizes the report store. Driver
// "auto" picks postgres, then redis, then sqlite, based on which
// connection settings are present.
type StorageConfig struct {
	Driver      string
	PostgresURL string
	RedisURL    string
	SQLitePath  string
}

// LivenessConfig holds the staleness threshold and sweep cadence
type LivenessConfig struct {
	OfflineThreshold time.Duration
	SweepInterval    time.Duration
	HistoryLimit     int
	HistoryMaxLimit  int
}

// MQTTConfig holds the optional broker ingest path
type MQTTConfig struct {
	Enabled   bool
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	Topic     string
}

// KafkaConfig holds the optional transition event stream
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// TelegramConfig holds the optional alerting chat
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Throttle time.Duration
}

// WebsocketConfig holds dashboard push settings
type WebsocketConfig struct {
	MaxClients int
}

// CORSConfig holds cross-origin settings for the dashboard API
type CORSConfig struct {
	AllowedOrigins []string
}

// Load loads configuration from environment variables with fallback defaults
func Load() (*Config, error) {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	config := &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", "8080"),
			ReadTimeout:     getDuration("READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getDuration("WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getDuration("IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
			IngestRateLimit: getInt("INGEST_RATE_LIMIT", 100),
			IngestRateBurst: getInt("INGEST_RATE_BURST", 200),
		},
		Storage: StorageConfig{
			Driver:      getEnv("STORE_DRIVER", "auto"),
			PostgresURL: getEnv("DATABASE_URL", ""),
			RedisURL:    getEnv("REDIS_URL", ""),
			SQLitePath:  getEnv("SQLITE_PATH", "heartbeat.db"),
		},
		Liveness: LivenessConfig{
			OfflineThreshold: getDuration("OFFLINE_THRESHOLD", time.Minute),
			SweepInterval:    getDuration("SWEEP_INTERVAL", time.Minute),
			HistoryLimit:     getInt("HISTORY_LIMIT", 100),
			HistoryMaxLimit:  getInt("HISTORY_MAX_LIMIT", 1000),
		},
		MQTT: MQTTConfig{
			Enabled:   getBool("MQTT_ENABLED", false),
			BrokerURL: getEnv("MQTT_BROKER_URL", "tcp://localhost:1883"),
			ClientID:  getEnv("MQTT_CLIENT_ID", "heartbeat-server"),
			Username:  getEnv("MQTT_USERNAME", ""),
			Password:  getEnv("MQTT_PASSWORD", ""),
			Topic:     getEnv("MQTT_TOPIC", "devices/+/status"),
		},
		Kafka: KafkaConfig{
			Brokers: getStringSlice("KAFKA_BROKERS", nil),
			Topic:   getEnv("KAFKA_TOPIC", "device-transitions"),
		},
		Telegram: TelegramConfig{
			BotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
			ChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
			Throttle: getDuration("TELEGRAM_THROTTLE", 5*time.Minute),
		},
		Websocket: WebsocketConfig{
			MaxClients: getInt("WS_MAX_CLIENTS", 200),
		},
		CORS: CORSConfig{
			AllowedOrigins: getStringSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Liveness.OfflineThreshold <= 0 {
		return fmt.Errorf("OFFLINE_THRESHOLD must be positive")
	}
	if c.Liveness.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.Liveness.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be positive")
	}
	if c.Telegram.BotToken != "" && c.Telegram.ChatID == "" {
		return fmt.Errorf("TELEGRAM_CHAT_ID is required when TELEGRAM_BOT_TOKEN is set")
	}
	return nil
}

// TelegramEnabled reports whether the alerting chat is configured.
func (c *Config) TelegramEnabled() bool {
	return c.Telegram.BotToken != "" && c.Telegram.ChatID != ""
}

// KafkaEnabled reports whether a transition stream is configured.
func (c *Config) KafkaEnabled() bool {
	return len(c.Kafka.Brokers) > 0
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		log.Fatalf("invalid %s: %v", key, err)
	}
	return intValue
}

func getBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if value == "1" || value == "true" || value == "TRUE" {
		return true
	}
	if value == "0" || value == "false" || value == "FALSE" {
		return false
	}
	log.Fatalf("invalid %s: %q (expected true/false or 1/0)", key, value)
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		// Bare numbers are treated as seconds.
		if n, convErr := strconv.Atoi(value); convErr == nil {
			return time.Duration(n) * time.Second
		}
		log.Fatalf("invalid %s: %v", key, err)
	}
	return d
}

func getStringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
