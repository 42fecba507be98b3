package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "STORE_DRIVER", "OFFLINE_THRESHOLD", "SWEEP_INTERVAL",
		"HISTORY_LIMIT", "MQTT_ENABLED", "KAFKA_BROKERS",
		"TELEGRAM_BOT_TOKEN", "TELEGRAM_CHAT_ID", "CORS_ALLOWED_ORIGINS",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("port = %q, want 8080", cfg.Server.Port)
	}
	if cfg.Storage.Driver != "auto" {
		t.Errorf("driver = %q, want auto", cfg.Storage.Driver)
	}
	if cfg.Liveness.OfflineThreshold != time.Minute {
		t.Errorf("threshold = %v, want 1m", cfg.Liveness.OfflineThreshold)
	}
	if cfg.Liveness.SweepInterval != time.Minute {
		t.Errorf("sweep interval = %v, want 1m", cfg.Liveness.SweepInterval)
	}
	if cfg.Liveness.HistoryLimit != 100 {
		t.Errorf("history limit = %d, want 100", cfg.Liveness.HistoryLimit)
	}
	if cfg.MQTT.Enabled {
		t.Error("mqtt enabled by default")
	}
	if cfg.KafkaEnabled() {
		t.Error("kafka enabled with no brokers")
	}
	if cfg.TelegramEnabled() {
		t.Error("telegram enabled with no token")
	}
	if len(cfg.CORS.AllowedOrigins) != 1 || cfg.CORS.AllowedOrigins[0] != "*" {
		t.Errorf("cors origins = %v", cfg.CORS.AllowedOrigins)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("OFFLINE_THRESHOLD", "90s")
	t.Setenv("SWEEP_INTERVAL", "30")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")
	t.Setenv("TELEGRAM_BOT_TOKEN", "token")
	t.Setenv("TELEGRAM_CHAT_ID", "-100123")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("port = %q", cfg.Server.Port)
	}
	if cfg.Liveness.OfflineThreshold != 90*time.Second {
		t.Errorf("threshold = %v, want 90s", cfg.Liveness.OfflineThreshold)
	}
	// Bare numbers parse as seconds.
	if cfg.Liveness.SweepInterval != 30*time.Second {
		t.Errorf("sweep interval = %v, want 30s", cfg.Liveness.SweepInterval)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "kafka-2:9092" {
		t.Errorf("brokers = %v", cfg.Kafka.Brokers)
	}
	if !cfg.KafkaEnabled() || !cfg.TelegramEnabled() {
		t.Error("optional sinks not detected as enabled")
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "token")
	t.Setenv("TELEGRAM_CHAT_ID", "")
	if _, err := Load(); err == nil {
		t.Error("token without chat id passed validation")
	}
}
