package ingest

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/effendiaiwebsite/render-backend/server/store"
)

// BridgeConfig carries the broker settings for the MQTT ingest path.
type BridgeConfig struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	Topic     string
}

// Bridge subscribes to the device status topic and feeds every message
// through the Service, so firmware can publish heartbeats over MQTT
// instead of HTTP.
type Bridge struct {
	service *Service
	topic   string
	logger  *zap.Logger
	client  mqtt.Client
}

func NewBridge(service *Service, cfg BridgeConfig, logger *zap.Logger) *Bridge {
	b := &Bridge{
		service: service,
		topic:   cfg.Topic,
		logger:  logger,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetOrderMatters(false).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetCleanSession(false)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		b.logger.Error("MQTT connection lost", zap.Error(err))
	}
	opts.OnConnect = func(c mqtt.Client) {
		b.logger.Info("MQTT connected, subscribing to topic", zap.String("topic", b.topic))
		if token := c.Subscribe(b.topic, 1, b.onMessage); token.Wait() && token.Error() != nil {
			b.logger.Error("Failed to subscribe to MQTT topic",
				zap.String("topic", b.topic),
				zap.Error(token.Error()))
		}
	}

	b.client = mqtt.NewClient(opts)
	return b
}

func (b *Bridge) Start() error {
	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

func (b *Bridge) Stop() {
	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(500)
	}
}

func (b *Bridge) IsConnected() bool {
	return b.client != nil && b.client.IsConnected()
}

func (b *Bridge) onMessage(_ mqtt.Client, m mqtt.Message) {
	var payload map[string]any
	if err := json.Unmarshal(m.Payload(), &payload); err != nil {
		payload = map[string]any{}
	}

	// Topic format devices/<device_id>/status: the topic segment wins
	// over the body so a fleet can share one firmware payload template.
	if id := topicDeviceID(m.Topic()); id != "" {
		payload["device_id"] = id
	}

	r := Normalize(payload, time.Now().Unix())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.service.Record(ctx, r, store.SourceMQTT); err != nil {
		b.logger.Error("Failed to record MQTT report",
			zap.String("device_id", r.DeviceID),
			zap.Error(err))
	}
}

func topicDeviceID(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}
