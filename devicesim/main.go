package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

var (
	serverURL = flag.String("server", "http://localhost:8080", "Heartbeat server base URL")
	deviceID  = flag.String("device", "esp32-sim-001", "Device ID to report as")
	interval  = flag.Duration("interval", 30*time.Second, "Delay between reports")
	count     = flag.Int("count", 0, "Number of reports to send (0 = run until stopped)")
	dropout   = flag.Float64("dropout", 0, "Probability per report of going silent for a stretch (0.0-1.0)")
	useMQTT   = flag.Bool("mqtt", false, "Publish over MQTT instead of HTTP")
	broker    = flag.String("broker", "tcp://localhost:1883", "MQTT broker URL")
	mqttUser  = flag.String("user", "", "MQTT username")
	mqttPass  = flag.String("pass", "", "MQTT password")
)

// simulator fakes one ESP32 running the heartbeat firmware.
type simulator struct {
	deviceID string
	bootTime time.Time
	ip       string
	rssi     int
}

func newSimulator(deviceID string) *simulator {
	return &simulator{
		deviceID: deviceID,
		bootTime: time.Now(),
		ip:       localIP(),
		rssi:     -62,
	}
}

// payload builds one status report the way the firmware would.
func (s *simulator) payload(isBoot bool) []byte {
	// The radio drifts a few dBm between reports
	s.rssi += rand.Intn(5) - 2
	if s.rssi > -30 {
		s.rssi = -30
	}
	if s.rssi < -90 {
		s.rssi = -90
	}

	report := map[string]any{
		"device_id":      s.deviceID,
		"status":         "online",
		"uptime_seconds": int64(time.Since(s.bootTime).Seconds()),
		"ip_address":     s.ip,
		"rssi":           s.rssi,
		"free_heap":      150000 + rand.Intn(40000),
		"is_boot":        isBoot,
		"timestamp":      time.Now().Unix(),
	}

	data, _ := json.Marshal(report)
	return data
}

func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "0.0.0.0"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

func sendHTTP(base string, data []byte) error {
	resp, err := http.Post(base+"/api/status", "application/json", bytes.NewBuffer(data))
	if err != nil {
		return fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned status code: %d", resp.StatusCode)
	}
	return nil
}

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	sim := newSimulator(*deviceID)

	logger.Info("Device simulator started",
		zap.String("device_id", *deviceID),
		zap.Duration("interval", *interval),
		zap.Bool("mqtt", *useMQTT))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, stopping simulator")
		cancel()
	}()

	publish := func(data []byte) error {
		return sendHTTP(*serverURL, data)
	}

	if *useMQTT {
		opts := mqtt.NewClientOptions()
		opts.AddBroker(*broker)
		opts.SetClientID(*deviceID + "-sim")
		opts.SetKeepAlive(60 * time.Second)
		opts.SetPingTimeout(10 * time.Second)
		opts.SetAutoReconnect(true)
		if *mqttUser != "" {
			opts.SetUsername(*mqttUser)
			opts.SetPassword(*mqttPass)
		}
		opts.OnConnect = func(_ mqtt.Client) {
			logger.Info("Connected to MQTT broker", zap.String("broker", *broker))
		}
		opts.OnConnectionLost = func(_ mqtt.Client, err error) {
			logger.Error("MQTT connection lost", zap.Error(err))
		}

		client := mqtt.NewClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			logger.Fatal("Failed to connect to MQTT broker", zap.Error(token.Error()))
		}
		defer client.Disconnect(250)

		topic := fmt.Sprintf("devices/%s/status", *deviceID)
		publish = func(data []byte) error {
			token := client.Publish(topic, 1, false, data)
			if token.Wait() && token.Error() != nil {
				return token.Error()
			}
			return nil
		}
	}

	sent := 0
	send := func(isBoot bool) {
		if err := publish(sim.payload(isBoot)); err != nil {
			logger.Error("Failed to send report", zap.Error(err))
			return
		}
		sent++
		logger.Info("Report sent",
			zap.Int("count", sent),
			zap.Int("rssi", sim.rssi),
			zap.Bool("is_boot", isBoot))
	}

	// First report after power-on carries the boot flag
	send(true)
	if *count > 0 && sent >= *count {
		logger.Info("Report quota reached", zap.Int("total_reports", sent))
		return
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	silentTicks := 0
	for {
		select {
		case <-ctx.Done():
			logger.Info("Simulator stopped",
				zap.Int("total_reports", sent),
				zap.Duration("uptime", time.Since(sim.bootTime)))
			return

		case <-ticker.C:
			if silentTicks > 0 {
				// Wifi is "down": skip the report, the server should
				// flag us offline and then recover when we resume.
				silentTicks--
				continue
			}
			if *dropout > 0 && rand.Float64() < *dropout {
				silentTicks = 3 + rand.Intn(6)
				logger.Warn("Simulating connectivity loss",
					zap.Int("missed_reports", silentTicks))
				continue
			}

			send(false)
			if *count > 0 && sent >= *count {
				logger.Info("Report quota reached", zap.Int("total_reports", sent))
				return
			}
		}
	}
}
