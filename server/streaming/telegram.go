package streaming

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// TelegramNotifier pushes transition alerts to a chat. Offline alerts
// are throttled per device so a flapping device cannot flood the chat;
// recoveries always go out.
type TelegramNotifier struct {
	bot      *tgbotapi.BotAPI
	chatID   int64
	throttle time.Duration
	logger   *zap.Logger

	mu             sync.Mutex
	lastAlertTimes map[string]time.Time
}

func NewTelegramNotifier(botToken, chatIDStr string, throttle time.Duration, logger *zap.Logger) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("error creating telegram bot: %w", err)
	}
	chatID, err := strconv.ParseInt(chatIDStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("error parsing chat ID: %w", err)
	}
	logger.Info("Telegram bot authorized", zap.String("username", bot.Self.UserName))

	return &TelegramNotifier{
		bot:            bot,
		chatID:         chatID,
		throttle:       throttle,
		logger:         logger,
		lastAlertTimes: make(map[string]time.Time),
	}, nil
}

func (t *TelegramNotifier) PublishTransition(ctx context.Context, ev TransitionEvent) error {
	var text string
	switch ev.To {
	case "offline":
		if t.shouldThrottle(ev.DeviceID) {
			t.logger.Debug("Throttling offline alert", zap.String("device_id", ev.DeviceID))
			return nil
		}
		text = fmt.Sprintf("🔴 <b>%s</b> went offline\nLast seen %.1f minutes ago", ev.DeviceID, ev.MinutesOffline)
	case "online":
		text = fmt.Sprintf("🟢 <b>%s</b> is back online\nWas offline for %.1f minutes", ev.DeviceID, ev.MinutesOffline)
	default:
		return nil
	}

	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = "HTML"
	msg.DisableWebPagePreview = true

	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("error sending telegram message: %w", err)
	}

	if ev.To == "offline" {
		t.mu.Lock()
		t.lastAlertTimes[ev.DeviceID] = time.Now()
		t.mu.Unlock()
	}
	t.logger.Info("Sent transition alert",
		zap.String("device_id", ev.DeviceID),
		zap.String("to", ev.To))
	return nil
}

func (t *TelegramNotifier) shouldThrottle(deviceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.lastAlertTimes[deviceID]
	return ok && time.Since(last) < t.throttle
}

func (t *TelegramNotifier) Close() error {
	return nil
}
