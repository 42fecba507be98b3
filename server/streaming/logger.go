package streaming

import (
	"context"

	"go.uber.org/zap"
)

// LogPublisher writes every transition to the service log. It is always
// installed, so transitions stay observable even with no external sink
// configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) PublishTransition(ctx context.Context, ev TransitionEvent) error {
	p.logger.Info("Device transition",
		zap.String("device_id", ev.DeviceID),
		zap.String("from", ev.From),
		zap.String("to", ev.To),
		zap.Int64("at", ev.At),
		zap.Float64("minutes_offline", ev.MinutesOffline),
		zap.String("source", ev.Source),
	)
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}
