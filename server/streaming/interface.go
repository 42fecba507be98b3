package streaming

import (
	"context"
)

// TransitionEvent is one liveness crossing for one device.
type TransitionEvent struct {
	DeviceID       string  `json:"device_id"`
	From           string  `json:"from"`
	To             string  `json:"to"`
	At             int64   `json:"at"`
	MinutesOffline float64 `json:"minutes_offline,omitempty"`
	Source         string  `json:"source"`
}

type Publisher interface {
	PublishTransition(ctx context.Context, ev TransitionEvent) error
	Close() error
}

// MultiPublisher fans each transition out to every configured sink.
// A failing sink does not stop the others.
type MultiPublisher struct {
	publishers []Publisher
}

func NewMultiPublisher(publishers ...Publisher) *MultiPublisher {
	return &MultiPublisher{publishers: publishers}
}

func (m *MultiPublisher) PublishTransition(ctx context.Context, ev TransitionEvent) error {
	var firstErr error
	for _, p := range m.publishers {
		if err := p.PublishTransition(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *MultiPublisher) Close() error {
	var firstErr error
	for _, p := range m.publishers {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
