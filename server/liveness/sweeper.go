package liveness

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/effendiaiwebsite/render-backend/server/observability"
	"github.com/effendiaiwebsite/render-backend/server/store"
)

// Sweeper periodically re-evaluates every device so silence is noticed
// even when nobody is polling the API.
type Sweeper struct {
	store    store.Store
	detector *Detector
	interval time.Duration
	logger   *zap.Logger
}

func NewSweeper(s store.Store, d *Detector, interval time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		store:    s,
		detector: d,
		interval: interval,
		logger:   logger,
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	go s.loop(ctx)
}

func (s *Sweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Starting liveness sweep",
		zap.Duration("interval", s.interval),
		zap.Duration("threshold", s.detector.Threshold()))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Liveness sweep stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over all device states. A failure loading the list
// skips the tick; the next tick retries naturally.
func (s *Sweeper) Sweep(ctx context.Context) {
	start := time.Now()

	states, err := s.store.ListDeviceStates(ctx)
	if err != nil {
		s.logger.Error("Sweep failed to list device states", zap.Error(err))
		return
	}

	now := time.Now().Unix()
	online := 0
	for _, st := range states {
		if st.Status == store.StatusOffline {
			continue
		}
		eval := s.detector.Evaluate(now, st.LastSeen)
		if eval.Status == store.StatusOffline {
			if err := s.detector.MarkOffline(ctx, st, now, store.SourceSweep); err != nil {
				s.logger.Error("Sweep failed to mark device offline",
					zap.String("device_id", st.DeviceID),
					zap.Error(err))
			}
			continue
		}
		online++
	}

	observability.DevicesOnline.Set(float64(online))
	observability.SweepRuns.Inc()
	observability.SweepDuration.Observe(time.Since(start).Seconds())
}
