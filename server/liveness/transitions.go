package liveness

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/effendiaiwebsite/render-backend/server/observability"
	"github.com/effendiaiwebsite/render-backend/server/store"
	"github.com/effendiaiwebsite/render-backend/server/streaming"
)

// Detector owns status transitions. Every flip goes through the store's
// compare-and-set, so a crossing is recorded exactly once no matter how
// many sweeps, reads, and reports race over the same device.
type Detector struct {
	store     store.Store
	publisher streaming.Publisher
	threshold time.Duration
	logger    *zap.Logger
}

func NewDetector(s store.Store, publisher streaming.Publisher, threshold time.Duration, logger *zap.Logger) *Detector {
	return &Detector{
		store:     s,
		publisher: publisher,
		threshold: threshold,
		logger:    logger,
	}
}

// Threshold returns the staleness cutoff the detector classifies with.
func (d *Detector) Threshold() time.Duration {
	return d.threshold
}

// Evaluate classifies lastSeen against now using the configured threshold.
func (d *Detector) Evaluate(now, lastSeen int64) Evaluation {
	return Evaluate(now, lastSeen, d.threshold)
}

// Check evaluates st against now and, when a previously-online device has
// gone stale, performs the offline transition. The returned evaluation
// reflects the fresh classification either way. Transition failures are
// logged, not surfaced: the caller still gets its answer.
func (d *Detector) Check(ctx context.Context, st *store.DeviceState, now int64, source string) Evaluation {
	eval := Evaluate(now, st.LastSeen, d.threshold)
	if st.Status == store.StatusOnline && eval.Status == store.StatusOffline {
		if err := d.MarkOffline(ctx, st, now, source); err != nil {
			d.logger.Error("Offline transition failed",
				zap.String("device_id", st.DeviceID),
				zap.Error(err))
		}
	}
	return eval
}

// MarkOffline flips an online device to offline and appends one synthetic
// offline report so history plots show the drop even though no device
// report arrived. The compare-and-set carries st.LastSeen: if a fresh
// report refreshed the row since st was read, the flip is silently skipped.
func (d *Detector) MarkOffline(ctx context.Context, st *store.DeviceState, now int64, source string) error {
	flipped, err := d.store.SetDeviceStatus(ctx, st.DeviceID, store.StatusOnline, store.StatusOffline, st.LastSeen)
	if err != nil {
		return fmt.Errorf("failed to mark %s offline: %w", st.DeviceID, err)
	}
	if !flipped {
		return nil
	}

	minutes := math.Round(float64(now-st.LastSeen)/60*10) / 10

	marker := &store.Report{
		DeviceID:        st.DeviceID,
		Status:          store.StatusOffline,
		IsOfflineMarker: true,
		ClientTimestamp: now,
		ServerTimestamp: now,
		Source:          source,
	}
	if err := d.store.InsertReport(ctx, marker); err != nil {
		return fmt.Errorf("failed to record offline marker for %s: %w", st.DeviceID, err)
	}

	observability.StatusTransitions.WithLabelValues("to_offline").Inc()
	d.logger.Info("Device went offline",
		zap.String("device_id", st.DeviceID),
		zap.Float64("minutes_since_last_seen", minutes),
		zap.String("source", source))

	d.publish(ctx, streaming.TransitionEvent{
		DeviceID:       st.DeviceID,
		From:           store.StatusOnline,
		To:             store.StatusOffline,
		At:             now,
		MinutesOffline: minutes,
		Source:         source,
	})
	return nil
}

// MarkOnline flips a previously-offline device back online after a new
// report refreshed its row to newLastSeen. prevLastSeen is the heartbeat
// the device disappeared with, used to report how long it was gone.
// Returns whether this call performed the flip.
func (d *Detector) MarkOnline(ctx context.Context, deviceID string, prevLastSeen, newLastSeen, now int64) (bool, error) {
	flipped, err := d.store.SetDeviceStatus(ctx, deviceID, store.StatusOffline, store.StatusOnline, newLastSeen)
	if err != nil {
		return false, fmt.Errorf("failed to mark %s online: %w", deviceID, err)
	}
	if !flipped {
		return false, nil
	}

	minutes := math.Round(float64(now-prevLastSeen)/60*10) / 10

	observability.StatusTransitions.WithLabelValues("to_online").Inc()
	d.logger.Info("Device back online",
		zap.String("device_id", deviceID),
		zap.Float64("minutes_offline", minutes))

	d.publish(ctx, streaming.TransitionEvent{
		DeviceID:       deviceID,
		From:           store.StatusOffline,
		To:             store.StatusOnline,
		At:             now,
		MinutesOffline: minutes,
		Source:         store.SourceReport,
	})
	return true, nil
}

func (d *Detector) publish(ctx context.Context, ev streaming.TransitionEvent) {
	if d.publisher == nil {
		return
	}
	if err := d.publisher.PublishTransition(ctx, ev); err != nil {
		observability.PublishFailures.WithLabelValues(ev.Source).Inc()
		d.logger.Warn("Failed to publish transition",
			zap.String("device_id", ev.DeviceID),
			zap.Error(err))
	}
}
