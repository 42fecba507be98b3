// Package ingest is the single write path for device reports, shared by
// the HTTP handler and the MQTT bridge.
package ingest

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/effendiaiwebsite/render-backend/server/liveness"
	"github.com/effendiaiwebsite/render-backend/server/observability"
	"github.com/effendiaiwebsite/render-backend/server/store"
)

// Service records reports and keeps DeviceState in step with them.
// A keyed mutex serializes racing reports for the same device, so a
// reader never observes a refreshed DeviceState without the matching
// report already in the log. Coordination with the sweep goes through
// the store's compare-and-set instead.
type Service struct {
	store    store.Store
	detector *liveness.Detector
	logger   *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewService(s store.Store, d *liveness.Detector, logger *zap.Logger) *Service {
	return &Service{
		store:    s,
		detector: d,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (s *Service) deviceLock(deviceID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[deviceID] = l
	}
	return l
}

// Record appends one report and refreshes the device's state row.
// A device that was offline, or that a racing sweep just flipped, comes
// back online through the detector so the recovery event fires exactly
// once.
func (s *Service) Record(ctx context.Context, r *store.Report, source string) error {
	if r.Source == "" {
		r.Source = source
	}

	lock := s.deviceLock(r.DeviceID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.store.InsertReport(ctx, r); err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	now := r.ServerTimestamp

	prev, err := s.store.GetDeviceState(ctx, r.DeviceID)
	if err != nil {
		return fmt.Errorf("failed to load device state: %w", err)
	}

	st := &store.DeviceState{
		DeviceID: r.DeviceID,
		LastSeen: now,
		Status:   store.StatusOnline,
	}
	if prev != nil {
		st.TotalUptime = prev.TotalUptime
		if prev.Status == store.StatusOnline && now > prev.LastSeen {
			st.TotalUptime += now - prev.LastSeen
		}
	}
	if err := s.store.UpsertDeviceState(ctx, st); err != nil {
		return fmt.Errorf("failed to update device state: %w", err)
	}

	observability.ReportsIngested.WithLabelValues(r.Source).Inc()

	if prev != nil {
		// The sweep may have flipped the row offline between the read
		// and the refresh; the compare-and-set settles it in favor of
		// this report.
		rowLastSeen := now
		if prev.LastSeen > rowLastSeen {
			rowLastSeen = prev.LastSeen
		}
		if _, err := s.detector.MarkOnline(ctx, r.DeviceID, prev.LastSeen, rowLastSeen, now); err != nil {
			s.logger.Error("Recovery transition failed",
				zap.String("device_id", r.DeviceID),
				zap.Error(err))
		}
	}

	s.logger.Debug("Report recorded",
		zap.String("device_id", r.DeviceID),
		zap.String("source", r.Source),
		zap.Int64("server_timestamp", now))
	return nil
}
