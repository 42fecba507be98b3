package liveness

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/effendiaiwebsite/render-backend/server/store"
	"github.com/effendiaiwebsite/render-backend/server/streaming"
)

type captureSink struct {
	events []streaming.TransitionEvent
}

func (c *captureSink) PublishTransition(ctx context.Context, ev streaming.TransitionEvent) error {
	c.events = append(c.events, ev)
	return nil
}

func (c *captureSink) Close() error { return nil }

func newTestDetector(s store.Store, sink streaming.Publisher) *Detector {
	return NewDetector(s, sink, time.Minute, zap.NewNop())
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name       string
		now        int64
		lastSeen   int64
		wantStatus string
		wantMins   float64
	}{
		{"fresh heartbeat", 1000, 1000, store.StatusOnline, 0},
		{"just under threshold", 1059, 1000, store.StatusOnline, 1.0},
		{"exactly at threshold", 1060, 1000, store.StatusOffline, 1.0},
		{"past threshold", 1090, 1000, store.StatusOffline, 1.5},
		{"rounds to one decimal", 1100, 1000, store.StatusOffline, 1.7},
		{"two minutes stale", 1120, 1000, store.StatusOffline, 2.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.now, tt.lastSeen, time.Minute)
			if got.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", got.Status, tt.wantStatus)
			}
			if got.SinceMinutes != tt.wantMins {
				t.Errorf("minutes = %v, want %v", got.SinceMinutes, tt.wantMins)
			}
		})
	}
}

func TestMarkOfflineInsertsExactlyOneMarker(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	defer ms.Close()
	sink := &captureSink{}
	d := newTestDetector(ms, sink)

	seed := &store.DeviceState{DeviceID: "esp32-1", LastSeen: 1000, Status: store.StatusOnline}
	if err := ms.UpsertDeviceState(ctx, seed); err != nil {
		t.Fatalf("UpsertDeviceState: %v", err)
	}

	if err := d.MarkOffline(ctx, seed, 1090, store.SourceSweep); err != nil {
		t.Fatalf("MarkOffline: %v", err)
	}

	st, err := ms.GetDeviceState(ctx, "esp32-1")
	if err != nil {
		t.Fatalf("GetDeviceState: %v", err)
	}
	if st.Status != store.StatusOffline {
		t.Errorf("status = %q, want offline", st.Status)
	}

	reports, err := ms.ListReports(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListReports: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("got %d reports, want 1 synthetic marker", len(reports))
	}
	m := reports[0]
	if !m.IsOfflineMarker || m.Status != store.StatusOffline || m.Source != store.SourceSweep {
		t.Errorf("marker = %+v", m)
	}
	if m.ServerTimestamp != 1090 {
		t.Errorf("marker timestamp = %d, want detection time 1090", m.ServerTimestamp)
	}
	if len(sink.events) != 1 {
		t.Fatalf("got %d events, want 1", len(sink.events))
	}
	if ev := sink.events[0]; ev.To != store.StatusOffline || ev.MinutesOffline != 1.5 {
		t.Errorf("event = %+v", ev)
	}

	// Same stale snapshot on a later tick: the row already flipped,
	// nothing is appended and nothing fires.
	if err := d.MarkOffline(ctx, seed, 1150, store.SourceSweep); err != nil {
		t.Fatalf("second MarkOffline: %v", err)
	}
	reports, _ = ms.ListReports(ctx, "", 0)
	if len(reports) != 1 {
		t.Errorf("second call appended another marker, got %d reports", len(reports))
	}
	if len(sink.events) != 1 {
		t.Errorf("second call re-emitted the transition, got %d events", len(sink.events))
	}
}

func TestMarkOfflineLosesToFreshReport(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	defer ms.Close()
	sink := &captureSink{}
	d := newTestDetector(ms, sink)

	if err := ms.UpsertDeviceState(ctx, &store.DeviceState{DeviceID: "d1", LastSeen: 1000, Status: store.StatusOnline}); err != nil {
		t.Fatalf("UpsertDeviceState: %v", err)
	}
	// A report lands between the sweep reading the row and acting on it.
	if err := ms.UpsertDeviceState(ctx, &store.DeviceState{DeviceID: "d1", LastSeen: 2000, Status: store.StatusOnline}); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	stale := &store.DeviceState{DeviceID: "d1", LastSeen: 1000, Status: store.StatusOnline}
	if err := d.MarkOffline(ctx, stale, 2010, store.SourceSweep); err != nil {
		t.Fatalf("MarkOffline: %v", err)
	}

	st, _ := ms.GetDeviceState(ctx, "d1")
	if st.Status != store.StatusOnline {
		t.Errorf("stale sweep won over fresh report, status = %q", st.Status)
	}
	if reports, _ := ms.ListReports(ctx, "", 0); len(reports) != 0 {
		t.Errorf("got %d reports, want none", len(reports))
	}
	if len(sink.events) != 0 {
		t.Errorf("got %d events, want none", len(sink.events))
	}
}

func TestMarkOnlineRecovery(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	defer ms.Close()
	sink := &captureSink{}
	d := newTestDetector(ms, sink)

	if err := ms.UpsertDeviceState(ctx, &store.DeviceState{DeviceID: "d1", LastSeen: 1000, Status: store.StatusOffline}); err != nil {
		t.Fatalf("UpsertDeviceState: %v", err)
	}
	// The recovering report refreshed last_seen before the flip.
	if err := ms.UpsertDeviceState(ctx, &store.DeviceState{DeviceID: "d1", LastSeen: 2000, Status: store.StatusOnline}); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	flipped, err := d.MarkOnline(ctx, "d1", 1000, 2000, 2000)
	if err != nil {
		t.Fatalf("MarkOnline: %v", err)
	}
	if !flipped {
		t.Fatal("expected the flip to happen")
	}

	st, _ := ms.GetDeviceState(ctx, "d1")
	if st.Status != store.StatusOnline {
		t.Errorf("status = %q, want online", st.Status)
	}
	if len(sink.events) != 1 {
		t.Fatalf("got %d events, want 1", len(sink.events))
	}
	ev := sink.events[0]
	if ev.From != store.StatusOffline || ev.To != store.StatusOnline {
		t.Errorf("event = %+v", ev)
	}
	if ev.MinutesOffline != 16.7 {
		t.Errorf("minutes offline = %v, want 16.7", ev.MinutesOffline)
	}

	flipped, err = d.MarkOnline(ctx, "d1", 1000, 2000, 2100)
	if err != nil {
		t.Fatalf("second MarkOnline: %v", err)
	}
	if flipped {
		t.Error("second call flipped again")
	}
	if len(sink.events) != 1 {
		t.Errorf("second call re-emitted the recovery, got %d events", len(sink.events))
	}
}

func TestCrossingsReArmAfterRecovery(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	defer ms.Close()
	sink := &captureSink{}
	d := newTestDetector(ms, sink)

	if err := ms.UpsertDeviceState(ctx, &store.DeviceState{DeviceID: "d1", LastSeen: 1000, Status: store.StatusOnline}); err != nil {
		t.Fatalf("UpsertDeviceState: %v", err)
	}

	if err := d.MarkOffline(ctx, &store.DeviceState{DeviceID: "d1", LastSeen: 1000, Status: store.StatusOnline}, 1090, store.SourceSweep); err != nil {
		t.Fatalf("first MarkOffline: %v", err)
	}

	// Device reports again at 1200.
	if err := ms.UpsertDeviceState(ctx, &store.DeviceState{DeviceID: "d1", LastSeen: 1200}); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if flipped, err := d.MarkOnline(ctx, "d1", 1000, 1200, 1200); err != nil || !flipped {
		t.Fatalf("MarkOnline: flipped=%v err=%v", flipped, err)
	}

	// Goes silent again; second crossing records a second marker.
	if err := d.MarkOffline(ctx, &store.DeviceState{DeviceID: "d1", LastSeen: 1200, Status: store.StatusOnline}, 1290, store.SourceSweep); err != nil {
		t.Fatalf("second MarkOffline: %v", err)
	}

	reports, _ := ms.ListReports(ctx, "", 0)
	markers := 0
	for _, r := range reports {
		if r.IsOfflineMarker {
			markers++
		}
	}
	if markers != 2 {
		t.Errorf("got %d markers, want 2 (one per crossing)", markers)
	}
	if len(sink.events) != 3 {
		t.Errorf("got %d events, want offline/online/offline", len(sink.events))
	}
}

func TestCheckMarksStaleDeviceOffline(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	defer ms.Close()
	sink := &captureSink{}
	d := newTestDetector(ms, sink)

	if err := ms.UpsertDeviceState(ctx, &store.DeviceState{DeviceID: "d1", LastSeen: 1000, Status: store.StatusOnline}); err != nil {
		t.Fatalf("UpsertDeviceState: %v", err)
	}
	st, _ := ms.GetDeviceState(ctx, "d1")

	eval := d.Check(ctx, st, 1120, store.SourceRead)
	if eval.Status != store.StatusOffline || eval.SinceMinutes != 2.0 {
		t.Errorf("eval = %+v", eval)
	}

	st, _ = ms.GetDeviceState(ctx, "d1")
	if st.Status != store.StatusOffline {
		t.Errorf("status = %q, want offline", st.Status)
	}
	reports, _ := ms.ListReports(ctx, "", 0)
	if len(reports) != 1 || reports[0].Source != store.SourceRead {
		t.Errorf("reports = %+v, want one read-path marker", reports)
	}

	// A fresh device is left alone.
	if err := ms.UpsertDeviceState(ctx, &store.DeviceState{DeviceID: "d2", LastSeen: 1110, Status: store.StatusOnline}); err != nil {
		t.Fatalf("UpsertDeviceState: %v", err)
	}
	st2, _ := ms.GetDeviceState(ctx, "d2")
	eval = d.Check(ctx, st2, 1120, store.SourceRead)
	if eval.Status != store.StatusOnline {
		t.Errorf("fresh device eval = %+v", eval)
	}
	if reports, _ := ms.ListReports(ctx, "", 0); len(reports) != 1 {
		t.Errorf("fresh device grew a marker, got %d reports", len(reports))
	}
}

func TestSweepMarksStaleDevicesOnce(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	defer ms.Close()
	sink := &captureSink{}
	d := newTestDetector(ms, sink)
	sw := NewSweeper(ms, d, time.Minute, zap.NewNop())

	now := time.Now().Unix()
	if err := ms.UpsertDeviceState(ctx, &store.DeviceState{DeviceID: "stale", LastSeen: now - 90, Status: store.StatusOnline}); err != nil {
		t.Fatalf("UpsertDeviceState: %v", err)
	}
	if err := ms.UpsertDeviceState(ctx, &store.DeviceState{DeviceID: "fresh", LastSeen: now - 10, Status: store.StatusOnline}); err != nil {
		t.Fatalf("UpsertDeviceState: %v", err)
	}

	sw.Sweep(ctx)

	st, _ := ms.GetDeviceState(ctx, "stale")
	if st.Status != store.StatusOffline {
		t.Errorf("stale device status = %q, want offline", st.Status)
	}
	st, _ = ms.GetDeviceState(ctx, "fresh")
	if st.Status != store.StatusOnline {
		t.Errorf("fresh device status = %q, want online", st.Status)
	}
	reports, _ := ms.ListReports(ctx, "", 0)
	if len(reports) != 1 {
		t.Fatalf("got %d reports after first sweep, want 1", len(reports))
	}

	sw.Sweep(ctx)

	if reports, _ = ms.ListReports(ctx, "", 0); len(reports) != 1 {
		t.Errorf("second sweep appended another marker, got %d reports", len(reports))
	}
	if len(sink.events) != 1 {
		t.Errorf("got %d events across two sweeps, want 1", len(sink.events))
	}
}

type failingStore struct {
	store.Store
}

func (f *failingStore) ListDeviceStates(ctx context.Context) ([]*store.DeviceState, error) {
	return nil, errors.New("store unavailable")
}

func TestSweepSkipsTickOnListError(t *testing.T) {
	ms := store.NewMemoryStore()
	defer ms.Close()
	fs := &failingStore{Store: ms}
	d := NewDetector(fs, nil, time.Minute, zap.NewNop())
	sw := NewSweeper(fs, d, time.Minute, zap.NewNop())

	// Must log and move on, not panic.
	sw.Sweep(context.Background())
}

func TestSweeperLoopRunsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ms := store.NewMemoryStore()
	defer ms.Close()
	d := NewDetector(ms, nil, time.Minute, zap.NewNop())
	sw := NewSweeper(ms, d, 20*time.Millisecond, zap.NewNop())

	now := time.Now().Unix()
	if err := ms.UpsertDeviceState(ctx, &store.DeviceState{DeviceID: "d1", LastSeen: now - 90, Status: store.StatusOnline}); err != nil {
		t.Fatalf("UpsertDeviceState: %v", err)
	}

	sw.Start(ctx)

	deadline := time.After(2 * time.Second)
	for {
		st, err := ms.GetDeviceState(ctx, "d1")
		if err != nil {
			t.Fatalf("GetDeviceState: %v", err)
		}
		if st.Status == store.StatusOffline {
			return
		}
		select {
		case <-deadline:
			t.Fatal("sweeper never marked the stale device offline")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
