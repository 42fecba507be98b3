package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps everything in process memory. State resets on
// restart, which the sweep tolerates: devices simply re-register on
// their next report. It is also the test double for every component
// that takes a Store.
type MemoryStore struct {
	mu      sync.RWMutex
	reports []Report
	devices map[string]*DeviceState
}

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices: make(map[string]*DeviceState),
	}
}

func (s *MemoryStore) InsertReport(ctx context.Context, r *Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prepareReport(r)
	s.reports = append(s.reports, *r)
	return nil
}

func (s *MemoryStore) ListReports(ctx context.Context, deviceID string, limit int) ([]Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Walk backwards so reports inserted later come first among equal
	// timestamps, then order by timestamp.
	result := make([]Report, 0, len(s.reports))
	for i := len(s.reports) - 1; i >= 0; i-- {
		r := s.reports[i]
		if deviceID != "" && r.DeviceID != deviceID {
			continue
		}
		result = append(result, r)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].ServerTimestamp > result[j].ServerTimestamp
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) GetDeviceState(ctx context.Context, deviceID string) (*DeviceState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.devices[deviceID]
	if !ok {
		return nil, nil
	}
	stateCopy := *st
	return &stateCopy, nil
}

func (s *MemoryStore) ListDeviceStates(ctx context.Context) ([]*DeviceState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*DeviceState, 0, len(s.devices))
	for _, st := range s.devices {
		stateCopy := *st
		result = append(result, &stateCopy)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].DeviceID < result[j].DeviceID
	})
	return result, nil
}

func (s *MemoryStore) LatestDeviceState(ctx context.Context) (*DeviceState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *DeviceState
	for _, st := range s.devices {
		if latest == nil || st.LastSeen > latest.LastSeen {
			latest = st
		}
	}
	if latest == nil {
		return nil, nil
	}
	stateCopy := *latest
	return &stateCopy, nil
}

func (s *MemoryStore) UpsertDeviceState(ctx context.Context, st *DeviceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.devices[st.DeviceID]
	if !ok {
		stateCopy := *st
		s.devices[st.DeviceID] = &stateCopy
		return nil
	}
	if st.LastSeen > existing.LastSeen {
		existing.LastSeen = st.LastSeen
	}
	existing.TotalUptime = st.TotalUptime
	return nil
}

func (s *MemoryStore) SetDeviceStatus(ctx context.Context, deviceID, from, to string, lastSeen int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.devices[deviceID]
	if !ok || st.Status != from || st.LastSeen != lastSeen {
		return false, nil
	}
	st.Status = to
	return true, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{TotalUpdates: int64(len(s.reports))}
	for i, r := range s.reports {
		if i == 0 || r.ServerTimestamp < stats.FirstSeen {
			stats.FirstSeen = r.ServerTimestamp
		}
		if r.ServerTimestamp > stats.LastSeen {
			stats.LastSeen = r.ServerTimestamp
		}
		if r.IsBoot {
			stats.BootCount++
		}
	}
	return stats, nil
}

func (s *MemoryStore) Close() {}
