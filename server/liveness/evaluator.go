package liveness

import (
	"math"
	"time"

	"github.com/effendiaiwebsite/render-backend/server/store"
)

// Evaluation is the liveness classification of a single device at one
// point in time.
type Evaluation struct {
	Status       string
	SinceMinutes float64
}

// Evaluate classifies a device by heartbeat recency. The device is
// online while now-lastSeen is strictly below threshold; an age exactly
// equal to the threshold counts as offline. Both timestamps are Unix
// seconds so callers can inject "now" in tests.
func Evaluate(now, lastSeen int64, threshold time.Duration) Evaluation {
	age := time.Duration(now-lastSeen) * time.Second

	status := store.StatusOffline
	if age < threshold {
		status = store.StatusOnline
	}
	return Evaluation{
		Status:       status,
		SinceMinutes: math.Round(age.Minutes()*10) / 10,
	}
}
