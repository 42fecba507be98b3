// Package history turns the raw report log into something a dashboard
// can plot without lying about silent stretches.
package history

import (
	"time"

	"github.com/google/uuid"

	"github.com/effendiaiwebsite/render-backend/server/store"
)

// Marker IDs get a distinct prefix so downstream consumers can never
// mistake one for a real report ID.
const markerIDPrefix = "offline-"

// Synthesize walks a newest-first report slice and inserts one offline
// marker at the midpoint of every gap wider than threshold, then
// reverses the result to chronological order. Markers carry only
// identity, status, and timestamps. The transform is pure: inputs are
// not modified and markers are never written to storage.
func Synthesize(reports []store.Report, threshold time.Duration) []store.Report {
	out := make([]store.Report, 0, len(reports))
	thresholdSec := int64(threshold / time.Second)

	for i, cur := range reports {
		out = append(out, cur)
		if i+1 >= len(reports) {
			continue
		}
		gap := cur.ServerTimestamp - reports[i+1].ServerTimestamp
		if gap > thresholdSec {
			mid := cur.ServerTimestamp - gap/2
			out = append(out, store.Report{
				ID:              markerIDPrefix + uuid.NewString(),
				DeviceID:        cur.DeviceID,
				Status:          store.StatusOffline,
				IsOfflineMarker: true,
				ClientTimestamp: mid,
				ServerTimestamp: mid,
			})
		}
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
