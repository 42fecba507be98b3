package store

import (
	"time"

	"github.com/google/uuid"
)

// Liveness tags stored on DeviceState rows and Report status fields.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Paths that carry reports in or detect transitions. Recorded on
// Report.Source for real and synthetic reports, and on transition
// events for whichever path noticed the crossing.
const (
	SourceHTTP   = "http"
	SourceMQTT   = "mqtt"
	SourceSweep  = "sweep"
	SourceRead   = "read"
	SourceReport = "report"
)

// Report is a single status message from a device. Reports are
// append-only: once inserted they are never mutated or deleted.
// IsOfflineMarker flags synthetic rows written when a device is
// declared offline without having sent anything.
type Report struct {
	ID              string `json:"id" db:"id"`
	DeviceID        string `json:"device_id" db:"device_id"`
	Status          string `json:"status" db:"status"`
	UptimeSeconds   int64  `json:"uptime_seconds" db:"uptime_seconds"`
	IPAddress       string `json:"ip_address" db:"ip_address"`
	RSSI            int    `json:"rssi" db:"rssi"`
	FreeHeap        int64  `json:"free_heap" db:"free_heap"`
	IsBoot          bool   `json:"is_boot" db:"is_boot"`
	ClientTimestamp int64  `json:"client_timestamp" db:"client_timestamp"`
	ServerTimestamp int64  `json:"server_timestamp" db:"server_timestamp"`
	IsOfflineMarker bool   `json:"is_offline_marker" db:"is_offline_marker"`
	Source          string `json:"source,omitempty" db:"source"`
}

// DeviceState is the latest known state for one device. There is exactly
// one row per device_id.
type DeviceState struct {
	DeviceID    string `json:"device_id" db:"device_id"`
	LastSeen    int64  `json:"last_seen" db:"last_seen"`
	Status      string `json:"status" db:"status"`
	TotalUptime int64  `json:"total_uptime" db:"total_uptime"`
}

// Stats aggregates over the whole report log.
type Stats struct {
	TotalUpdates int64 `json:"total_updates"`
	FirstSeen    int64 `json:"first_seen"`
	LastSeen     int64 `json:"last_seen"`
	BootCount    int64 `json:"boot_count"`
}

// prepareReport fills the insert-time fields a caller may leave unset.
// Synthetic reports arrive with ID and timestamps already assigned and
// pass through untouched.
func prepareReport(r *Report) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.ServerTimestamp == 0 {
		r.ServerTimestamp = time.Now().Unix()
	}
	if r.ClientTimestamp == 0 {
		r.ClientTimestamp = r.ServerTimestamp
	}
}
