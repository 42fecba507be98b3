package store

import (
	"context"
)

// Store is the persistence boundary: an append-only report log plus one
// mutable state row per device. Implementations must be safe for
// concurrent use from the ingest path and the background sweep.
type Store interface {
	// InsertReport appends a report to the log. ID and server timestamp
	// are assigned at insert when the caller left them empty.
	InsertReport(ctx context.Context, r *Report) error

	// ListReports returns up to limit reports ordered newest first by
	// server timestamp. An empty deviceID spans all devices; limit <= 0
	// means no limit.
	ListReports(ctx context.Context, deviceID string, limit int) ([]Report, error)

	// GetDeviceState returns nil, nil when the device is unknown.
	GetDeviceState(ctx context.Context, deviceID string) (*DeviceState, error)

	// ListDeviceStates returns every device row.
	ListDeviceStates(ctx context.Context) ([]*DeviceState, error)

	// LatestDeviceState returns the device with the greatest last_seen,
	// or nil, nil when no device has ever reported.
	LatestDeviceState(ctx context.Context) (*DeviceState, error)

	// UpsertDeviceState creates or refreshes a device row. last_seen
	// never moves backward; the stored status of an existing row is not
	// touched here, it belongs to SetDeviceStatus.
	UpsertDeviceState(ctx context.Context, st *DeviceState) error

	// SetDeviceStatus flips status from -> to only while the row still
	// holds status == from and last_seen == lastSeen. Returns whether
	// this call performed the flip. This is the compare-and-set that
	// keeps transition detection exactly-once across concurrent paths.
	SetDeviceStatus(ctx context.Context, deviceID, from, to string, lastSeen int64) (bool, error)

	// Stats aggregates over the full report log.
	Stats(ctx context.Context) (*Stats, error)

	Close()
}
