package ingest

import (
	"strconv"
	"strings"

	"github.com/effendiaiwebsite/render-backend/server/store"
)

// Normalize turns one decoded JSON object into a usable Report. Nothing
// is rejected: a missing or wrong-typed field falls back to its default,
// so an embedded client never has a report dropped over a schema
// mismatch. The returned report carries no ID or server timestamp; the
// store assigns those at insert.
func Normalize(raw map[string]any, now int64) *store.Report {
	ts := asTimestamp(raw["timestamp"], 0)
	if ts == 0 {
		ts = asTimestamp(raw["client_timestamp"], now)
	}
	return &store.Report{
		DeviceID:        asString(raw["device_id"], "unknown"),
		Status:          asString(raw["status"], store.StatusOnline),
		UptimeSeconds:   asInt64(raw["uptime_seconds"], 0),
		IPAddress:       asString(raw["ip_address"], ""),
		RSSI:            int(asInt64(raw["rssi"], 0)),
		FreeHeap:        asInt64(raw["free_heap"], 0),
		IsBoot:          asBool(raw["is_boot"]),
		ClientTimestamp: ts,
	}
}

func asString(v any, fallback string) string {
	switch t := v.(type) {
	case string:
		if s := strings.TrimSpace(t); s != "" {
			return s
		}
	case float64:
		// JSON numbers decode to float64; a numeric id is still an id.
		return strconv.FormatInt(int64(t), 10)
	}
	return fallback
}

func asInt64(v any, fallback int64) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func asBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(t))
		return b
	case float64:
		return t != 0
	}
	return false
}

// asTimestamp accepts epoch seconds or milliseconds, numeric or string.
func asTimestamp(v any, fallback int64) int64 {
	n := asInt64(v, fallback)
	if n > 1_000_000_000_000 { // likely ms
		n /= 1000
	}
	return n
}
