package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReportsIngested tracks accepted status reports by source.
	ReportsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heartbeat_reports_total",
		Help: "Total number of status reports ingested",
	}, []string{"source"}) // http, mqtt

	// DevicesOnline tracks the number of devices currently considered online.
	DevicesOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "heartbeat_devices_online",
		Help: "Current number of devices considered online",
	})

	// StatusTransitions tracks online/offline flips by direction.
	StatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heartbeat_transitions_total",
		Help: "Total number of device status transitions",
	}, []string{"direction"}) // to_online, to_offline

	// SweepRuns tracks completed liveness sweep iterations.
	SweepRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "heartbeat_sweep_runs_total",
		Help: "Total number of liveness sweep iterations",
	})

	// SweepDuration tracks the duration of each liveness sweep.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "heartbeat_sweep_duration_seconds",
		Help:    "Duration of a liveness sweep over all device states",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
	})

	// APIRateLimited tracks ingest requests rejected by the rate limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heartbeat_api_rate_limited_total",
		Help: "API requests rejected by rate limiter (storm protection)",
	}, []string{"endpoint"})

	// WebsocketClients tracks currently connected dashboard clients.
	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "heartbeat_ws_clients",
		Help: "Current number of connected websocket clients",
	})

	// PublishFailures tracks failed transition publish attempts (non-blocking).
	PublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heartbeat_publish_failures_total",
		Help: "Failed transition publish attempts (best-effort sinks)",
	}, []string{"source"}) // report, sweep, read
)
