package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/effendiaiwebsite/render-backend/server/config"
	"github.com/effendiaiwebsite/render-backend/server/history"
	"github.com/effendiaiwebsite/render-backend/server/ingest"
	"github.com/effendiaiwebsite/render-backend/server/liveness"
	"github.com/effendiaiwebsite/render-backend/server/observability"
	"github.com/effendiaiwebsite/render-backend/server/store"
)

type API struct {
	store    store.Store
	ingest   *ingest.Service
	detector *liveness.Detector
	cfg      *config.Config
	logger   *zap.Logger

	statusHub *StatusHub

	// Storm Protection
	ingestLimiter *rate.Limiter
}

func NewAPI(s store.Store, ing *ingest.Service, det *liveness.Detector, hub *StatusHub, cfg *config.Config, logger *zap.Logger) *API {
	return &API{
		store:     s,
		ingest:    ing,
		detector:  det,
		cfg:       cfg,
		logger:    logger,
		statusHub: hub,
		ingestLimiter: rate.NewLimiter(
			rate.Limit(cfg.Server.IngestRateLimit),
			cfg.Server.IngestRateBurst,
		),
	}
}

// Routes builds the HTTP surface. Method routing is left to mux so a
// GET and POST on /api/status can live side by side.
func (a *API) Routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/status", a.handleIngest).Methods(http.MethodPost)
	r.HandleFunc("/api/status", a.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/history", a.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", a.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/api/devices", a.handleDevices).Methods(http.MethodGet)
	r.HandleFunc("/api/stream", a.handleStream)

	r.HandleFunc("/healthz", a.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler())

	r.PathPrefix("/").Handler(a.dashboardHandler()).Methods(http.MethodGet, http.MethodHead)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeRateLimitError writes a 429 response with jittered Retry-After
func (a *API) writeRateLimitError(w http.ResponseWriter, endpoint string) {
	observability.APIRateLimited.WithLabelValues(endpoint).Inc()

	// Jitter: 1s base + 0-1000ms random
	retryAfter := 1000 + rand.Intn(1000)
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter/1000))
	http.Error(w, "Too Many Requests (Storm Protection Active)", http.StatusTooManyRequests)
}

// statusResponse is the GET /api/status shape.
type statusResponse struct {
	DeviceID             string        `json:"device_id"`
	Status               string        `json:"status"`
	LastSeen             int64         `json:"last_seen"`
	MinutesSinceLastSeen float64       `json:"minutes_since_last_seen"`
	LatestUpdate         *store.Report `json:"latest_update"`
}

type deviceView struct {
	DeviceID             string  `json:"device_id"`
	Status               string  `json:"status"`
	LastSeen             int64   `json:"last_seen"`
	MinutesSinceLastSeen float64 `json:"minutes_since_last_seen"`
	TotalUptime          int64   `json:"total_uptime"`
}

func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	// Storm Protection
	if !a.ingestLimiter.Allow() {
		a.writeRateLimitError(w, "ingest")
		return
	}

	// Reports are never rejected for shape: a body that does not decode
	// becomes an all-defaults report.
	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		raw = map[string]any{}
	}

	report := ingest.Normalize(raw, time.Now().Unix())
	if err := a.ingest.Record(r.Context(), report, store.SourceHTTP); err != nil {
		a.logger.Error("Failed to record report",
			zap.String("device_id", report.DeviceID),
			zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Status received",
	})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.store.LatestDeviceState(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if st == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  store.StatusOffline,
			"message": "No device data",
		})
		return
	}

	eval := a.detector.Check(r.Context(), st, time.Now().Unix(), store.SourceRead)

	var latest *store.Report
	if reports, err := a.store.ListReports(r.Context(), st.DeviceID, 1); err == nil && len(reports) > 0 {
		latest = &reports[0]
	}

	writeJSON(w, http.StatusOK, statusResponse{
		DeviceID:             st.DeviceID,
		Status:               eval.Status,
		LastSeen:             st.LastSeen,
		MinutesSinceLastSeen: eval.SinceMinutes,
		LatestUpdate:         latest,
	})
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := a.cfg.Liveness.HistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > a.cfg.Liveness.HistoryMaxLimit {
		limit = a.cfg.Liveness.HistoryMaxLimit
	}

	deviceID := r.URL.Query().Get("device_id")
	reports, err := a.store.ListReports(r.Context(), deviceID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, history.Synthesize(reports, a.detector.Threshold()))
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.store.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleDevices(w http.ResponseWriter, r *http.Request) {
	states, err := a.store.ListDeviceStates(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	now := time.Now().Unix()
	views := make([]deviceView, 0, len(states))
	for _, st := range states {
		eval := a.detector.Check(r.Context(), st, now, store.SourceRead)
		views = append(views, deviceView{
			DeviceID:             st.DeviceID,
			Status:               eval.Status,
			LastSeen:             st.LastSeen,
			MinutesSinceLastSeen: eval.SinceMinutes,
			TotalUptime:          st.TotalUptime,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *API) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
