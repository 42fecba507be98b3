package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/effendiaiwebsite/render-backend/server/liveness"
	"github.com/effendiaiwebsite/render-backend/server/observability"
	"github.com/effendiaiwebsite/render-backend/server/store"
	"github.com/effendiaiwebsite/render-backend/server/streaming"
)

// StatusHub manages WebSocket connections and broadcasts device status.
// Single broadcaster pattern prevents N duplicate tickers.
type StatusHub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn

	// transitions buffers events pushed by the detector so a slow
	// websocket never blocks ingest or the sweep.
	transitions chan streaming.TransitionEvent

	maxClients int
	mu         sync.RWMutex
	store      store.Store
	threshold  time.Duration
	logger     *zap.Logger
}

type snapshotMessage struct {
	Type    string       `json:"type"`
	Devices []deviceView `json:"devices"`
}

type transitionMessage struct {
	Type string `json:"type"`
	streaming.TransitionEvent
}

// NewStatusHub creates a new WebSocket hub.
func NewStatusHub(s store.Store, threshold time.Duration, maxClients int, logger *zap.Logger) *StatusHub {
	return &StatusHub{
		clients:     make(map[*websocket.Conn]bool),
		register:    make(chan *websocket.Conn),
		unregister:  make(chan *websocket.Conn),
		transitions: make(chan streaming.TransitionEvent, 64),
		maxClients:  maxClients,
		store:       s,
		threshold:   threshold,
		logger:      logger,
	}
}

// Run starts the hub's main loop.
func (h *StatusHub) Run(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			// Connection cap to prevent overload
			if len(h.clients) >= h.maxClients {
				h.mu.Unlock()
				conn.Close()
				h.logger.Warn("WebSocket connection rejected: max connections reached",
					zap.Int("max", h.maxClients))
				continue
			}
			h.clients[conn] = true
			total := len(h.clients)
			h.mu.Unlock()
			observability.WebsocketClients.Set(float64(total))
			h.logger.Info("WebSocket client registered", zap.Int("total", total))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			observability.WebsocketClients.Set(float64(total))
			h.logger.Info("WebSocket client unregistered", zap.Int("total", total))

		case ev := <-h.transitions:
			h.broadcastTransition(ev)

		case <-ticker.C:
			h.broadcastSnapshot(ctx)
		}
	}
}

// PublishTransition queues a transition for broadcast. It never blocks;
// when the buffer is full the event is dropped and the caller's failure
// accounting picks it up.
func (h *StatusHub) PublishTransition(_ context.Context, ev streaming.TransitionEvent) error {
	select {
	case h.transitions <- ev:
		return nil
	default:
		return errors.New("status hub buffer full, transition dropped")
	}
}

// Close is a no-op: the hub's lifetime is bound to the context given to Run.
func (h *StatusHub) Close() error {
	return nil
}

// broadcastSnapshot sends the current view of every device to all clients.
// Liveness is evaluated in place without touching stored status; the sweep
// owns background transitions, not the broadcast tick.
func (h *StatusHub) broadcastSnapshot(ctx context.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.clients) == 0 {
		return
	}

	states, err := h.store.ListDeviceStates(ctx)
	if err != nil {
		h.logger.Warn("Failed to collect device states for broadcast", zap.Error(err))
		return
	}

	now := time.Now().Unix()
	views := make([]deviceView, 0, len(states))
	for _, st := range states {
		eval := liveness.Evaluate(now, st.LastSeen, h.threshold)
		views = append(views, deviceView{
			DeviceID:             st.DeviceID,
			Status:               eval.Status,
			LastSeen:             st.LastSeen,
			MinutesSinceLastSeen: eval.SinceMinutes,
			TotalUptime:          st.TotalUptime,
		})
	}

	h.send(snapshotMessage{Type: "snapshot", Devices: views})
}

func (h *StatusHub) broadcastTransition(ev streaming.TransitionEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	h.send(transitionMessage{Type: "transition", TransitionEvent: ev})
}

// send writes v to every client. Callers hold at least the read lock.
func (h *StatusHub) send(v any) {
	for conn := range h.clients {
		// Set write deadline to prevent blocking on dead connections
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(v); err != nil {
			h.logger.Warn("WebSocket write error", zap.Error(err))
			// Unregister will be handled by read pump or next ping
			go h.Unregister(conn)
		}
	}
}

// shutdown gracefully closes all client connections.
func (h *StatusHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.logger.Info("Shutting down WebSocket hub", zap.Int("clients", len(h.clients)))

	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
	observability.WebsocketClients.Set(0)
}

// Register adds a new client connection.
func (h *StatusHub) Register(conn *websocket.Conn) {
	h.register <- conn
}

// Unregister removes a client connection.
func (h *StatusHub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected clients.
func (h *StatusHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
