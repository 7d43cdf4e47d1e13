package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/metricore/metricore/internal/metrics"
	"github.com/metricore/metricore/internal/models"
)

// Stream event types
const (
	EventTypeAnomaly   = "anomaly"
	EventTypeAlert     = "alert"
	EventTypeHeartbeat = "heartbeat"
)

// StreamEvent is one message on the event stream.
type StreamEvent struct {
	Type      string             `json:"type"`
	Anomaly   *models.Anomaly    `json:"anomaly,omitempty"`
	Alert     *models.AlertEvent `json:"alert,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// streamHub fans anomaly and alert events out to WebSocket subscribers.
type streamHub struct {
	server   *Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]chan StreamEvent
}

func newStreamHub(s *Server) *streamHub {
	h := &streamHub{
		server:  s,
		clients: make(map[*websocket.Conn]chan StreamEvent),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin permits browser connections only from configured origins.
// Non-browser clients send no Origin header and are always allowed.
func (h *streamHub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.server.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// start pumps anomaly and alert subscriptions into the broadcast loop.
func (h *streamHub) start() {
	anomalies := h.server.detector.Subscribe()
	alerts := h.server.alerts.Subscribe()

	h.server.wg.Add(1)
	go func() {
		defer h.server.wg.Done()
		heartbeat := time.NewTicker(30 * time.Second)
		defer heartbeat.Stop()
		for {
			select {
			case a := <-anomalies:
				h.broadcast(StreamEvent{Type: EventTypeAnomaly, Anomaly: a, Timestamp: time.Now().UTC()})
			case al := <-alerts:
				h.broadcast(StreamEvent{Type: EventTypeAlert, Alert: al, Timestamp: time.Now().UTC()})
			case <-heartbeat.C:
				h.broadcast(StreamEvent{Type: EventTypeHeartbeat, Timestamp: time.Now().UTC()})
			case <-h.server.ctx.Done():
				h.closeAll()
				return
			}
		}
	}()
}

func (h *streamHub) broadcast(ev StreamEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		select {
		case ch <- ev:
		default:
			// Slow consumer, drop the connection rather than block the hub.
			close(ch)
			delete(h.clients, conn)
			conn.Close()
			metrics.StreamConnections.Dec()
		}
	}
}

func (h *streamHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		close(ch)
		conn.Close()
		delete(h.clients, conn)
		metrics.StreamConnections.Dec()
	}
}

// handleStream upgrades the connection and streams events until the client
// disconnects.
func (h *streamHub) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.server.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	ch := make(chan StreamEvent, 64)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	metrics.StreamConnections.Inc()

	h.server.logger.Info("stream subscriber connected", zap.String("remote", r.RemoteAddr))

	// Writer: one goroutine per connection owns all writes.
	go func() {
		for ev := range ch {
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				break
			}
		}
		h.drop(conn)
	}()

	// Reader: discard inbound frames, detect disconnect.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.drop(conn)
				return
			}
		}
	}()
}

func (h *streamHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
		conn.Close()
		metrics.StreamConnections.Dec()
	}
}
