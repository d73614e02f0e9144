package dashboard

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/evoseal/core/infrastructure/logging"
)

// streamFrame is the wire shape of every pushed update: {type, data, timestamp}.
type streamFrame struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// client is one connected websocket subscriber with a bounded send queue.
// Grounded on the teacher's http.Handler-wrapping middleware convention
// generalized here to a per-connection goroutine pair instead of a single
// request/response cycle.
type client struct {
	conn  *websocket.Conn
	queue chan streamFrame
	done  chan struct{}
}

// streamHub fans frames out to every connected client, applying a drop-
// and-log backpressure policy when a client's queue is full rather than
// blocking the broadcaster on a slow reader.
type streamHub struct {
	queueSize int
	log       *logging.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

func newStreamHub(queueSize int, log *logging.Logger) *streamHub {
	return &streamHub{queueSize: queueSize, log: log, clients: make(map[*client]struct{})}
}

func (h *streamHub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *streamHub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	close(c.done)
}

// serveWebSocket registers conn as a client, sends initial_data, and pumps
// queued frames to it until the connection closes.
func (h *streamHub) serveWebSocket(conn *websocket.Conn, provider StatusProvider) {
	c := &client{conn: conn, queue: make(chan streamFrame, h.queueSize), done: make(chan struct{})}
	h.add(c)
	defer func() {
		h.remove(c)
		_ = conn.Close()
	}()

	select {
	case c.queue <- streamFrame{Type: "initial_data", Data: provider.Status(), Timestamp: time.Now()}:
	default:
	}

	go h.readLoop(conn, c)

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.queue:
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}
	}
}

// readLoop discards client messages (the stream is read-only from the
// dashboard's perspective) but is needed to detect client-initiated close.
func (h *streamHub) readLoop(conn *websocket.Conn, c *client) {
	defer func() {
		select {
		case <-c.done:
		default:
			h.remove(c)
		}
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// broadcastLoop publishes a metrics_update frame to every connected client
// every interval until stop is closed.
func (h *streamHub) broadcastLoop(interval time.Duration, provider StatusProvider, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.broadcast(streamFrame{Type: "metrics_update", Data: provider.Metrics(), Timestamp: time.Now()})
		}
	}
}

func (h *streamHub) broadcast(frame streamFrame) {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		select {
		case c.queue <- frame:
		default:
			if h.log != nil {
				h.log.Warn(context.Background(), "dashboard client queue full, dropping frame", nil)
			}
		}
	}
}
