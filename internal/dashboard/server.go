// Package dashboard implements the read-only Dashboard Server (spec C10):
// status/metrics/report HTTP endpoints plus a streaming channel that pushes
// periodic updates to connected clients. Grounded on the teacher's
// infrastructure/middleware http.Handler-wrapping convention and
// infrastructure/httputil JSON response helpers.
package dashboard

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/evoseal/core/infrastructure/logging"
	"github.com/evoseal/core/infrastructure/middleware"
	"github.com/evoseal/core/infrastructure/runtime"
	"github.com/evoseal/core/infrastructure/service"
	"github.com/evoseal/core/internal/eventbus"
	"github.com/evoseal/core/pkg/version"
)

// StatusProvider supplies the live snapshots the dashboard serves. Each
// method is called fresh per request/frame, letting the caller compose
// whatever it has on hand (orchestrator state, evolution stats, store
// queries) without the dashboard depending on their concrete types.
type StatusProvider interface {
	Status() map[string]any
	Metrics() map[string]any
	Report() map[string]any
}

// Config controls the dashboard's binding and update cadence. Binding
// defaults to loopback-only per spec.md §4.10's "default to a non-public
// interface" requirement.
type Config struct {
	Host           string
	Port           int
	UpdateInterval time.Duration
	// ClientQueueSize bounds each connected client's pending-frame buffer;
	// a full buffer triggers the drop-and-log backpressure policy.
	ClientQueueSize int
}

// DefaultConfig matches pkg/config.EvolutionConfig's dashboard defaults,
// letting EVOSEAL_DASHBOARD_HOST/EVOSEAL_DASHBOARD_PORT override them the
// same way the rest of the orchestrator's env-resolved settings do.
func DefaultConfig() Config {
	return Config{
		Host:            runtime.ResolveString("", "EVOSEAL_DASHBOARD_HOST", "127.0.0.1"),
		Port:            runtime.ResolveInt(0, "EVOSEAL_DASHBOARD_PORT", 8089),
		UpdateInterval:  30 * time.Second,
		ClientQueueSize: 16,
	}
}

// Server is the Dashboard Server.
type Server struct {
	cfg      Config
	provider StatusProvider
	bus      *eventbus.Bus
	log      *logging.Logger
	upgrader websocket.Upgrader

	hub *streamHub
}

// New constructs a Server and wires its chi router.
func New(cfg Config, provider StatusProvider, bus *eventbus.Bus, log *logging.Logger) *Server {
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = DefaultConfig().UpdateInterval
	}
	if cfg.ClientQueueSize <= 0 {
		cfg.ClientQueueSize = DefaultConfig().ClientQueueSize
	}
	s := &Server{
		cfg:      cfg,
		provider: provider,
		bus:      bus,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The dashboard binds to a private interface by default, so
			// cross-origin checks stay permissive for operators fronting it
			// with their own reverse proxy; in production they're enforced,
			// since that's the one environment where "private interface" is
			// a real security boundary rather than a developer convenience.
			CheckOrigin: func(r *http.Request) bool {
				if !runtime.IsProduction() {
					return true
				}
				return r.Header.Get("Origin") == "" || r.Header.Get("Origin") == "https://"+r.Host || r.Header.Get("Origin") == "http://"+r.Host
			},
		},
	}
	s.hub = newStreamHub(cfg.ClientQueueSize, log)
	return s
}

// Router builds the chi router for every dashboard endpoint.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(s.log).Handler)

	r.Get("/api/status", s.handleStatus)
	r.Get("/api/metrics", s.handleMetrics)
	r.Get("/api/report", s.handleReport)
	r.Get("/api/stream", s.handleStream)
	r.Get("/", s.handleIndex)

	// Operator-facing liveness/readiness probes from the shared service
	// route set, served as /_service/health and /_service/ready.
	probes := mux.NewRouter()
	service.RegisterStandardRoutes(probes, service.Info{
		Name:    "evoseal-dashboard",
		Version: version.Version,
		Stats:   s.provider.Metrics,
	}, service.RouteOptions{SkipInfo: true})
	r.Mount("/_service", http.StripPrefix("/_service", probes))
	return r
}

// Run starts the background frame broadcaster in its own goroutine and
// returns at once; the broadcaster stops when stop is closed. Run does not
// serve HTTP: Router returns the handler to serve.
func (s *Server) Run(stop <-chan struct{}) {
	go s.hub.broadcastLoop(s.cfg.UpdateInterval, s.provider, stop)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.provider.Status())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.provider.Metrics())
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	report := s.provider.Report()
	report["recent_regression_severities"] = s.recentRegressionSeverities()
	writeJSON(w, http.StatusOK, report)
}

// recentRegressionSeverities pulls the "severity" field out of the last
// hour of regression.detected events straight from their JSON encoding via
// gjson, avoiding a full unmarshal of each event's Data map just to read
// one field.
func (s *Server) recentRegressionSeverities() []string {
	if s.bus == nil {
		return nil
	}
	events := s.bus.History(eventbus.TypeRegressionDetected, time.Now().Add(-time.Hour), time.Time{})
	severities := make([]string, 0, len(events))
	for _, evt := range events {
		raw, err := json.Marshal(evt.Data)
		if err != nil {
			continue
		}
		for _, sev := range gjson.GetBytes(raw, "reports.#.severity").Array() {
			severities = append(severities, sev.String())
		}
	}
	return severities
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

// handleStream opens a gorilla/websocket connection when the client asked
// for one, and falls back to chunked-JSON long-poll (newline-delimited
// JSON frames flushed as they're produced) for clients that sent
// Accept: application/x-ndjson instead.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.hub.serveWebSocket(conn, s.provider)
		return
	}

	if r.Header.Get("Accept") == "application/x-ndjson" {
		s.serveChunkedJSON(w, r)
		return
	}

	http.Error(w, "upgrade required", http.StatusUpgradeRequired)
}

func (s *Server) serveChunkedJSON(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	writeFrame := func(frame streamFrame) bool {
		data, err := json.Marshal(frame)
		if err != nil {
			return false
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	writeFrame(streamFrame{Type: "initial_data", Data: s.provider.Status(), Timestamp: time.Now()})

	ticker := time.NewTicker(s.cfg.UpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if !writeFrame(streamFrame{Type: "metrics_update", Data: s.provider.Metrics(), Timestamp: time.Now()}) {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, data map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

const indexHTML = `<!doctype html>
<html><head><title>evoseal dashboard</title></head>
<body>
<pre id="out">connecting...</pre>
<script>
var ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/api/stream");
ws.onmessage = function(evt) { document.getElementById("out").textContent = evt.data; };
</script>
</body></html>`
