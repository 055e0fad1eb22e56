package monitor

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aivalabs/aiva-bridge/internal/bridge"
	"github.com/aivalabs/aiva-bridge/internal/health"
	"github.com/aivalabs/aiva-bridge/internal/observe"
)

// CallSource is the slice of the bridge manager the monitor reads from.
type CallSource interface {
	Connections() []bridge.Snapshot
	Count() int
	AgentSource() bridge.AgentSource
}

// cacheStats is implemented by the agent cache; other AgentSource
// implementations simply report no stats.
type cacheStats interface {
	Stats() (hits, misses int64)
}

// Server exposes the monitoring HTTP surface.
type Server struct {
	calls   CallSource
	hub     *Hub
	health  *health.Handler
	metrics *observe.Metrics
	started time.Time
}

// NewServer assembles the monitor. A nil metrics falls back to the
// process-wide default instruments.
func NewServer(calls CallSource, hub *Hub, healthHandler *health.Handler, metrics *observe.Metrics) *Server {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Server{
		calls:   calls,
		hub:     hub,
		health:  healthHandler,
		metrics: metrics,
		started: time.Now(),
	}
}

// Router builds the monitor's route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(s.metrics))

	r.Get("/healthz", s.health.Healthz)
	r.Get("/readyz", s.health.Readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Get("/api/connections", s.handleConnections)
	r.Get("/api/stats", s.handleStats)
	r.Get("/ws", s.handleWS)
	return r
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	snaps := s.calls.Connections()
	if snaps == nil {
		snaps = []bridge.Snapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

// statsResponse is the /api/stats body.
type statsResponse struct {
	ActiveCalls      int     `json:"active_calls"`
	DashboardClients int     `json:"dashboard_clients"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
	AgentCacheHits   int64   `json:"agent_cache_hits"`
	AgentCacheMisses int64   `json:"agent_cache_misses"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		ActiveCalls:      s.calls.Count(),
		DashboardClients: s.hub.ClientCount(),
		UptimeSeconds:    time.Since(s.started).Seconds(),
	}
	if stats, ok := s.calls.AgentSource().(cacheStats); ok {
		resp.AgentCacheHits, resp.AgentCacheMisses = stats.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	s.hub.serve(r.Context(), conn, s.calls.Connections())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode monitor response failed", "err", err)
	}
}
