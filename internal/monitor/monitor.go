// Package monitor provides the HTTP monitoring extension: health and
// connection-listing endpoints plus Prometheus metrics, fed from the
// server's event stream.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/apxrmf/apxd/internal/config"
	"github.com/apxrmf/apxd/internal/logger"
	"github.com/apxrmf/apxd/internal/server"
)

// Monitor is the "monitor" extension.
type Monitor struct {
	srv     *server.Server
	metrics *Metrics
	http    *http.Server

	// registry defaults to a fresh registry per instance so repeated
	// Init calls in tests never collide on metric registration.
	registry *prometheus.Registry
}

// New returns an uninitialized monitor extension.
func New() *Monitor {
	return &Monitor{registry: prometheus.NewRegistry()}
}

// Name implements server.Extension.
func (m *Monitor) Name() string { return "monitor" }

// Init registers the metrics, subscribes to server events and starts the
// HTTP listener.
func (m *Monitor) Init(s *server.Server, cfg *config.Config) error {
	m.srv = s
	m.metrics = NewMetrics(m.registry)
	s.AddEventListener(m.onEvent)

	r := chi.NewRouter()
	r.Get("/healthz", m.handleHealthz)
	r.Get("/connections", m.handleConnections)
	r.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	m.http = &http.Server{
		Addr:              cfg.Extension.Monitor.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := m.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("monitor http server failed", logger.Err(err))
		}
	}()
	return nil
}

func (m *Monitor) onEvent(ev server.Event) {
	switch ev.Kind {
	case server.EventConnectionAttached:
		m.metrics.ConnectionsTotal.Inc()
		m.metrics.ConnectionsActive.Inc()
	case server.EventConnectionDetached:
		m.metrics.ConnectionsActive.Dec()
	case server.EventNodeAttached:
		m.metrics.NodesActive.Inc()
	case server.EventNodeDetached:
		m.metrics.NodesActive.Dec()
	case server.EventProvideConnected:
		m.metrics.PortsConnectedTotal.WithLabelValues("provide").Inc()
	case server.EventRequireConnected:
		m.metrics.PortsConnectedTotal.WithLabelValues("require").Inc()
	case server.EventDataRouted:
		m.metrics.RoutedFramesTotal.Inc()
		m.metrics.RoutedBytesTotal.Add(float64(ev.Bytes))
		m.metrics.RouteDuration.Observe(ev.Duration.Seconds())
	}
}

func (m *Monitor) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// nodeStatus is one node instance in the /connections response.
type nodeStatus struct {
	Name         string `json:"name"`
	ProvideState string `json:"provide_state"`
	RequireState string `json:"require_state"`
}

// connectionStatus is one connection in the /connections response.
type connectionStatus struct {
	ID         uint32       `json:"id"`
	ClientAddr string       `json:"client_addr,omitempty"`
	Nodes      []nodeStatus `json:"nodes"`
}

func (m *Monitor) handleConnections(w http.ResponseWriter, r *http.Request) {
	conns := m.srv.Connections()
	out := make([]connectionStatus, 0, len(conns))
	for _, c := range conns {
		cs := connectionStatus{ID: c.ID, Nodes: []nodeStatus{}}
		if c.Log != nil {
			cs.ClientAddr = c.Log.ClientAddr
		}
		for _, ni := range c.Nodes.All() {
			cs.Nodes = append(cs.Nodes, nodeStatus{
				Name:         ni.Name,
				ProvideState: ni.ProvideState.String(),
				RequireState: ni.RequireState.String(),
			})
		}
		out = append(out, cs)
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("monitor response encoding failed", logger.Err(err))
	}
}

// Shutdown stops the HTTP listener.
func (m *Monitor) Shutdown(ctx context.Context) error {
	if m.http == nil {
		return nil
	}
	return m.http.Shutdown(ctx)
}
