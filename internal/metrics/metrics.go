// Package metrics contains the Prometheus collectors of the proxy and the
// HTTP server that exposes them.
package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sniparse"

// Directions of relayed traffic.
const (
	DirectionUpstream   = "upstream"
	DirectionDownstream = "downstream"
)

// Metrics is a set of collectors registered in its own registry.  A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	connections   prometheus.Counter
	activeTunnels prometheus.Gauge
	parseResults  *prometheus.CounterVec
	blocked       prometheus.Counter
	bytesRelayed  *prometheus.CounterVec
	firstReadSize prometheus.Histogram
}

// New creates and registers all collectors.
func New() (m *Metrics) {
	m = &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of accepted client connections.",
		}),
		activeTunnels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tunnels",
			Help:      "Number of tunnels currently relaying data.",
		}),
		parseResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clienthello_parse_total",
			Help:      "ClientHello parse results by outcome.",
		}, []string{"result"}),
		blocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocked_total",
			Help:      "Connections closed because of a block rule.",
		}),
		bytesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_bytes_total",
			Help:      "Bytes relayed by direction.",
		}, []string{"direction"}),
		firstReadSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_read_bytes",
			Help:      "Size of the first read from a client connection.",
			Buckets:   prometheus.ExponentialBuckets(64, 2, 9),
		}),
	}

	m.registry.MustRegister(
		m.connections,
		m.activeTunnels,
		m.parseResults,
		m.blocked,
		m.bytesRelayed,
		m.firstReadSize,
	)

	return m
}

// Registry returns the registry the collectors are registered in.
func (m *Metrics) Registry() (r *prometheus.Registry) {
	return m.registry
}

// ConnectionAccepted records a new client connection.
func (m *Metrics) ConnectionAccepted() {
	if m == nil {
		return
	}

	m.connections.Inc()
}

// FirstRead records the size of the first client read.
func (m *Metrics) FirstRead(n int) {
	if m == nil {
		return
	}

	m.firstReadSize.Observe(float64(n))
}

// ParseResult records the outcome of parsing a ClientHello.  result is "ok"
// or a short error kind.
func (m *Metrics) ParseResult(result string) {
	if m == nil {
		return
	}

	m.parseResults.WithLabelValues(result).Inc()
}

// Blocked records a connection rejected by a block rule.
func (m *Metrics) Blocked() {
	if m == nil {
		return
	}

	m.blocked.Inc()
}

// TunnelStarted records a tunnel start and returns the function to call when
// it is finished.
func (m *Metrics) TunnelStarted() (done func()) {
	if m == nil {
		return func() {}
	}

	m.activeTunnels.Inc()

	return m.activeTunnels.Dec
}

// Relayed adds n bytes to the counter of the given direction.
func (m *Metrics) Relayed(direction string, n int64) {
	if m == nil {
		return
	}

	m.bytesRelayed.WithLabelValues(direction).Add(float64(n))
}

// Server serves the metrics over HTTP.
type Server struct {
	srv      *http.Server
	listener net.Listener
}

// NewServer creates a metrics server listening on addr.  It must be started
// with [Server.Start].
func NewServer(addr string, m *Metrics) (s *Server) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start starts listening and serving in a separate goroutine.
func (s *Server) Start() (err error) {
	s.listener, err = net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("metrics: failed to listen: %w", err)
	}

	log.Info("metrics: listening on %s", s.listener.Addr())

	go func() {
		sErr := s.srv.Serve(s.listener)
		if sErr != nil && !errors.Is(sErr, http.ErrServerClosed) {
			log.Error("metrics: serving: %s", sErr)
		}
	}()

	return nil
}

// Addr returns the address the server listens on.  It's only valid after
// Start.
func (s *Server) Addr() (addr net.Addr) {
	return s.listener.Addr()
}

// Close implements the [io.Closer] interface for *Server.
func (s *Server) Close() (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.srv.Shutdown(ctx)
}
