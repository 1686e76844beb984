// Package metrics exposes FDB's server and engine counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fdbkv/fdb/pkg/engine"
)

const namespace = "fdb"

// Metrics holds the collectors updated by the server. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Commands         *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	Connections      prometheus.Gauge
	ConnectionsTotal prometheus.Counter
	Rejected         prometheus.Counter
}

// New creates the server collectors on a fresh registry, together with the
// Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands processed, by command and result.",
		}, []string{"command", "result"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Command execution latency.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 10),
		}, []string{"command"}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Currently open client connections.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Client connections accepted.",
		}),
		Rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Client connections refused by admission control.",
		}),
	}
	m.registry.MustRegister(
		m.Commands,
		m.CommandDuration,
		m.Connections,
		m.ConnectionsTotal,
		m.Rejected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry holding every FDB collector.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RegisterEngine exports the engine's statistics as gauges and counters that
// are read on every scrape.
func (m *Metrics) RegisterEngine(eng *engine.Engine) {
	gauge := func(name, help string, f func(engine.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: name, Help: help,
		}, func() float64 { return f(eng.Stats()) })
	}
	counter := func(name, help string, f func(engine.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: name, Help: help,
		}, func() float64 { return float64(f(eng.Stats())) })
	}

	m.registry.MustRegister(
		gauge("entries", "Entries resident in the cache.", func(s engine.Stats) float64 { return float64(s.CacheEntries) }),
		gauge("dirty_entries", "Entries not yet written to disk.", func(s engine.Stats) float64 { return float64(s.DirtyEntries) }),
		gauge("pending_evictions", "Evicted dirty entries awaiting persistence.", func(s engine.Stats) float64 { return float64(s.PendingEvicts) }),
		gauge("capacity", "Maximum resident cache entries.", func(s engine.Stats) float64 { return float64(s.CacheCapacity) }),
		counter("cache_hits_total", "Reads served from memory.", func(s engine.Stats) uint64 { return s.CacheHits }),
		counter("cache_misses_total", "Reads not found in memory.", func(s engine.Stats) uint64 { return s.CacheMisses }),
		counter("evictions_total", "Entries evicted from the cache.", func(s engine.Stats) uint64 { return s.Evictions }),
		counter("disk_loads_total", "Records loaded from disk on a cache miss.", func(s engine.Stats) uint64 { return s.DiskLoads }),
		counter("flushes_total", "Completed flush passes.", func(s engine.Stats) uint64 { return s.Flushes }),
		counter("flushed_entries_total", "Entries written by flush passes.", func(s engine.Stats) uint64 { return s.FlushedEntries }),
		counter("flush_failures_total", "Entry writes that failed and were retried.", func(s engine.Stats) uint64 { return s.FlushFailures }),
		counter("corrupt_records_total", "Records that failed verification on load.", func(s engine.Stats) uint64 { return s.CorruptRecords }),
	)
}

// ObserveCommand records one executed command.
func (m *Metrics) ObserveCommand(command string, failed bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if failed {
		result = "error"
	}
	m.Commands.WithLabelValues(command, result).Inc()
	m.CommandDuration.WithLabelValues(command).Observe(elapsed.Seconds())
}

// ConnectionOpened records an admitted connection.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.Connections.Inc()
	m.ConnectionsTotal.Inc()
}

// ConnectionClosed records the end of an admitted connection.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}

// ConnectionRejected records a connection refused by admission control.
func (m *Metrics) ConnectionRejected() {
	if m == nil {
		return
	}
	m.Rejected.Inc()
}

// Handler returns the /metrics HTTP handler for the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Server serves the metrics endpoint over HTTP.
type Server struct {
	http     *http.Server
	listener net.Listener
	log      *zap.Logger
}

// Listen binds addr and returns a Server ready to Serve /metrics.
func Listen(addr string, m *Metrics, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &Server{
		http:     &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		listener: ln,
		log:      log.Named("metrics"),
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve blocks serving requests until Shutdown.
func (s *Server) Serve() error {
	s.log.Info("metrics listening", zap.String("addr", s.listener.Addr().String()))
	if err := s.http.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server, waiting for in-flight scrapes up to ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
