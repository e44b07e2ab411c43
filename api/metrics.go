// Package api provides Prometheus metrics for HieraChain BFT replicas.
package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hierachain_bft"

// Metrics holds all Prometheus metrics of one replica.
type Metrics struct {
	// Agreement metrics
	Proposals     prometheus.Counter
	Commits       prometheus.Counter
	Delivered     prometheus.Counter
	Requests      prometheus.Counter
	BatchSize     prometheus.Histogram
	CommitLatency prometheus.Histogram

	// Recovery metrics
	ViewChanges       prometheus.Counter
	StableCheckpoints prometheus.Counter
	StateInstalls     prometheus.Counter

	// Fault metrics
	Rejections      *prometheus.CounterVec
	Suspicions      *prometheus.CounterVec
	DroppedEvents   prometheus.Counter
	TransportErrors prometheus.Counter

	// State gauges
	View          prometheus.Gauge
	LowWatermark  prometheus.Gauge
	LogSlots      prometheus.Gauge
	MempoolSize   prometheus.Gauge
	VerifyPending prometheus.Gauge
}

// NewMetrics registers a replica's metrics with reg. Each replica gets its
// own registry so that several of them can run in one process.
func NewMetrics(reg prometheus.Registerer, node string) *Metrics {
	f := promauto.With(reg)
	labels := prometheus.Labels{"node": node}
	return &Metrics{
		Proposals: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "proposals_total",
			Help:        "Total number of PRE-PREPAREs sent as leader",
			ConstLabels: labels,
		}),
		Commits: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "commits_total",
			Help:        "Total number of slots that reached COMMITTED",
			ConstLabels: labels,
		}),
		Delivered: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "delivered_batches_total",
			Help:        "Total number of batches delivered to the service",
			ConstLabels: labels,
		}),
		Requests: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "executed_requests_total",
			Help:        "Total number of requests executed",
			ConstLabels: labels,
		}),
		BatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "batch_size",
			Help:        "Number of requests per delivered batch",
			Buckets:     []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
			ConstLabels: labels,
		}),
		CommitLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "commit_latency_seconds",
			Help:        "Time from accepting a proposal to its delivery",
			Buckets:     []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			ConstLabels: labels,
		}),

		ViewChanges: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "view_changes_total",
			Help:        "Total number of view changes started",
			ConstLabels: labels,
		}),
		StableCheckpoints: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "stable_checkpoints_total",
			Help:        "Total number of checkpoints that became stable",
			ConstLabels: labels,
		}),
		StateInstalls: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "state_installs_total",
			Help:        "Total number of snapshots installed by state transfer",
			ConstLabels: labels,
		}),

		Rejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "rejections_total",
			Help:        "Rejected messages and requests by reason",
			ConstLabels: labels,
		}, []string{"reason"}),
		Suspicions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "suspicions_total",
			Help:        "Protocol violations attributed to a peer",
			ConstLabels: labels,
		}, []string{"peer"}),
		DroppedEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "dropped_events_total",
			Help:        "Events dropped because the consumer was slow",
			ConstLabels: labels,
		}),
		TransportErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "transport_errors_total",
			Help:        "Send failures reported by the transport",
			ConstLabels: labels,
		}),

		View: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "view",
			Help:        "Current view number",
			ConstLabels: labels,
		}),
		LowWatermark: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "low_watermark",
			Help:        "Sequence number of the last stable checkpoint",
			ConstLabels: labels,
		}),
		LogSlots: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "log_slots",
			Help:        "Slots held by the message log",
			ConstLabels: labels,
		}),
		MempoolSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "mempool_size",
			Help:        "Current number of pending requests",
			ConstLabels: labels,
		}),
		VerifyPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "verify_pending",
			Help:        "Messages queued for signature verification",
			ConstLabels: labels,
		}),
	}
}

// RecordDelivery records a delivered batch.
func (m *Metrics) RecordDelivery(size int, latency time.Duration) {
	m.Delivered.Inc()
	m.Requests.Add(float64(size))
	m.BatchSize.Observe(float64(size))
	if latency > 0 {
		m.CommitLatency.Observe(latency.Seconds())
	}
}

// Reject counts a rejection.
func (m *Metrics) Reject(reason string) {
	m.Rejections.WithLabelValues(reason).Inc()
}

// UpdateLog updates the log gauges.
func (m *Metrics) UpdateLog(low uint64, slots int) {
	m.LowWatermark.Set(float64(low))
	m.LogSlots.Set(float64(slots))
}

// MetricsServer runs an HTTP server exposing /metrics and /health.
type MetricsServer struct {
	server *http.Server
}

// NewMetricsServer creates a metrics server for the given gatherer.
func NewMetricsServer(addr string, gatherer prometheus.Gatherer) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &MetricsServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start starts the metrics server (blocking).
func (s *MetricsServer) Start() error {
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// StartAsync starts the metrics server in a goroutine.
func (s *MetricsServer) StartAsync() {
	go func() {
		_ = s.Start()
	}()
}

// Stop stops the metrics server.
func (s *MetricsServer) Stop() error {
	return s.server.Close()
}
