package observability

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Work item outcomes recorded on every terminal transition.
const (
	OutcomeCompleted = "completed"
	OutcomeTimeout   = "timeout"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
	OutcomeInvalid   = "invalid"
)

// latencyWindow bounds the in-memory sample set behind the stats snapshot.
const latencyWindow = 1000

// Metrics groups the broker's Prometheus instruments plus a small windowed
// aggregate backing the /v1/stats snapshot. Observation only; nothing here
// influences scheduling.
type Metrics struct {
	Processed      *prometheus.CounterVec
	Retries        prometheus.Counter
	QueueDepth     prometheus.Gauge
	ActiveSessions prometheus.Gauge
	Latency        prometheus.Histogram

	mu         sync.Mutex
	processed  uint64
	errored    uint64
	queueDepth int
	sessions   int
	latencies  []float64
}

// NewMetrics registers all instruments on reg. Tests pass a private
// registry; main passes prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Processed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_processed_total",
			Help:      "Work items by terminal outcome.",
		}, []string{"outcome"}),
		Retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_retries_total",
			Help:      "Generation attempts retried after a transient error.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current number of queued work items.",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live sessions in the store.",
		}),
		Latency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "item_latency_ms",
			Help:      "Enqueue-to-publish latency per work item in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}),
	}
}

// RecordOutcome counts one terminal transition and its latency.
func (m *Metrics) RecordOutcome(outcome string, latency time.Duration) {
	m.Processed.WithLabelValues(outcome).Inc()
	ms := float64(latency.Milliseconds())
	m.Latency.Observe(ms)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed++
	if outcome != OutcomeCompleted {
		m.errored++
	}
	m.latencies = append(m.latencies, ms)
	if len(m.latencies) > latencyWindow {
		m.latencies = m.latencies[len(m.latencies)-latencyWindow:]
	}
}

// RecordRejection counts an item refused before acceptance (Busy or
// InvalidPayload); no latency applies.
func (m *Metrics) RecordRejection(outcome string) {
	m.Processed.WithLabelValues(outcome).Inc()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed++
	m.errored++
}

func (m *Metrics) RecordRetry() {
	m.Retries.Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	m.QueueDepth.Set(float64(n))
	m.mu.Lock()
	m.queueDepth = n
	m.mu.Unlock()
}

func (m *Metrics) SetActiveSessions(n int) {
	m.ActiveSessions.Set(float64(n))
	m.mu.Lock()
	m.sessions = n
	m.mu.Unlock()
}

// Snapshot is the read-only health view served by the admin API.
type Snapshot struct {
	Processed      uint64  `json:"processed"`
	Errors         uint64  `json:"errors"`
	QueueDepth     int     `json:"queue_depth"`
	ActiveSessions int     `json:"active_sessions"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	avg := 0.0
	if len(m.latencies) > 0 {
		sum := 0.0
		for _, v := range m.latencies {
			sum += v
		}
		avg = sum / float64(len(m.latencies))
	}
	return Snapshot{
		Processed:      m.processed,
		Errors:         m.errored,
		QueueDepth:     m.queueDepth,
		ActiveSessions: m.sessions,
		AvgLatencyMs:   avg,
	}
}

// StartReporter logs the snapshot on a fixed interval until ctx ends.
func (m *Metrics) StartReporter(ctx context.Context, interval time.Duration, logger zerolog.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snap := m.Snapshot()
				logger.Info().
					Uint64("processed", snap.Processed).
					Uint64("errors", snap.Errors).
					Int("queue_depth", snap.QueueDepth).
					Int("active_sessions", snap.ActiveSessions).
					Float64("avg_latency_ms", snap.AvgLatencyMs).
					Msg("broker stats")
			}
		}
	}()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
