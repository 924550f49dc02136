// Package metrics exposes the Prometheus counters and gauges the pipeline
// emits for DGT's contribution scoring, channel assignment, and adaptive-k
// behavior (component A5). It is grounded on the pack's one real
// Prometheus consumer, the MIT 6.824 raft lab's RaftMetrics: the same
// promauto-constructed, per-node-labeled Gauge/Counter/Vec set, served from
// a dedicated /metrics endpoint via promhttp.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/gauge one node (worker or server) reports.
type Metrics struct {
	contriScore      *prometheus.HistogramVec
	channelAssigned  *prometheus.CounterVec
	adaptiveK        prometheus.Gauge
	pushFragments    prometheus.Counter
	pushBytes        prometheus.Counter
	pullRequests     prometheus.Counter
	serverPushes     *prometheus.CounterVec
	serverPulls      *prometheus.CounterVec
}

// New constructs the metric set for nodeID, labeling every series the way
// the teacher's RaftMetrics does with ConstLabels.
func New(nodeID int) *Metrics {
	node := prometheus.Labels{"node": strconv.Itoa(nodeID)}

	return &Metrics{
		contriScore: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "dgt_fragment_contribution_score",
			Help:        "Distribution of per-fragment contribution scores.",
			ConstLabels: node,
			Buckets:     prometheus.DefBuckets,
		}, []string{"key"}),

		channelAssigned: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "dgt_channel_assignments_total",
			Help:        "Total fragments assigned to each transport channel.",
			ConstLabels: node,
		}, []string{"channel"}),

		adaptiveK: promauto.NewGauge(prometheus.GaugeOpts{
			Name:        "dgt_adaptive_k",
			Help:        "Current reliability-floor fraction k.",
			ConstLabels: node,
		}),

		pushFragments: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "worker_push_fragments_total",
			Help:        "Total push fragments sent by this worker.",
			ConstLabels: node,
		}),

		pushBytes: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "worker_push_bytes_total",
			Help:        "Total value bytes sent by this worker's pushes.",
			ConstLabels: node,
		}),

		pullRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "worker_pull_requests_total",
			Help:        "Total pull requests issued by this worker.",
			ConstLabels: node,
		}),

		serverPushes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "server_pushes_applied_total",
			Help:        "Total pushes applied by this server, by key.",
			ConstLabels: node,
		}, []string{"key"}),

		serverPulls: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "server_pulls_served_total",
			Help:        "Total pulls served by this server, by key.",
			ConstLabels: node,
		}, []string{"key"}),
	}
}

// ObserveContribution records one fragment's contribution score.
func (m *Metrics) ObserveContribution(key string, score float64) {
	m.contriScore.WithLabelValues(key).Observe(score)
}

// ObserveChannel records one fragment's assigned channel.
func (m *Metrics) ObserveChannel(channel int) {
	m.channelAssigned.WithLabelValues(strconv.Itoa(channel)).Inc()
}

// SetAdaptiveK records the controller's current k.
func (m *Metrics) SetAdaptiveK(k float64) {
	m.adaptiveK.Set(k)
}

// ObservePush records one push fragment leaving the worker.
func (m *Metrics) ObservePush(valBytes int) {
	m.pushFragments.Inc()
	m.pushBytes.Add(float64(valBytes))
}

// ObservePull records one pull request leaving the worker.
func (m *Metrics) ObservePull() {
	m.pullRequests.Inc()
}

// ObserveServerPush records one key updated by an applied push.
func (m *Metrics) ObserveServerPush(key string) {
	m.serverPushes.WithLabelValues(key).Inc()
}

// ObserveServerPull records one key read to serve a pull.
func (m *Metrics) ObserveServerPull(key string) {
	m.serverPulls.WithLabelValues(key).Inc()
}

// Serve starts the /metrics HTTP endpoint on addr and blocks until ctx is
// canceled or the listener fails.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		return fmt.Errorf("metrics: serve %s: %w", addr, err)
	}
}
