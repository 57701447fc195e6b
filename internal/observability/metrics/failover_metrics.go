package metrics

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	ReplayOutcomeReplayed  = "replayed"
	ReplayOutcomeDuplicate = "duplicate"
	ReplayOutcomeFailed    = "failed"
)

// FailoverMetrics captures regional availability and pending-write replay.
type FailoverMetrics struct {
	regionHealthy *prometheus.GaugeVec
	probeLatency  *prometheus.HistogramVec
	pendingWrites *prometheus.GaugeVec
	replayed      *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	webhookDrops  prometheus.Counter
}

var (
	failoverMetricsOnce sync.Once
	failoverMetrics     *FailoverMetrics
)

// FailoverWithConfig returns the singleton failover metrics registry using config labels.
func FailoverWithConfig(cfg Config) *FailoverMetrics {
	failoverMetricsOnce.Do(func() {
		failoverMetrics = newFailoverMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return failoverMetrics
}

func newFailoverMetrics(registerer prometheus.Registerer, cfg Config) *FailoverMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "auditrail"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &FailoverMetrics{
		regionHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "auditrail_region_healthy",
			Help:        "1 when the region's store answered the last probe.",
			ConstLabels: constLabels,
		}, []string{"region"}),
		probeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "auditrail_region_probe_seconds",
			Help:        "Regional store probe latency.",
			Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			ConstLabels: constLabels,
		}, []string{"region"}),
		pendingWrites: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "auditrail_pending_writes",
			Help:        "Pending writes waiting for replay per region.",
			ConstLabels: constLabels,
		}, []string{"region"}),
		replayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "auditrail_pending_replay_total",
			Help:        "Pending write replays by outcome.",
			ConstLabels: constLabels,
		}, []string{"region", "outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "auditrail_region_state_transitions_total",
			Help:        "Region state changes.",
			ConstLabels: constLabels,
		}, []string{"region", "from", "to"}),
		webhookDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "auditrail_webhook_handoff_dropped_total",
			Help:        "Webhook notifications dropped because the handoff buffer was full.",
			ConstLabels: constLabels,
		}),
	}

	for _, c := range []prometheus.Collector{
		m.regionHealthy, m.probeLatency, m.pendingWrites, m.replayed, m.transitions, m.webhookDrops,
	} {
		if err := registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				panic(err)
			}
		}
	}
	return m
}

func (m *FailoverMetrics) SetRegionHealth(region string, healthy bool, latency time.Duration) {
	if m == nil {
		return
	}
	value := 0.0
	if healthy {
		value = 1
	}
	m.regionHealthy.WithLabelValues(region).Set(value)
	m.probeLatency.WithLabelValues(region).Observe(latency.Seconds())
}

func (m *FailoverMetrics) SetPendingWrites(region string, count int64) {
	if m == nil {
		return
	}
	m.pendingWrites.WithLabelValues(region).Set(float64(count))
}

func (m *FailoverMetrics) RecordReplay(region, outcome string) {
	if m == nil {
		return
	}
	m.replayed.WithLabelValues(region, outcome).Inc()
}

func (m *FailoverMetrics) RecordTransition(region, from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(region, from, to).Inc()
}

func (m *FailoverMetrics) RecordWebhookDrop() {
	if m == nil {
		return
	}
	m.webhookDrops.Inc()
}
