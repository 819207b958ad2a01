package meter

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ineyio/genquota"
)

const (
	outcomeGranted   = "granted"
	outcomeSuccess   = "success"
	outcomeExhausted = "exhausted"
	outcomeError     = "error"
)

// PromMeter exports quota and generation events as Prometheus metrics.
type PromMeter struct {
	consumes    *prometheus.CounterVec
	resets      prometheus.Counter
	remaining   prometheus.Gauge
	resetsAt    prometheus.Gauge
	consumeTime prometheus.Histogram

	generations    *prometheus.CounterVec
	generationTime *prometheus.HistogramVec
}

var _ genquota.Meter = (*PromMeter)(nil)

// NewPromMeter creates a PromMeter and registers its collectors with reg.
// Metric names are prefixed with namespace when it is non-empty.
func NewPromMeter(reg prometheus.Registerer, namespace string) (*PromMeter, error) {
	m := &PromMeter{
		consumes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_consume_total",
			Help:      "TryConsume calls by outcome.",
		}, []string{"outcome"}),
		resets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_period_resets_total",
			Help:      "Grants that started a new quota period.",
		}),
		remaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quota_remaining",
			Help:      "Units left in the current period as of the last consume.",
		}),
		resetsAt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quota_resets_at_seconds",
			Help:      "Unix time the current period ends.",
		}),
		consumeTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "quota_consume_duration_seconds",
			Help:      "TryConsume latency including store retries.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Generator calls by generator and outcome.",
		}, []string{"generator", "outcome"}),
		generationTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Generator call latency.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"generator"}),
	}

	for _, c := range []prometheus.Collector{
		m.consumes, m.resets, m.remaining, m.resetsAt, m.consumeTime,
		m.generations, m.generationTime,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *PromMeter) OnConsume(e genquota.ConsumeEvent) {
	m.consumeTime.Observe(e.Duration.Seconds())

	switch {
	case e.Granted:
		m.consumes.WithLabelValues(outcomeGranted).Inc()
		if e.Reset {
			m.resets.Inc()
		}
		m.remaining.Set(float64(e.Remaining))
		m.resetsAt.Set(float64(e.ResetsAt.Unix()))
	case genquota.IsExhausted(e.Error):
		m.consumes.WithLabelValues(outcomeExhausted).Inc()
		m.remaining.Set(0)
		m.resetsAt.Set(float64(e.ResetsAt.Unix()))
	default:
		m.consumes.WithLabelValues(outcomeError).Inc()
	}
}

func (m *PromMeter) OnGenerate(e genquota.GenerateEvent) {
	outcome := outcomeSuccess
	if !e.Success {
		outcome = outcomeError
	}
	m.generations.WithLabelValues(e.Generator, outcome).Inc()
	m.generationTime.WithLabelValues(e.Generator).Observe(e.Duration.Seconds())
}
