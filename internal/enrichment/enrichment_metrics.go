package enrichment

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the enrichment service.
type Metrics struct {
	RecordsTotal        *prometheus.CounterVec
	RejectedTotal       *prometheus.CounterVec
	ProcessDuration     prometheus.Histogram
	CorrelationScore    prometheus.Histogram
	StoreAppendDuration *prometheus.HistogramVec
	PoolSize            prometheus.Gauge
}

// NewMetrics registers and returns enrichment metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RecordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "certguard_enrichment_records_total",
			Help: "Total stored enrichment records by mapping source and severity.",
		}, []string{"mapping_source", "severity"}),
		RejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "certguard_enrichment_rejected_total",
			Help: "Total rejected enrichment submissions by reason.",
		}, []string{"reason"}),
		ProcessDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "certguard_enrichment_process_duration_seconds",
			Help:    "Time from receipt to stored record in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms .. ~8s
		}),
		CorrelationScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "certguard_correlation_confidence",
			Help:    "Confidence of accepted correlations.",
			Buckets: prometheus.LinearBuckets(4, 2, 10), // 4 .. 22
		}),
		StoreAppendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "certguard_store_append_duration_seconds",
			Help:    "Duration of result store appends in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms .. ~1s
		}, []string{"status"}),
		PoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "certguard_candidate_pool_size",
			Help: "Number of candidates in the current correlation pool.",
		}),
	}

	reg.MustRegister(
		m.RecordsTotal,
		m.RejectedTotal,
		m.ProcessDuration,
		m.CorrelationScore,
		m.StoreAppendDuration,
		m.PoolSize,
	)

	return m
}

// Hooks returns ServiceHooks that update the corresponding metrics.
func (m *Metrics) Hooks() ServiceHooks {
	return ServiceHooks{
		OnProcessed: func(e *ProcessedEvent) {
			m.RecordsTotal.WithLabelValues(string(e.MappingSource), e.Severity).Inc()
			m.ProcessDuration.Observe(e.Duration)
			if e.MappingSource == MappingTokenCorrelation {
				m.CorrelationScore.Observe(float64(e.Confidence))
			}
			m.PoolSize.Set(float64(e.PoolSize))
		},
		OnRejected: func(reason string) {
			m.RejectedTotal.WithLabelValues(reason).Inc()
		},
		OnAppend: func(duration float64, err error) {
			status := "success"
			if err != nil {
				status = "error"
			}
			m.StoreAppendDuration.WithLabelValues(status).Observe(duration)
		},
	}
}
