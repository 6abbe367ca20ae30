package metrics

import "github.com/prometheus/client_golang/prometheus"

// PipelineMetrics exposes counters/histograms for the intake pipeline.
type PipelineMetrics struct {
	inboundTotal    *prometheus.CounterVec
	jobsProcessed   *prometheus.CounterVec
	jobRetries      prometheus.Counter
	deadLetters     prometheus.Counter
	duplicatesTotal prometheus.Counter
	adapterLatency  *prometheus.HistogramVec
}

func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	m := &PipelineMetrics{
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intake",
			Subsystem: "webhook",
			Name:      "inbound_total",
			Help:      "Total inbound webhook events by platform and acceptance status",
		}, []string{"platform", "status"}),
		jobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intake",
			Subsystem: "worker",
			Name:      "jobs_processed_total",
			Help:      "Total jobs finished by outcome",
		}, []string{"outcome"}),
		jobRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "intake",
			Subsystem: "worker",
			Name:      "job_retries_total",
			Help:      "Total job attempts that were retried",
		}),
		deadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "intake",
			Subsystem: "queue",
			Name:      "dead_letter_total",
			Help:      "Total jobs moved to the dead-letter store",
		}),
		duplicatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "intake",
			Subsystem: "worker",
			Name:      "duplicates_suppressed_total",
			Help:      "Total redelivered jobs suppressed by the idempotency store",
		}),
		adapterLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "intake",
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Time spent handling one job",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.inboundTotal, m.jobsProcessed, m.jobRetries, m.deadLetters, m.duplicatesTotal, m.adapterLatency)
	return m
}

func (m *PipelineMetrics) ObserveInbound(platform, status string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(platform, status).Inc()
}

func (m *PipelineMetrics) ObserveJob(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.jobsProcessed.WithLabelValues(outcome).Inc()
	m.adapterLatency.WithLabelValues(outcome).Observe(seconds)
}

func (m *PipelineMetrics) ObserveRetry() {
	if m == nil {
		return
	}
	m.jobRetries.Inc()
}

func (m *PipelineMetrics) ObserveDeadLetter() {
	if m == nil {
		return
	}
	m.deadLetters.Inc()
}

func (m *PipelineMetrics) ObserveDuplicate() {
	if m == nil {
		return
	}
	m.duplicatesTotal.Inc()
}
