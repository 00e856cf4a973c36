package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the sentinel pipeline.
type Metrics struct {
	EventsTotal          prometheus.Counter
	AlertsTotal          *prometheus.CounterVec
	InvestigationsTotal  *prometheus.CounterVec
	ResponsesTotal       *prometheus.CounterVec
	LookupsDegradedTotal *prometheus.CounterVec
	CacheHitsTotal       prometheus.Counter
	CacheMissesTotal     prometheus.Counter
	SafetyBlockedTotal   prometheus.Counter
	DetectionDuration    prometheus.Histogram
	InvestigateDuration  prometheus.Histogram
	ResponseDuration     prometheus.Histogram
}

// New creates all pipeline metrics registered on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the metrics on the given registerer. Tests pass a
// throwaway registry.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_events_total",
			Help: "Total number of raw network events ingested",
		}),
		AlertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_alerts_total",
			Help: "Total number of alerts emitted by detection",
		}, []string{"severity"}),
		InvestigationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_investigations_total",
			Help: "Total number of investigation reports produced",
		}, []string{"verdict"}),
		ResponsesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_responses_total",
			Help: "Total number of response actions decided",
		}, []string{"action_type"}),
		LookupsDegradedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_lookups_degraded_total",
			Help: "Total reputation lookups answered by the offline fallback",
		}, []string{"source"}),
		CacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_cache_hits_total",
			Help: "Total reputation cache hits",
		}),
		CacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_cache_misses_total",
			Help: "Total reputation cache misses",
		}),
		SafetyBlockedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_actions_blocked_by_safety_total",
			Help: "Total actions rejected by the safety gate",
		}),
		DetectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_detection_duration_seconds",
			Help:    "Time spent processing one raw event in detection",
			Buckets: prometheus.DefBuckets,
		}),
		InvestigateDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_investigation_duration_seconds",
			Help:    "Time spent investigating one alert",
			Buckets: prometheus.DefBuckets,
		}),
		ResponseDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_response_duration_seconds",
			Help:    "Time spent deciding and executing one response",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
