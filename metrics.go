package dogpile

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// outcome labels how a Get, GetOrCreate or GetOrCreateMulti call
// resolved, used as the prometheus label value. Only Get records
// "miss".
type outcome string

const (
	outcomeFresh      outcome = "fresh"
	outcomeStale      outcome = "stale"
	outcomeRegenerate outcome = "regenerate"
	outcomeMiss       outcome = "miss"
)

// regionMetricBuckets are the prometheus histogram buckets for creator
// latency, in milliseconds.
var regionMetricBuckets = []float64{1, 4, 8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096}

// MetricSet is a region's prometheus instrumentation: a hit counter by
// outcome, a creator-latency histogram, and an error counter.
type MetricSet struct {
	Hit     *prometheus.CounterVec
	Latency *prometheus.HistogramVec
	Error   *prometheus.CounterVec
}

// newMetricSet builds and, if register is true, registers a MetricSet
// under the default prometheus registry.
func newMetricSet(regionName string, register bool) *MetricSet {
	m := &MetricSet{
		Hit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_dogpile_hit_total", regionName),
			Help: "how many get/get_or_create/get_or_create_multi calls resolved via each outcome: fresh, stale, regenerate, miss.",
		}, []string{"outcome"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    fmt.Sprintf("%s_dogpile_creator_latency_ms", regionName),
			Help:    "creator() latency in ms, recorded only when this caller ran the creator.",
			Buckets: regionMetricBuckets,
		}, []string{"outcome"}),
		Error: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_dogpile_error_total", regionName),
			Help: "how many internal/backend errors happened.",
		}, []string{"when"}),
	}
	if register {
		if err := prometheus.Register(m.Hit); err != nil {
			log.Err(err).Msgf("failed to register prometheus hit counter for region %s", regionName)
		}
		if err := prometheus.Register(m.Latency); err != nil {
			log.Err(err).Msgf("failed to register prometheus latency histogram for region %s", regionName)
		}
		if err := prometheus.Register(m.Error); err != nil {
			log.Err(err).Msgf("failed to register prometheus error counter for region %s", regionName)
		}
	}
	return m
}

func (m *MetricSet) unregister() {
	if m == nil {
		return
	}
	prometheus.Unregister(m.Hit)
	prometheus.Unregister(m.Latency)
	prometheus.Unregister(m.Error)
}

func (m *MetricSet) recordOutcome(o outcome) {
	if m == nil {
		return
	}
	m.Hit.WithLabelValues(string(o)).Inc()
}

func (m *MetricSet) recordLatency(o outcome, startedAt time.Time) {
	if m == nil {
		return
	}
	m.Latency.WithLabelValues(string(o)).Observe(float64(time.Since(startedAt).Milliseconds()))
}

func (m *MetricSet) recordError(when string) {
	if m == nil {
		return
	}
	m.Error.WithLabelValues(when).Inc()
}
