// Package metrics holds the gateway's Prometheus collectors.
//
// A nil *Collector is valid and records nothing, so packages can take one
// as an optional dependency and tests can pass nil.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector groups every metric the gateway exports.
type Collector struct {
	upstreamRequests *prometheus.CounterVec
	upstreamLatency  *prometheus.HistogramVec
	streamEvents     *prometheus.CounterVec
	pollOutcomes     *prometheus.CounterVec
	pollAttempts     *prometheus.HistogramVec
	modelsListed     *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelgate",
			Name:      "upstream_requests_total",
			Help:      "Requests sent to vendor APIs, by provider and response status.",
		}, []string{"provider", "status"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "modelgate",
			Name:      "upstream_request_duration_seconds",
			Help:      "Time until vendor response headers arrived.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"provider"}),
		streamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelgate",
			Name:      "stream_events_total",
			Help:      "Canonical events emitted by stream normalizers.",
		}, []string{"family", "kind"}),
		pollOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelgate",
			Name:      "poll_jobs_total",
			Help:      "Finished poll loops by provider and outcome.",
		}, []string{"provider", "outcome"}),
		pollAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "modelgate",
			Name:      "poll_job_duration_seconds",
			Help:      "Wall time of poll loops.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"provider"}),
		modelsListed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "modelgate",
			Name:      "models_listed",
			Help:      "Models returned by the last listing of each provider.",
		}, []string{"provider"}),
	}

	reg.MustRegister(
		c.upstreamRequests,
		c.upstreamLatency,
		c.streamEvents,
		c.pollOutcomes,
		c.pollAttempts,
		c.modelsListed,
	)
	return c
}

// UpstreamRequest records one vendor round trip. status 0 means the
// request failed before a response arrived.
func (c *Collector) UpstreamRequest(provider string, status int, elapsed time.Duration) {
	if c == nil {
		return
	}
	label := "error"
	if status != 0 {
		label = strconv.Itoa(status)
	}
	c.upstreamRequests.WithLabelValues(provider, label).Inc()
	c.upstreamLatency.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// StreamEvent counts one emitted canonical event.
func (c *Collector) StreamEvent(family, kind string) {
	if c == nil {
		return
	}
	c.streamEvents.WithLabelValues(family, kind).Inc()
}

// PollFinished records the outcome of one poll loop. outcome is "ok" or an
// error kind.
func (c *Collector) PollFinished(provider, outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.pollOutcomes.WithLabelValues(provider, outcome).Inc()
	c.pollAttempts.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// ModelsListed records how many models a provider returned.
func (c *Collector) ModelsListed(provider string, n int) {
	if c == nil {
		return
	}
	c.modelsListed.WithLabelValues(provider).Set(float64(n))
}
