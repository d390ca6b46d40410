// Package metrics exposes call counters over Prometheus. A nil *Collector
// is valid and records nothing.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

const namespace = "plantcall"

type Collector struct {
	callsStarted  *prometheus.CounterVec
	callsEnded    *prometheus.CounterVec
	setupFailures *prometheus.CounterVec
	callDuration  prometheus.Histogram
	candidates    *prometheus.CounterVec
	activeCalls   prometheus.Gauge
}

// NewCollector registers the call metrics on reg.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		callsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_started_total",
			Help:      "Call attempts started, by role.",
		}, []string{"role"}),
		callsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_ended_total",
			Help:      "Calls ended, by reason.",
		}, []string{"reason"}),
		setupFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "setup_failures_total",
			Help:      "Call setups that failed, by error kind.",
		}, []string{"kind"}),
		callDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Connected time of finished calls.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		candidates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ice_candidates_total",
			Help:      "ICE candidates exchanged, by direction.",
		}, []string{"direction"}),
		activeCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Calls currently connected.",
		}),
	}
	for _, col := range []prometheus.Collector{
		c.callsStarted, c.callsEnded, c.setupFailures, c.callDuration, c.candidates, c.activeCalls,
	} {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("registering metric: %w", err)
		}
	}
	return c, nil
}

func (c *Collector) CallStarted(role string) {
	if c == nil {
		return
	}
	c.callsStarted.WithLabelValues(role).Inc()
}

// CallConnected and CallEnded must be paired for the active gauge; a call
// that never connected passes connected=false to CallEnded.
func (c *Collector) CallConnected() {
	if c == nil {
		return
	}
	c.activeCalls.Inc()
}

func (c *Collector) CallEnded(reason string, connected bool, duration time.Duration) {
	if c == nil {
		return
	}
	c.callsEnded.WithLabelValues(reason).Inc()
	if connected {
		c.activeCalls.Dec()
		c.callDuration.Observe(duration.Seconds())
	}
}

func (c *Collector) SetupFailed(kind string) {
	if c == nil {
		return
	}
	c.setupFailures.WithLabelValues(kind).Inc()
}

// Candidate counts one ICE candidate; direction is "local" or "remote".
func (c *Collector) Candidate(direction string) {
	if c == nil {
		return
	}
	c.candidates.WithLabelValues(direction).Inc()
}

// Handler serves g in the Prometheus text format over fasthttp.
func Handler(g prometheus.Gatherer) fasthttp.RequestHandler {
	return fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}
