// Package metrics exposes the session host's Prometheus collectors. Every
// method is safe on a nil *Registry so components can run unmetered.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sessionhost"

type Registry struct {
	registry *prometheus.Registry

	lockAttempts     *prometheus.CounterVec
	locksHeld        prometheus.Gauge
	staleRecoveries  *prometheus.CounterVec
	processLaunches  *prometheus.CounterVec
	processesLive    prometheus.Gauge
	processExits     *prometheus.CounterVec
	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	parseErrors      *prometheus.CounterVec
	inputItems       *prometheus.CounterVec
	sequencerFlushes *prometheus.CounterVec
	sessionsActive   prometheus.Gauge
	eventsPublished  *prometheus.CounterVec
	eventsDropped    *prometheus.CounterVec
}

func New() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
		lockAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "filelock",
			Name:      "acquire_total",
			Help:      "Lock acquisition attempts by strategy and result.",
		}, []string{"strategy", "result"}),
		locksHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "filelock",
			Name:      "held",
			Help:      "Locks currently held by this process.",
		}),
		staleRecoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "filelock",
			Name:      "stale_recoveries_total",
			Help:      "Stale lock files examined for recovery, by outcome.",
		}, []string{"outcome"}),
		processLaunches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "launches_total",
			Help:      "Child process launches by result.",
		}, []string{"result"}),
		processesLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "live_processes",
			Help:      "Processes currently tracked in the live-set.",
		}),
		processExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "exits_total",
			Help:      "Child process exits by kind.",
		}, []string{"kind"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "requests_total",
			Help:      "Requests served by route and status code.",
		}, []string{"route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "request_duration_seconds",
			Help:      "Request handling latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		parseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "parse_errors_total",
			Help:      "Requests rejected by the parser, by reason.",
		}, []string{"reason"}),
		inputItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "terminal",
			Name:      "input_items_total",
			Help:      "Terminal input items received, by kind.",
		}, []string{"kind"}),
		sequencerFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "terminal",
			Name:      "flushes_total",
			Help:      "Sequencer flushes, explicit or automatic.",
		}, []string{"kind"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "sessions_active",
			Help:      "Sessions with a running backend.",
		}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Events published by bus and type.",
		}, []string{"bus", "type"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped for lagging subscribers, by bus and type.",
		}, []string{"bus", "type"}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.lockAttempts,
		r.locksHeld,
		r.staleRecoveries,
		r.processLaunches,
		r.processesLive,
		r.processExits,
		r.requests,
		r.requestDuration,
		r.parseErrors,
		r.inputItems,
		r.sequencerFlushes,
		r.sessionsActive,
		r.eventsPublished,
		r.eventsDropped,
	)
	return r
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.registry
}

func (r *Registry) Handler() http.Handler {
	if r == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Registry) LockAttempt(strategy, result string) {
	if r == nil {
		return
	}
	r.lockAttempts.WithLabelValues(strategy, result).Inc()
}

func (r *Registry) LocksHeld(delta float64) {
	if r == nil {
		return
	}
	r.locksHeld.Add(delta)
}

func (r *Registry) StaleRecovery(outcome string) {
	if r == nil {
		return
	}
	r.staleRecoveries.WithLabelValues(outcome).Inc()
}

func (r *Registry) ProcessLaunch(err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.processLaunches.WithLabelValues(result).Inc()
}

func (r *Registry) LiveProcesses(count int) {
	if r == nil {
		return
	}
	r.processesLive.Set(float64(count))
}

func (r *Registry) ProcessExit(kind string) {
	if r == nil {
		return
	}
	r.processExits.WithLabelValues(kind).Inc()
}

func (r *Registry) Request(route string, code int, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	r.requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (r *Registry) ParseError(reason string) {
	if r == nil {
		return
	}
	r.parseErrors.WithLabelValues(reason).Inc()
}

func (r *Registry) InputItem(kind string) {
	if r == nil {
		return
	}
	r.inputItems.WithLabelValues(kind).Inc()
}

func (r *Registry) SequencerFlush(kind string) {
	if r == nil {
		return
	}
	r.sequencerFlushes.WithLabelValues(kind).Inc()
}

func (r *Registry) SessionsActive(delta float64) {
	if r == nil {
		return
	}
	r.sessionsActive.Add(delta)
}

func (r *Registry) EventPublished(bus, eventType string) {
	if r == nil {
		return
	}
	r.eventsPublished.WithLabelValues(bus, eventType).Inc()
}

func (r *Registry) EventDropped(bus, eventType string) {
	if r == nil {
		return
	}
	r.eventsDropped.WithLabelValues(bus, eventType).Inc()
}
