package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	runTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deployr",
			Subsystem: "run",
			Name:      "total",
			Help:      "Finished runs by outcome (succeeded, failed, aborted).",
		}, []string{"job", "outcome"},
	)
	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "deployr",
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Wall time of finished runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"job"},
	)
	runActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "deployr",
			Subsystem: "run",
			Name:      "active",
			Help:      "Runs currently executing on this server.",
		}, []string{"job"},
	)
	leaseBusy = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deployr",
			Subsystem: "lease",
			Name:      "busy_total",
			Help:      "Start requests rejected because the lease was held.",
		}, []string{"job"},
	)
	leaseLost = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deployr",
			Subsystem: "lease",
			Name:      "lost_total",
			Help:      "Runs aborted because their lease could not be renewed.",
		}, []string{"job"},
	)
	abortRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deployr",
			Subsystem: "abort",
			Name:      "requests_total",
			Help:      "Accepted abort requests.",
		}, []string{"job"},
	)
	escalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deployr",
			Subsystem: "supervisor",
			Name:      "escalations_total",
			Help:      "Termination stages applied to process groups.",
		}, []string{"stage"},
	)
	commandRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "deployr",
			Subsystem: "command",
			Name:      "rss_bytes",
			Help:      "Resident memory of the running command's process tree.",
		}, []string{"job"},
	)
	commandPeakRSS = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "deployr",
			Subsystem: "command",
			Name:      "peak_rss_bytes",
			Help:      "Peak resident memory of each finished command's process tree.",
			Buckets:   prometheus.ExponentialBuckets(16<<20, 2, 9),
		}, []string{"job"},
	)
	commandCPU = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deployr",
			Subsystem: "command",
			Name:      "cpu_seconds_total",
			Help:      "User plus system CPU time consumed by command process trees.",
		}, []string{"job"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		runTotal, runDuration, runActive, leaseBusy, leaseLost, abortRequests,
		escalations, commandRSS, commandPeakRSS, commandCPU,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func ObserveRun(job, outcome string, d time.Duration) {
	if regOK.Load() {
		runTotal.WithLabelValues(job, outcome).Inc()
		runDuration.WithLabelValues(job).Observe(d.Seconds())
	}
}

func AddActive(job string, delta int) {
	if regOK.Load() {
		runActive.WithLabelValues(job).Add(float64(delta))
	}
}

func IncLeaseBusy(job string) {
	if regOK.Load() {
		leaseBusy.WithLabelValues(job).Inc()
	}
}

func IncLeaseLost(job string) {
	if regOK.Load() {
		leaseLost.WithLabelValues(job).Inc()
	}
}

func IncAbortRequest(job string) {
	if regOK.Load() {
		abortRequests.WithLabelValues(job).Inc()
	}
}

func IncEscalation(stage string) {
	if regOK.Load() {
		escalations.WithLabelValues(stage).Inc()
	}
}

func setCommandRSS(job string, rss uint64) {
	if regOK.Load() {
		commandRSS.WithLabelValues(job).Set(float64(rss))
	}
}

func observeCommand(job string, peakRSS uint64, cpuSeconds float64) {
	if regOK.Load() {
		commandPeakRSS.WithLabelValues(job).Observe(float64(peakRSS))
		commandCPU.WithLabelValues(job).Add(cpuSeconds)
		commandRSS.WithLabelValues(job).Set(0)
	}
}
