// Package metrics registers the service's prometheus instruments.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "liftcloud_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	ingestRequests *prometheus.CounterVec
	ingestLatency  *prometheus.HistogramVec

	alarmsCreated *prometheus.CounterVec

	flushTotal   *prometheus.CounterVec
	flushDevices prometheus.Counter

	platformErrors *prometheus.CounterVec

	counterSamples *prometheus.CounterVec
)

// Init registers all instruments. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		ingestRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_requests_total",
				Help: "Total ingest requests by endpoint and result",
			},
			[]string{"endpoint", "result"},
		)
		ingestLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ingest_latency_seconds",
				Help:    "Ingest latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		)

		alarmsCreated = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alarms_created_total",
				Help: "Total platform alarm creations by type and result",
			},
			[]string{"type", "result"},
		)

		flushTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "counter_flush_total",
				Help: "Total live-counter flush runs by result",
			},
			[]string{"result"},
		)
		flushDevices = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "counter_flush_devices_total",
				Help: "Total devices flushed to the platform",
			},
		)

		platformErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "platform_errors_total",
				Help: "Total device-platform call failures by operation",
			},
			[]string{"operation"},
		)

		counterSamples = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "counter_samples_total",
				Help: "Total live-counter samples by outcome",
			},
			[]string{"outcome"},
		)

		prometheus.MustRegister(
			ingestRequests,
			ingestLatency,
			alarmsCreated,
			flushTotal,
			flushDevices,
			platformErrors,
			counterSamples,
		)
	})
}

// ObserveIngest records one ingest request.
func ObserveIngest(endpoint, result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if ingestRequests != nil {
		ingestRequests.WithLabelValues(endpoint, result).Inc()
	}
	if ingestLatency != nil {
		ingestLatency.WithLabelValues(endpoint).Observe(duration.Seconds())
	}
}

// IncAlarmCreated counts a platform alarm creation attempt.
func IncAlarmCreated(alarmType, result string) {
	if alarmsCreated != nil {
		alarmsCreated.WithLabelValues(alarmType, result).Inc()
	}
}

// ObserveFlush records one flush run and the devices it pushed.
func ObserveFlush(result string, devices int) {
	if result == "" {
		result = resultSuccess
	}
	if flushTotal != nil {
		flushTotal.WithLabelValues(result).Inc()
	}
	if flushDevices != nil && devices > 0 {
		flushDevices.Add(float64(devices))
	}
}

// IncPlatformError counts a failed device-platform call.
func IncPlatformError(operation string) {
	if operation == "" {
		operation = "unknown"
	}
	if platformErrors != nil {
		platformErrors.WithLabelValues(operation).Inc()
	}
}

// IncCounterSample counts a live-counter sample outcome
// ("processed", "dropped", "empty").
func IncCounterSample(outcome string) {
	if counterSamples != nil {
		counterSamples.WithLabelValues(outcome).Inc()
	}
}

// Exported result constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
)
