// Package metrics holds the Prometheus collectors shared by the realtime
// components. All methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "realtime"

// Metrics groups the collectors and the registry they are registered with.
type Metrics struct {
	registry *prometheus.Registry

	retries            *prometheus.CounterVec
	retryDelay         *prometheus.HistogramVec
	dispatched         *prometheus.CounterVec
	subscriberFailures *prometheus.CounterVec
	connected          prometheus.Gauge
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retries scheduled by the retry executor.",
		}, []string{"operation"}),
		retryDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retry_delay_seconds",
			Help:      "Backoff delay chosen before each retry.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 8),
		}, []string{"operation"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dispatched_total",
			Help:      "Inbound messages dispatched to subscribers.",
		}, []string{"type"}),
		subscriberFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_failures_total",
			Help:      "Subscriber callbacks that returned an error or panicked.",
		}, []string{"type"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 when the event channel transport is connected.",
		}),
	}
	m.registry.MustRegister(m.retries, m.retryDelay, m.dispatched, m.subscriberFailures, m.connected)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RetryHook returns an OnRetry callback recording retries for operation.
func (m *Metrics) RetryHook(operation string) func(err error, attempt int, delay time.Duration) {
	return func(_ error, _ int, delay time.Duration) {
		m.ObserveRetry(operation, delay)
	}
}

// ObserveRetry records one scheduled retry.
func (m *Metrics) ObserveRetry(operation string, delay time.Duration) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(operation).Inc()
	m.retryDelay.WithLabelValues(operation).Observe(delay.Seconds())
}

// ObserveDispatch records one dispatched message.
func (m *Metrics) ObserveDispatch(msgType string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(msgType).Inc()
}

// ObserveSubscriberFailure records a failed subscriber callback.
func (m *Metrics) ObserveSubscriberFailure(msgType string) {
	if m == nil {
		return
	}
	m.subscriberFailures.WithLabelValues(msgType).Inc()
}

// SetConnected publishes the latest connection snapshot.
func (m *Metrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}
