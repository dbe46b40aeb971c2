// Package metrics holds the Prometheus collectors exported by the service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

const namespace = "swiftpay"

// Transfer results.
const (
	ResultSuccess  = "success"
	ResultReplayed = "replayed"
	ResultRejected = "rejected"
	ResultFailed   = "failed"
)

// Metrics owns a registry and every collector registered on it. Each instance
// has its own registry so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	transfers        *prometheus.CounterVec
	transferAmount   prometheus.Histogram
	interestAccruals prometheus.Counter
	interestCredited prometheus.Counter
	profilesCreated  prometheus.Counter
	assistant        *prometheus.CounterVec
}

// New creates and registers the collectors. With processStats set the Go
// runtime and process collectors are registered as well.
func New(processStats bool) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"service", "method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		}, []string{"service", "method", "path"}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Transfers by outcome.",
		}, []string{"result"}),
		transferAmount: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transfer_amount",
			Help:      "Amounts of successful transfers.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		interestAccruals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interest_accruals_total",
			Help:      "Number of interest credits applied.",
		}),
		interestCredited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interest_credited",
			Help:      "Total interest credited to balances.",
		}),
		profilesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "profiles_created_total",
			Help:      "Profiles synthesized on first login.",
		}),
		assistant: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assistant_requests_total",
			Help:      "Assistant requests by kind and outcome.",
		}, []string{"kind", "result"}),
	}

	m.registry.MustRegister(
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.transfers,
		m.transferAmount,
		m.interestAccruals,
		m.interestCredited,
		m.profilesCreated,
		m.assistant,
	)
	if processStats {
		m.registry.MustRegister(
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
			prometheus.NewGoCollector(),
		)
	}
	return m
}

// Handler returns an HTTP handler exposing the registered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncrementInFlight() { m.httpInFlight.Inc() }
func (m *Metrics) DecrementInFlight() { m.httpInFlight.Dec() }

// RecordHTTPRequest records a completed request.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.httpRequests.WithLabelValues(service, method, path, status).Inc()
	m.httpDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordTransfer counts a transfer outcome. amount is observed for successes only.
func (m *Metrics) RecordTransfer(result string, amount decimal.Decimal) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(result).Inc()
	if result == ResultSuccess {
		f, _ := amount.Float64()
		m.transferAmount.Observe(f)
	}
}

// RecordInterest counts an applied interest credit.
func (m *Metrics) RecordInterest(amount decimal.Decimal) {
	if m == nil {
		return
	}
	m.interestAccruals.Inc()
	f, _ := amount.Float64()
	m.interestCredited.Add(f)
}

func (m *Metrics) RecordProfileCreated() {
	if m == nil {
		return
	}
	m.profilesCreated.Inc()
}

// RecordAssistant counts an assistant call. kind is "advice" or "chat".
func (m *Metrics) RecordAssistant(kind string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "fallback"
	}
	m.assistant.WithLabelValues(kind, result).Inc()
}
