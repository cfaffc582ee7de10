package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ledger/cmd/internal/credentials"
	"ledger/cmd/internal/creds"
	"ledger/cmd/internal/redeem"
	"ledger/cmd/internal/retry"
)

const namespace = "ledger"

// Metrics is the process metric set on its own registry.
type Metrics struct {
	reg *prometheus.Registry

	stages       *prometheus.CounterVec
	stageFails   *prometheus.CounterVec
	tokensAdded  *prometheus.CounterVec
	redemptions  *prometheus.CounterVec
	tokensSpent  *prometheus.CounterVec
	retryDelay   *prometheus.HistogramVec
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

var (
	_ credentials.Observer = (*Metrics)(nil)
	_ redeem.Observer      = (*Metrics)(nil)
)

// NewMetrics registers every collector, plus the Go and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		stages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credentials",
			Name:      "stage_total",
			Help:      "Completed credential batch stages.",
		}, []string{"trigger_type", "to"}),
		stageFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credentials",
			Name:      "stage_failures_total",
			Help:      "Failed credential batch stages by result.",
		}, []string{"trigger_type", "stage", "result"}),
		tokensAdded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tokens",
			Name:      "added_total",
			Help:      "Unblinded tokens stored.",
		}, []string{"trigger_type"}),
		redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redeem",
			Name:      "total",
			Help:      "Redemptions by type and result.",
		}, []string{"type", "result"}),
		tokensSpent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tokens",
			Name:      "spent_total",
			Help:      "Tokens marked spent.",
		}, []string{"type"}),
		retryDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "delay_seconds",
			Help:      "Backoff delays scheduled per call class.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"class"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.stages, m.stageFails, m.tokensAdded, m.redemptions, m.tokensSpent,
		m.retryDelay, m.httpRequests, m.httpDuration,
	)
	return m
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) StageDone(t creds.Trigger, _, to creds.BatchStatus) {
	m.stages.WithLabelValues(string(t.Type), to.String()).Inc()
}

func (m *Metrics) StageFailed(t creds.Trigger, at, _ creds.BatchStatus, err error) {
	m.stageFails.WithLabelValues(string(t.Type), at.String(), creds.ResultOf(err).String()).Inc()
}

func (m *Metrics) TokensAdded(t creds.Trigger, _ string, n int, _ float64) {
	m.tokensAdded.WithLabelValues(string(t.Type)).Add(float64(n))
}

func (m *Metrics) Redeemed(r redeem.Receipt) {
	m.redemptions.WithLabelValues(string(r.Type), creds.ResultOK.String()).Inc()
	m.tokensSpent.WithLabelValues(string(r.Type)).Add(float64(len(r.TokenIDs)))
}

func (m *Metrics) RedeemFailed(typ creds.RedeemType, err error) {
	m.redemptions.WithLabelValues(string(typ), creds.ResultOf(err).String()).Inc()
}

// ObserveRetry records a scheduled backoff delay.
func (m *Metrics) ObserveRetry(class retry.Class, d time.Duration) {
	m.retryDelay.WithLabelValues(string(class)).Observe(d.Seconds())
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, code int, d time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}
