// Package metrics defines the Prometheus collectors exported by the service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the service counters.
type Metrics struct {
	TokensIssued *prometheus.CounterVec
	AuthFailures *prometheus.CounterVec
	HTTPRequests *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates the collectors on a private registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		TokensIssued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenauth_tokens_issued_total",
				Help: "Total number of token pairs issued by flow",
			},
			[]string{"flow"},
		),
		AuthFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenauth_auth_failures_total",
				Help: "Total number of rejected login and refresh attempts by flow and reason",
			},
			[]string{"flow", "reason"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenauth_http_requests_total",
				Help: "Total number of HTTP requests by method and status",
			},
			[]string{"method", "status"},
		),
		registry: reg,
	}

	reg.MustRegister(m.TokensIssued, m.AuthFailures, m.HTTPRequests)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

// Issued records a successful flow. Safe on a nil receiver.
func (m *Metrics) Issued(flow string) {
	if m == nil {
		return
	}
	m.TokensIssued.WithLabelValues(flow).Inc()
}

// Failed records a rejected flow. Safe on a nil receiver.
func (m *Metrics) Failed(flow, reason string) {
	if m == nil {
		return
	}
	m.AuthFailures.WithLabelValues(flow, reason).Inc()
}

// Request records a served HTTP request. Safe on a nil receiver.
func (m *Metrics) Request(method, status string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, status).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
