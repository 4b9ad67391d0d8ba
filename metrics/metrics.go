// Package metrics holds the prometheus collectors for the session gate, the
// refresh coordinator, the key resolver and the HTTP handlers around them.
//
// A nil *Metrics is valid and records nothing, so components can take one
// optionally.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nblocks"

type Metrics struct {
	gateDecisions *prometheus.CounterVec
	refreshes     *prometheus.CounterVec
	keyFetches    *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		gateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_decisions_total",
			Help:      "Count of session gate decisions, by result and failure reason.",
		}, []string{"result", "reason"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Count of token refresh attempts against the identity provider.",
		}, []string{"result"}),
		keyFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jwks_fetches_total",
			Help:      "Count of key set fetches from the identity provider.",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Count of all HTTP requests.",
		}, []string{"handler", "code", "method"}),
	}

	for _, c := range []prometheus.Collector{m.gateDecisions, m.refreshes, m.keyFetches, m.httpRequests} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering collector: %w", err)
		}
	}

	return m, nil
}

// GateDecision records the outcome of one session gate pass. reason is
// empty for authenticated requests.
func (m *Metrics) GateDecision(authenticated bool, reason string) {
	if m == nil {
		return
	}
	result := "unauthenticated"
	if authenticated {
		result = "authenticated"
	}
	m.gateDecisions.With(prometheus.Labels{"result": result, "reason": reason}).Inc()
}

func (m *Metrics) Refresh(ok bool) {
	if m == nil {
		return
	}
	m.refreshes.With(prometheus.Labels{"result": resultLabel(ok)}).Inc()
}

func (m *Metrics) KeyFetch(ok bool) {
	if m == nil {
		return
	}
	m.keyFetches.With(prometheus.Labels{"result": resultLabel(ok)}).Inc()
}

// InstrumentHandler counts requests served by h under the given name.
func (m *Metrics) InstrumentHandler(name string, h http.Handler) http.Handler {
	if m == nil {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cm := httpsnoop.CaptureMetrics(h, w, r)
		m.httpRequests.With(prometheus.Labels{"handler": name, "code": strconv.Itoa(cm.Code), "method": r.Method}).Inc()
	})
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}
