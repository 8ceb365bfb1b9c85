// Package telemetry holds the self-monitoring counters of the agent.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "go_agent"

// Stages reported by FaultsTotal.
const (
	StageBefore = "before"
	StageAfter  = "after"
)

// Metrics are registered on a private registry so several agents (and tests)
// can coexist in one process.
type Metrics struct {
	Registry *prometheus.Registry

	InterceptorsRegistered prometheus.Counter
	FallbackResolutions    prometheus.Counter
	FaultsTotal            *prometheus.CounterVec
	WovenMethods           *prometheus.CounterVec
	ScopeSkips             *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		InterceptorsRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "interceptors_registered_total",
			Help:      "Interceptor ids handed out by the registry.",
		}),
		FallbackResolutions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "fallback_resolutions_total",
			Help:      "Resolutions answered with the logging fallback interceptor.",
		}),
		FaultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "interceptor",
			Name:      "faults_total",
			Help:      "Interceptor failures caught and suppressed at the call site.",
		}, []string{"stage"}),
		WovenMethods: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "weaver",
			Name:      "methods_total",
			Help:      "Methods considered for weaving, by result.",
		}, []string{"result"}),
		ScopeSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scope",
			Name:      "skipped_total",
			Help:      "Interceptor stages skipped by a scope execution policy.",
		}, []string{"scope"}),
	}
	m.Registry.MustRegister(m.InterceptorsRegistered, m.FallbackResolutions, m.FaultsTotal, m.WovenMethods, m.ScopeSkips)
	return m
}

// Fault counts a suppressed interceptor failure. A nil receiver is a no-op so
// components can run without metrics.
func (m *Metrics) Fault(stage string) {
	if m == nil {
		return
	}
	m.FaultsTotal.WithLabelValues(stage).Inc()
}

func (m *Metrics) Registered() {
	if m == nil {
		return
	}
	m.InterceptorsRegistered.Inc()
}

func (m *Metrics) Fallback() {
	if m == nil {
		return
	}
	m.FallbackResolutions.Inc()
}

func (m *Metrics) Woven(result string) {
	if m == nil {
		return
	}
	m.WovenMethods.WithLabelValues(result).Inc()
}

func (m *Metrics) Skipped(scope string) {
	if m == nil {
		return
	}
	m.ScopeSkips.WithLabelValues(scope).Inc()
}
