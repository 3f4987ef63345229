package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sawpanic/riskrun/internal/breaker"
	"github.com/sawpanic/riskrun/internal/gatekeeper"
)

// Registry holds the engine's Prometheus collectors.
type Registry struct {
	Decisions        *prometheus.CounterVec
	EvaluateDuration prometheus.Histogram
	Outcomes         *prometheus.CounterVec
	Transitions      *prometheus.CounterVec
	BreakerOpen      *prometheus.GaugeVec
	PortfolioEquity  prometheus.Gauge
}

// NewRegistry creates and registers all collectors against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	m := &Registry{
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskrun_decisions_total",
				Help: "Evaluated proposals by verdict and rejection reason",
			},
			[]string{"verdict", "reason"},
		),
		EvaluateDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "riskrun_evaluate_duration_seconds",
				Help:    "Latency of a single proposal evaluation",
				Buckets: []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025},
			},
		),
		Outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskrun_outcomes_total",
				Help: "Recorded trade outcomes by result",
			},
			[]string{"result"},
		),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskrun_breaker_transitions_total",
				Help: "Breaker status transitions by kind and target status",
			},
			[]string{"kind", "status"},
		),
		BreakerOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "riskrun_breaker_open",
				Help: "1 while the breaker for (scope, kind) is open",
			},
			[]string{"scope", "kind"},
		),
		PortfolioEquity: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "riskrun_portfolio_equity_usd",
				Help: "Current portfolio equity as tracked by the drawdown breaker",
			},
		),
	}
	reg.MustRegister(m.Decisions, m.EvaluateDuration, m.Outcomes, m.Transitions, m.BreakerOpen, m.PortfolioEquity)
	return m
}

// ObserveDecision implements gatekeeper.Observer.
func (m *Registry) ObserveDecision(d gatekeeper.Decision, elapsed time.Duration) {
	verdict := "approved"
	reason := ""
	if !d.Approved {
		verdict = "rejected"
		reason = string(d.Reason)
	}
	m.Decisions.WithLabelValues(verdict, reason).Inc()
	m.EvaluateDuration.Observe(elapsed.Seconds())
}

// ObserveOutcome implements gatekeeper.Observer.
func (m *Registry) ObserveOutcome(o breaker.Outcome, err error) {
	result := "win"
	switch {
	case err != nil:
		result = "error"
	case o.PnL < 0:
		result = "loss"
	case o.PnL == 0:
		result = "flat"
	}
	m.Outcomes.WithLabelValues(result).Inc()
}

// ObserveTransition tracks breaker flips; wired to the registry's
// transition callback.
func (m *Registry) ObserveTransition(st breaker.State) {
	m.Transitions.WithLabelValues(string(st.Kind), string(st.Status)).Inc()
	open := 0.0
	if st.Status == breaker.StatusOpen {
		open = 1
	}
	m.BreakerOpen.WithLabelValues(st.Scope, string(st.Kind)).Set(open)
	if st.Kind == breaker.PortfolioDrawdown {
		m.PortfolioEquity.Set(st.CurrentEquity)
	}
}

var _ gatekeeper.Observer = (*Registry)(nil)
