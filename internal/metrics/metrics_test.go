package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/sawpanic/riskrun/internal/breaker"
	"github.com/sawpanic/riskrun/internal/gatekeeper"
)

func TestObserveDecision(t *testing.T) {
	m := NewRegistry(prometheus.NewRegistry())

	m.ObserveDecision(gatekeeper.Decision{Approved: true}, time.Millisecond)
	m.ObserveDecision(gatekeeper.Decision{Reason: gatekeeper.RejectNoEdge}, time.Millisecond)
	m.ObserveDecision(gatekeeper.Decision{Reason: gatekeeper.RejectNoEdge}, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Decisions.WithLabelValues("approved", "")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Decisions.WithLabelValues("rejected", "no_edge")))
}

func TestObserveOutcome(t *testing.T) {
	m := NewRegistry(prometheus.NewRegistry())

	m.ObserveOutcome(breaker.Outcome{PnL: 10}, nil)
	m.ObserveOutcome(breaker.Outcome{PnL: -10}, nil)
	m.ObserveOutcome(breaker.Outcome{PnL: -10}, assert.AnError)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Outcomes.WithLabelValues("win")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Outcomes.WithLabelValues("loss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Outcomes.WithLabelValues("error")))
}

func TestObserveTransition(t *testing.T) {
	m := NewRegistry(prometheus.NewRegistry())

	m.ObserveTransition(breaker.State{
		Scope: "agent:a", Kind: breaker.ConsecutiveLoss, Status: breaker.StatusOpen,
	})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerOpen.WithLabelValues("agent:a", "consecutive_loss")))

	m.ObserveTransition(breaker.State{
		Scope: "agent:a", Kind: breaker.ConsecutiveLoss, Status: breaker.StatusClosed,
	})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BreakerOpen.WithLabelValues("agent:a", "consecutive_loss")))

	m.ObserveTransition(breaker.State{
		Scope: "portfolio", Kind: breaker.PortfolioDrawdown, Status: breaker.StatusOpen, CurrentEquity: 5900,
	})
	assert.Equal(t, 5900.0, testutil.ToFloat64(m.PortfolioEquity))
}
