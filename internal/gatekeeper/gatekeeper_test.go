package gatekeeper

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/riskrun/internal/breaker"
	"github.com/sawpanic/riskrun/internal/domain/kelly"
	"github.com/sawpanic/riskrun/internal/domain/zone"
)

func newTestGatekeeper(t *testing.T, bcfg breaker.Config) *Gatekeeper {
	t.Helper()

	classifier, err := zone.NewClassifier(zone.DefaultBands())
	require.NoError(t, err)
	sizer, err := kelly.NewSizer(kelly.Config{FractionCap: 0.5, MaxPositionUSD: 100000})
	require.NoError(t, err)
	registry, err := breaker.NewRegistry(bcfg, breaker.NewMemoryStore())
	require.NoError(t, err)

	g, err := New(DefaultConfig(), classifier, sizer, registry)
	require.NoError(t, err)
	return g
}

func proposal(agent string) Proposal {
	return Proposal{
		AgentID:     agent,
		Price:       0.50,
		Side:        "buy",
		StrategyTag: "value",
		Size:        500,
		WinProb:     0.54,
		Odds:        1.0,
		Timestamp:   time.Now(),
	}
}

func TestEvaluate_ApprovesWithKellyClamp(t *testing.T) {
	cfg := breaker.DefaultConfig()
	cfg.InitialPortfolioEquity = 10000
	g := newTestGatekeeper(t, cfg)

	// Kelly at p=0.54, b=1 on a 10000 bankroll caps the trade at 800.
	p := proposal("a")
	p.Size = 2000

	d, err := g.Evaluate(context.Background(), p)
	require.NoError(t, err)
	require.True(t, d.Approved, "detail: %s", d.Detail)
	assert.Equal(t, zone.Z3, d.Zone)
	assert.InDelta(t, 800, d.Size, 1e-6)
	assert.InDelta(t, 0.08, d.KellyFraction, 1e-9)
	assert.Equal(t, "kelly_ceiling", d.Clamp)
	assert.NotEmpty(t, d.Breakers, "approval must attach the breaker snapshot")
}

func TestEvaluate_ProposedSizeBelowKellyStands(t *testing.T) {
	cfg := breaker.DefaultConfig()
	cfg.InitialPortfolioEquity = 10000
	g := newTestGatekeeper(t, cfg)

	p := proposal("a")
	p.Size = 300 // below the 800 Kelly ceiling

	d, err := g.Evaluate(context.Background(), p)
	require.NoError(t, err)
	require.True(t, d.Approved)
	assert.InDelta(t, 300, d.Size, 1e-6)
	assert.Empty(t, d.Clamp)
}

func TestEvaluate_InvalidPrice(t *testing.T) {
	g := newTestGatekeeper(t, breaker.DefaultConfig())

	for _, price := range []float64{1.5, math.NaN()} {
		p := proposal("a")
		p.Price = price

		d, err := g.Evaluate(context.Background(), p)
		require.NoError(t, err)
		assert.False(t, d.Approved, "price %.4f", price)
		assert.Equal(t, RejectInvalidPrice, d.Reason)
	}
}

func TestEvaluate_DirectionalProhibitedZone(t *testing.T) {
	g := newTestGatekeeper(t, breaker.DefaultConfig())

	// Price 0.75 is Z4 where directional strategies are prohibited,
	// regardless of edge or breaker state.
	p := proposal("a")
	p.Price = 0.75
	p.StrategyTag = "momentum"
	p.WinProb = 0.99

	d, err := g.Evaluate(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, d.Approved)
	assert.Equal(t, RejectZoneViolation, d.Reason)
	assert.Equal(t, zone.Z4, d.Zone)
}

func TestEvaluate_BoundaryPriceResolvesToHigherZone(t *testing.T) {
	g := newTestGatekeeper(t, breaker.DefaultConfig())

	p := proposal("a")
	p.Price = 0.20 // exact boundary: Z2, not Z1

	d, err := g.Evaluate(context.Background(), p)
	require.NoError(t, err)
	require.True(t, d.Approved, "detail: %s", d.Detail)
	assert.Equal(t, zone.Z2, d.Zone)
}

func TestEvaluate_ConsecutiveLossBreakerBlocksFourthCall(t *testing.T) {
	g := newTestGatekeeper(t, breaker.DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, g.RecordOutcome(ctx, breaker.Outcome{
			OutcomeID: fmt.Sprintf("a-%d", i),
			AgentID:   "a",
			PnL:       -10,
			Timestamp: time.Now(),
		}))
	}

	d, err := g.Evaluate(ctx, proposal("a"))
	require.NoError(t, err)
	assert.False(t, d.Approved)
	assert.Equal(t, RejectBreakerOpen, d.Reason)
	assert.Equal(t, breaker.ConsecutiveLoss, d.BreakerKind)

	// A winning outcome for a different agent does not unblock agent a.
	require.NoError(t, g.RecordOutcome(ctx, breaker.Outcome{
		OutcomeID: "b-1", AgentID: "b", PnL: 100, Timestamp: time.Now(),
	}))
	d, err = g.Evaluate(ctx, proposal("a"))
	require.NoError(t, err)
	assert.False(t, d.Approved)

	db, err := g.Evaluate(ctx, proposal("b"))
	require.NoError(t, err)
	assert.True(t, db.Approved, "detail: %s", db.Detail)
}

func TestEvaluate_PortfolioDrawdownBlocksEveryAgent(t *testing.T) {
	cfg := breaker.DefaultConfig()
	cfg.InitialPortfolioEquity = 10000
	cfg.MaxDailyLossPct = 100
	cfg.InitialAgentEquity = 1e9
	g := newTestGatekeeper(t, cfg)
	ctx := context.Background()

	// A 41% portfolio drawdown trips the emergency breaker.
	require.NoError(t, g.RecordOutcome(ctx, breaker.Outcome{
		OutcomeID: "a-1", AgentID: "a", PnL: -4100, Timestamp: time.Now(),
	}))

	for _, agent := range []string{"a", "b", "c"} {
		d, err := g.Evaluate(ctx, proposal(agent))
		require.NoError(t, err)
		assert.False(t, d.Approved, "agent %s", agent)
		assert.Equal(t, RejectBreakerOpen, d.Reason)
	}
}

func TestEvaluate_NoEdge(t *testing.T) {
	g := newTestGatekeeper(t, breaker.DefaultConfig())

	p := proposal("a")
	p.WinProb = 0.45

	d, err := g.Evaluate(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, d.Approved)
	assert.Equal(t, RejectNoEdge, d.Reason)
}

func TestEvaluate_SizeTooSmall(t *testing.T) {
	cfg := breaker.DefaultConfig()
	cfg.InitialPortfolioEquity = 100 // Kelly size 8, below the 10 minimum
	g := newTestGatekeeper(t, cfg)

	d, err := g.Evaluate(context.Background(), proposal("a"))
	require.NoError(t, err)
	assert.False(t, d.Approved)
	assert.Equal(t, RejectSizeTooSmall, d.Reason)
}

func TestEvaluate_InvalidInputs(t *testing.T) {
	g := newTestGatekeeper(t, breaker.DefaultConfig())

	tests := []struct {
		name   string
		mutate func(*Proposal)
	}{
		{"missing agent", func(p *Proposal) { p.AgentID = "" }},
		{"zero size", func(p *Proposal) { p.Size = 0 }},
		{"bad probability", func(p *Proposal) { p.WinProb = 1.5 }},
		{"bad odds", func(p *Proposal) { p.Odds = -1 }},
		// NaN must reject, never approve at an unchecked size.
		{"nan size", func(p *Proposal) { p.Size = math.NaN() }},
		{"infinite size", func(p *Proposal) { p.Size = math.Inf(1) }},
		{"nan probability", func(p *Proposal) { p.WinProb = math.NaN() }},
		{"nan odds", func(p *Proposal) { p.Odds = math.NaN() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := proposal("a")
			tt.mutate(&p)
			d, err := g.Evaluate(context.Background(), p)
			require.NoError(t, err)
			assert.False(t, d.Approved)
			assert.Equal(t, RejectInvalidInput, d.Reason)
		})
	}
}

func TestRecordOutcome_DuplicateAbsorbedAsSuccess(t *testing.T) {
	g := newTestGatekeeper(t, breaker.DefaultConfig())
	ctx := context.Background()

	o := breaker.Outcome{OutcomeID: "dup", AgentID: "a", PnL: -10, Timestamp: time.Now()}
	require.NoError(t, g.RecordOutcome(ctx, o))
	require.NoError(t, g.RecordOutcome(ctx, o), "replay is success, not an error")

	st := g.Snapshot()[breaker.Key(breaker.AgentScope("a"), breaker.ConsecutiveLoss)]
	assert.Equal(t, 1, st.Losses)
}

func TestAdminReset_CallerIdentity(t *testing.T) {
	g := newTestGatekeeper(t, breaker.DefaultConfig())
	ctx := context.Background()

	require.NoError(t, g.RecordOutcome(ctx, breaker.Outcome{
		OutcomeID: "o-1", AgentID: "a", PnL: -10, Timestamp: time.Now(),
	}))

	err := g.AdminReset(ctx, "", breaker.AgentScope("a"), breaker.ConsecutiveLoss)
	assert.Error(t, err, "missing caller identity")

	err = g.AdminReset(ctx, "a", breaker.AgentScope("a"), breaker.ConsecutiveLoss)
	assert.Error(t, err, "agent identity cannot reset breakers")

	err = g.AdminReset(ctx, "ops-juan", breaker.AgentScope("a"), breaker.ConsecutiveLoss)
	assert.NoError(t, err)
}

func TestAdminReset_ClearsPortfolioDrawdown(t *testing.T) {
	cfg := breaker.DefaultConfig()
	cfg.InitialPortfolioEquity = 10000
	cfg.MaxDailyLossPct = 100
	cfg.InitialAgentEquity = 1e9
	g := newTestGatekeeper(t, cfg)
	ctx := context.Background()

	require.NoError(t, g.RecordOutcome(ctx, breaker.Outcome{
		OutcomeID: "a-1", AgentID: "a", PnL: -4100, Timestamp: time.Now(),
	}))

	require.NoError(t, g.AdminReset(ctx, "ops-juan", breaker.PortfolioScope(), breaker.PortfolioDrawdown))
	// The fan-out opened the agent's own breaker; it needs its own reset.
	require.NoError(t, g.AdminReset(ctx, "ops-juan", breaker.AgentScope("a"), breaker.BotDrawdown))

	d, err := g.Evaluate(ctx, proposal("a"))
	require.NoError(t, err)
	assert.True(t, d.Approved, "detail: %s", d.Detail)
}
