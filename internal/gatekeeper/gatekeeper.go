// Package gatekeeper is the single entry point of the risk engine: it
// composes the zone classifier, the Kelly sizer and the breaker registry to
// approve, resize or reject proposed trades, and routes trade outcomes into
// the breakers.
package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/riskrun/internal/breaker"
	"github.com/sawpanic/riskrun/internal/domain/kelly"
	"github.com/sawpanic/riskrun/internal/domain/zone"
)

// RejectReason is the policy taxonomy for declined proposals. These are
// expected, frequent decisions, logged as information, never as errors.
type RejectReason string

const (
	RejectInvalidPrice  RejectReason = "invalid_price"
	RejectInvalidInput  RejectReason = "invalid_input"
	RejectZoneViolation RejectReason = "zone_violation"
	RejectBreakerOpen   RejectReason = "circuit_breaker_open"
	RejectNoEdge        RejectReason = "no_edge"
	RejectSizeTooSmall  RejectReason = "size_too_small"
)

// Proposal is one trade candidate submitted for evaluation. Transient: it
// exists only for the duration of the Evaluate call.
type Proposal struct {
	AgentID     string    `json:"agent_id"`
	Price       float64   `json:"price"`
	Side        string    `json:"side"`
	StrategyTag string    `json:"strategy_tag"`
	Size        float64   `json:"size"`
	WinProb     float64   `json:"win_prob"`
	Odds        float64   `json:"odds"`
	Timestamp   time.Time `json:"timestamp"`
}

// Decision is the engine's verdict on a proposal. On approval, Size is the
// clamped notional and Breakers carries the breaker snapshot that justified
// letting the trade through at this moment.
type Decision struct {
	Approved      bool                     `json:"approved"`
	AgentID       string                   `json:"agent_id"`
	Zone          zone.Zone                `json:"zone,omitempty"`
	Size          float64                  `json:"size,omitempty"`
	KellyFraction float64                  `json:"kelly_fraction,omitempty"`
	Clamp         string                   `json:"clamp,omitempty"`
	Reason        RejectReason             `json:"reason,omitempty"`
	Detail        string                   `json:"detail,omitempty"`
	BreakerKind   breaker.Kind             `json:"breaker_kind,omitempty"`
	Breakers      map[string]breaker.State `json:"breakers,omitempty"`
	Timestamp     time.Time                `json:"timestamp"`
}

// Config bounds the gatekeeper's own checks; the composed components carry
// their own config.
type Config struct {
	// MinTradeUSD rejects clamped dust orders instead of approving them.
	MinTradeUSD float64 `yaml:"min_trade_usd"`
	// DirectionalTags lists the strategy tags that count as directional
	// bets for the zone prohibition check.
	DirectionalTags []string `yaml:"directional_tags"`
}

func DefaultConfig() Config {
	return Config{
		MinTradeUSD:     10,
		DirectionalTags: []string{"momentum", "value", "mean_reversion"},
	}
}

func (c Config) Validate() error {
	if c.MinTradeUSD < 0 {
		return fmt.Errorf("gatekeeper config: min_trade_usd %.2f must be non-negative", c.MinTradeUSD)
	}
	return nil
}

// Auditor receives every decision and outcome for the durable audit trail.
type Auditor interface {
	Decision(ctx context.Context, d Decision) error
	Outcome(ctx context.Context, o breaker.Outcome) error
}

// Observer receives decision/outcome counts for metrics export.
type Observer interface {
	ObserveDecision(d Decision, elapsed time.Duration)
	ObserveOutcome(o breaker.Outcome, err error)
}

// Gatekeeper owns no mutable state of its own; all shared state lives in the
// registry, so Evaluate is safe for any number of concurrent agents.
type Gatekeeper struct {
	cfg         Config
	classifier  *zone.Classifier
	sizer       *kelly.Sizer
	registry    *breaker.Registry
	directional map[string]bool

	auditor  Auditor
	observer Observer
}

func New(cfg Config, classifier *zone.Classifier, sizer *kelly.Sizer, registry *breaker.Registry) (*Gatekeeper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	directional := make(map[string]bool, len(cfg.DirectionalTags))
	for _, tag := range cfg.DirectionalTags {
		directional[tag] = true
	}
	return &Gatekeeper{
		cfg:         cfg,
		classifier:  classifier,
		sizer:       sizer,
		registry:    registry,
		directional: directional,
	}, nil
}

// SetAuditor wires the durable audit trail. Optional.
func (g *Gatekeeper) SetAuditor(a Auditor) { g.auditor = a }

// SetObserver wires metrics export. Optional.
func (g *Gatekeeper) SetObserver(o Observer) { g.observer = o }

// Evaluate decides whether the proposal may trade and at what size.
// The returned error is reserved for infrastructure faults; every policy
// outcome, including rejections, is a successful Decision.
func (g *Gatekeeper) Evaluate(ctx context.Context, p Proposal) (*Decision, error) {
	start := time.Now()

	d := g.evaluate(p)
	d.AgentID = p.AgentID
	d.Timestamp = time.Now().UTC()

	g.logDecision(p, d)
	if g.observer != nil {
		g.observer.ObserveDecision(*d, time.Since(start))
	}
	if g.auditor != nil {
		if err := g.auditor.Decision(ctx, *d); err != nil {
			// The audit trail is advisory; the decision itself stands.
			log.Error().Err(err).Str("agent", p.AgentID).Msg("audit write failed")
		}
	}
	return d, nil
}

func (g *Gatekeeper) evaluate(p Proposal) *Decision {
	if p.AgentID == "" {
		return reject(RejectInvalidInput, "missing agent id")
	}
	// A NaN size fails no ordered comparison, so the clamp in step 5 would
	// pass it through untouched.
	if math.IsNaN(p.Size) || math.IsInf(p.Size, 0) || p.Size <= 0 {
		return reject(RejectInvalidInput, fmt.Sprintf("proposed size %.2f must be positive and finite", p.Size))
	}

	// 1. Zone classification.
	z, err := g.classifier.Classify(p.Price)
	if err != nil {
		return reject(RejectInvalidPrice, err.Error())
	}

	// 2. Zone restrictions.
	restrictions, ok := g.classifier.Restrictions(z)
	if !ok {
		return reject(RejectInvalidPrice, fmt.Sprintf("no restrictions configured for %s", z))
	}
	if !restrictions.Allows(p.StrategyTag) {
		d := reject(RejectZoneViolation,
			fmt.Sprintf("strategy %q not allowed in %s", p.StrategyTag, z))
		d.Zone = z
		return d
	}
	if g.directional[p.StrategyTag] && restrictions.DirectionalProhibited {
		d := reject(RejectZoneViolation,
			fmt.Sprintf("directional strategy %q prohibited in %s", p.StrategyTag, z))
		d.Zone = z
		return d
	}

	// 3. Breakers: the agent's own plus the portfolio-scoped ones.
	if kind, open := g.registry.IsOpen(breaker.AgentScope(p.AgentID),
		breaker.ConsecutiveLoss, breaker.BotDrawdown); open {
		d := reject(RejectBreakerOpen, fmt.Sprintf("agent breaker %s is open", kind))
		d.Zone = z
		d.BreakerKind = kind
		return d
	}
	if kind, open := g.registry.IsOpen(breaker.PortfolioScope(),
		breaker.DailyLoss, breaker.PortfolioDrawdown); open {
		d := reject(RejectBreakerOpen, fmt.Sprintf("portfolio breaker %s is open", kind))
		d.Zone = z
		d.BreakerKind = kind
		return d
	}

	// 4. Kelly ceiling against current portfolio equity.
	bankroll := g.registry.PortfolioEquity()
	res, err := g.sizer.Size(p.WinProb, p.Odds, bankroll)
	if err != nil {
		d := reject(RejectInvalidInput, err.Error())
		d.Zone = z
		return d
	}
	if res.NoEdge() {
		d := reject(RejectNoEdge,
			fmt.Sprintf("no positive edge at p=%.4f b=%.4f", p.WinProb, p.Odds))
		d.Zone = z
		return d
	}

	// 5. Clamp to the smallest of proposed, Kelly and hard cap; refuse dust.
	size := p.Size
	clamp := ""
	if res.Size < size {
		size = res.Size
		clamp = res.Clamp
		if clamp == "" {
			clamp = "kelly_ceiling"
		}
	}
	if size < g.cfg.MinTradeUSD {
		d := reject(RejectSizeTooSmall,
			fmt.Sprintf("clamped size %.2f below minimum tradable %.2f", size, g.cfg.MinTradeUSD))
		d.Zone = z
		return d
	}

	// 6. Approval carries the breaker snapshot for audit traceability.
	return &Decision{
		Approved:      true,
		Zone:          z,
		Size:          size,
		KellyFraction: res.Fraction,
		Clamp:         clamp,
		Breakers:      g.registry.Snapshot(),
	}
}

func reject(reason RejectReason, detail string) *Decision {
	return &Decision{Reason: reason, Detail: detail}
}

// RecordOutcome is the only write path into breaker state. A persistence
// failure propagates so the caller can redeliver; a replayed outcome id is
// absorbed as success.
func (g *Gatekeeper) RecordOutcome(ctx context.Context, o breaker.Outcome) error {
	err := g.registry.RecordOutcome(ctx, o)
	if errors.Is(err, breaker.ErrDuplicateOutcome) {
		log.Debug().Str("outcome", o.OutcomeID).Msg("duplicate outcome ignored")
		err = nil
	}
	if g.observer != nil {
		g.observer.ObserveOutcome(o, err)
	}
	if err != nil {
		return err
	}
	if g.auditor != nil {
		if auditErr := g.auditor.Outcome(ctx, o); auditErr != nil {
			log.Error().Err(auditErr).Str("outcome", o.OutcomeID).Msg("audit write failed")
		}
	}
	log.Info().
		Str("agent", o.AgentID).
		Str("outcome", o.OutcomeID).
		Float64("pnl", o.PnL).
		Msg("outcome recorded")
	return nil
}

// AdminReset clears a breaker on behalf of a privileged caller. The caller
// identity must be distinct from every agent identity the engine has seen.
func (g *Gatekeeper) AdminReset(ctx context.Context, caller string, scope breaker.Scope, kind breaker.Kind) error {
	if caller == "" {
		return fmt.Errorf("admin reset: missing caller identity")
	}
	for _, id := range g.registry.AgentIDs() {
		if id == caller {
			return fmt.Errorf("admin reset: caller %q is a trading agent, not an administrator", caller)
		}
	}
	if err := g.registry.Reset(ctx, scope, kind); err != nil {
		return err
	}
	log.Warn().
		Str("caller", caller).
		Str("scope", scope.String()).
		Str("kind", string(kind)).
		Msg("breaker manually reset")
	return nil
}

// Snapshot exposes the read-only breaker view for dashboards.
func (g *Gatekeeper) Snapshot() map[string]breaker.State {
	return g.registry.Snapshot()
}

func (g *Gatekeeper) logDecision(p Proposal, d *Decision) {
	evt := log.Info().
		Str("agent", p.AgentID).
		Str("strategy", p.StrategyTag).
		Float64("price", p.Price).
		Float64("proposed", p.Size)
	if d.Approved {
		evt.Str("zone", d.Zone.String()).
			Float64("size", d.Size).
			Float64("kelly_fraction", d.KellyFraction).
			Msg("proposal approved")
		return
	}
	evt.Str("reason", string(d.Reason)).
		Str("detail", d.Detail).
		Msg("proposal rejected")
}
