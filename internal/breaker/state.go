package breaker

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies one of the four breaker state machines.
type Kind string

const (
	// ConsecutiveLoss trips after N losing outcomes in a row for one agent.
	// The only kind that auto-resets, after a wall-clock cooldown window.
	ConsecutiveLoss Kind = "consecutive_loss"
	// DailyLoss trips when the portfolio's rolling-day P&L breaches the
	// configured share of day-start equity. Resets at the next UTC midnight.
	DailyLoss Kind = "daily_loss"
	// BotDrawdown trips on a single agent's peak-to-current equity decline.
	// Manual admin reset only.
	BotDrawdown Kind = "bot_drawdown"
	// PortfolioDrawdown trips on the portfolio-wide decline and force-opens
	// every agent's drawdown breaker (emergency halt). Manual reset only.
	PortfolioDrawdown Kind = "portfolio_drawdown"
)

// Kinds lists every breaker kind in evaluation order.
var Kinds = []Kind{ConsecutiveLoss, DailyLoss, BotDrawdown, PortfolioDrawdown}

func (k Kind) valid() bool {
	switch k {
	case ConsecutiveLoss, DailyLoss, BotDrawdown, PortfolioDrawdown:
		return true
	}
	return false
}

// PortfolioScoped reports whether the kind applies to the whole portfolio
// rather than a single agent.
func (k Kind) PortfolioScoped() bool {
	return k == DailyLoss || k == PortfolioDrawdown
}

// keySuffix is the durable key fragment for the kind. Both drawdown kinds
// share "drawdown" since their scopes never collide.
func (k Kind) keySuffix() string {
	switch k {
	case BotDrawdown, PortfolioDrawdown:
		return "drawdown"
	default:
		return string(k)
	}
}

// Scope is the unit a breaker applies to: one agent or the portfolio.
// The zero value is the portfolio scope.
type Scope struct {
	agentID string
}

func PortfolioScope() Scope           { return Scope{} }
func AgentScope(agentID string) Scope { return Scope{agentID: agentID} }

func (s Scope) IsPortfolio() bool { return s.agentID == "" }
func (s Scope) AgentID() string   { return s.agentID }

func (s Scope) String() string {
	if s.IsPortfolio() {
		return "portfolio"
	}
	return "agent:" + s.agentID
}

// Key builds the stable durable-store key for a (scope, kind) pair, e.g.
// "agent:momentum-1:consecutive_loss" or "portfolio:drawdown".
func Key(scope Scope, kind Kind) string {
	return scope.String() + ":" + kind.keySuffix()
}

// Status is the two-state breaker status. Closed permits trading.
type Status string

const (
	StatusClosed Status = "closed"
	StatusOpen   Status = "open"
)

// State is the persistent record for one (scope, kind) breaker. Mutated only
// by the Registry; one durable record per instance.
type State struct {
	Scope  string `json:"scope"`
	Kind   Kind   `json:"kind"`
	Status Status `json:"status"`

	OpenedAt      *time.Time `json:"opened_at,omitempty"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	Reason        string     `json:"reason,omitempty"`

	// ConsecutiveLoss counters.
	Losses int `json:"losses,omitempty"`

	// Drawdown counters (agent or portfolio scope).
	PeakEquity    float64 `json:"peak_equity,omitempty"`
	CurrentEquity float64 `json:"current_equity,omitempty"`

	// DailyLoss counters. Day is the UTC date the running figures belong to.
	Day            string  `json:"day,omitempty"`
	DayStartEquity float64 `json:"day_start_equity,omitempty"`
	DailyPnL       float64 `json:"daily_pnl"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Validate enforces the persisted-state invariants. A violation means the
// durable record is corrupt; the process must refuse to serve rather than
// default toward "trading permitted".
func (s *State) Validate() error {
	if !s.Kind.valid() {
		return fmt.Errorf("breaker state %q: unknown kind %q", s.key(), s.Kind)
	}
	switch s.Status {
	case StatusClosed, StatusOpen:
	default:
		return fmt.Errorf("breaker state %q: unknown status %q", s.key(), s.Status)
	}
	if s.Status == StatusOpen && s.OpenedAt == nil {
		return fmt.Errorf("breaker state %q: open with no opened_at", s.key())
	}
	if s.Losses < 0 {
		return fmt.Errorf("breaker state %q: negative loss count %d", s.key(), s.Losses)
	}
	if s.PeakEquity < 0 || s.CurrentEquity < 0 {
		return fmt.Errorf("breaker state %q: negative equity", s.key())
	}
	if s.PeakEquity > 0 && s.CurrentEquity > s.PeakEquity {
		return fmt.Errorf("breaker state %q: current equity %.2f above recorded peak %.2f",
			s.key(), s.CurrentEquity, s.PeakEquity)
	}
	if s.Day != "" {
		if _, err := time.Parse(dayLayout, s.Day); err != nil {
			return fmt.Errorf("breaker state %q: bad day %q: %w", s.key(), s.Day, err)
		}
	}
	return nil
}

func (s *State) key() string {
	return s.Scope + ":" + s.Kind.keySuffix()
}

// DrawdownPct is the percent decline from peak to current equity.
func (s *State) DrawdownPct() float64 {
	if s.PeakEquity <= 0 {
		return 0
	}
	return (s.PeakEquity - s.CurrentEquity) / s.PeakEquity * 100
}

const dayLayout = "2006-01-02"

func dayKey(t time.Time) string {
	return t.UTC().Format(dayLayout)
}

// ErrDuplicateOutcome marks a replayed outcome id. The update was already
// applied; callers treat this as success.
var ErrDuplicateOutcome = errors.New("outcome already recorded")
