package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds the per-kind thresholds and the equity seeds. Static for the
// process lifetime.
type Config struct {
	MaxConsecutiveLosses int `yaml:"max_consecutive_losses"`
	// ConsecutiveLossCooldown is decoded from a duration string ("24h"),
	// see UnmarshalYAML.
	ConsecutiveLossCooldown time.Duration `yaml:"-"`
	MaxDailyLossPct         float64       `yaml:"max_daily_loss_pct"`
	MaxBotDrawdownPct       float64       `yaml:"max_bot_drawdown_pct"`
	MaxPortfolioDrawdownPct float64       `yaml:"max_portfolio_drawdown_pct"`
	InitialPortfolioEquity  float64       `yaml:"initial_portfolio_equity"`
	InitialAgentEquity      float64       `yaml:"initial_agent_equity"`
}

// UnmarshalYAML decodes the config, accepting the cooldown as a Go duration
// string. Omitted keys keep whatever value is already set.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type plain Config
	if err := value.Decode((*plain)(c)); err != nil {
		return err
	}
	var aux struct {
		Cooldown string `yaml:"consecutive_loss_cooldown"`
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	if aux.Cooldown != "" {
		d, err := time.ParseDuration(aux.Cooldown)
		if err != nil {
			return fmt.Errorf("breaker config: consecutive_loss_cooldown: %w", err)
		}
		c.ConsecutiveLossCooldown = d
	}
	return nil
}

// DefaultConfig mirrors the documented production limits: 3 losses / 24h
// cooldown, 5% daily loss, 25% agent drawdown, 40% portfolio drawdown.
func DefaultConfig() Config {
	return Config{
		MaxConsecutiveLosses:    3,
		ConsecutiveLossCooldown: 24 * time.Hour,
		MaxDailyLossPct:         5,
		MaxBotDrawdownPct:       25,
		MaxPortfolioDrawdownPct: 40,
		InitialPortfolioEquity:  10000,
		InitialAgentEquity:      1000,
	}
}

func (c Config) Validate() error {
	if c.MaxConsecutiveLosses <= 0 {
		return fmt.Errorf("breaker config: max_consecutive_losses %d must be positive", c.MaxConsecutiveLosses)
	}
	if c.ConsecutiveLossCooldown <= 0 {
		return fmt.Errorf("breaker config: consecutive_loss_cooldown %s must be positive", c.ConsecutiveLossCooldown)
	}
	for name, pct := range map[string]float64{
		"max_daily_loss_pct":         c.MaxDailyLossPct,
		"max_bot_drawdown_pct":       c.MaxBotDrawdownPct,
		"max_portfolio_drawdown_pct": c.MaxPortfolioDrawdownPct,
	} {
		if pct <= 0 || pct > 100 {
			return fmt.Errorf("breaker config: %s %.2f not in (0, 100]", name, pct)
		}
	}
	if c.InitialPortfolioEquity <= 0 || c.InitialAgentEquity <= 0 {
		return fmt.Errorf("breaker config: equity seeds must be positive")
	}
	return nil
}

// Outcome is one closed trade's contribution to the breaker counters.
type Outcome struct {
	OutcomeID string    `json:"outcome_id"`
	AgentID   string    `json:"agent_id"`
	PnL       float64   `json:"pnl"`
	Timestamp time.Time `json:"timestamp"`
}

// TransitionFunc observes persisted status transitions (open or close).
// Called synchronously after the transition is durable.
type TransitionFunc func(st State)

// Registry owns all breaker state. One instance per process, constructed at
// startup and shared by reference; there are no package-level singletons.
//
// Writers take a per-(scope, kind) mutex so unrelated agents never serialize
// against each other; only the portfolio-scoped breakers, a genuinely shared
// resource, force serialization. The states map itself is swapped under a
// short RWMutex so readers never wait on a writer's persistence I/O.
type Registry struct {
	cfg   Config
	store Store

	mu     sync.RWMutex
	states map[string]*State

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	onTransition TransitionFunc

	now func() time.Time
}

// NewRegistry loads and validates every persisted state. Any invariant
// violation is fatal here: a corrupt risk record must stop the process, not
// silently default to closed.
func NewRegistry(cfg Config, store Store) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	persisted, err := store.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("breaker registry: load persisted state: %w", err)
	}

	states := make(map[string]*State, len(persisted))
	for key, st := range persisted {
		st := st
		if err := st.Validate(); err != nil {
			return nil, fmt.Errorf("breaker registry: corrupt persisted state: %w", err)
		}
		states[key] = &st
	}

	log.Info().Int("restored", len(states)).Msg("breaker registry loaded")

	return &Registry{
		cfg:    cfg,
		store:  store,
		states: states,
		locks:  make(map[string]*sync.Mutex),
		now:    time.Now,
	}, nil
}

// SetTransitionCallback registers the observer for status transitions.
// Must be called before the registry starts receiving outcomes.
func (r *Registry) SetTransitionCallback(fn TransitionFunc) {
	r.onTransition = fn
}

func (r *Registry) lockFor(key string) *sync.Mutex {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()
	if l, ok := r.locks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	r.locks[key] = l
	return l
}

// stateCopy returns a copy of the stored state for the key, or a fresh
// default-closed state on first reference to the (scope, kind) pair.
func (r *Registry) stateCopy(scope Scope, kind Kind, now time.Time) State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if st, ok := r.states[Key(scope, kind)]; ok {
		return *st
	}
	return State{
		Scope:     scope.String(),
		Kind:      kind,
		Status:    StatusClosed,
		UpdatedAt: now,
	}
}

func (r *Registry) install(states ...State) {
	r.mu.Lock()
	for _, st := range states {
		st := st
		r.states[st.key()] = &st
	}
	r.mu.Unlock()
}

// effectiveStatus resolves the time-dependent resets lazily against now.
// ConsecutiveLoss closes once its cooldown elapses; DailyLoss closes at the
// next UTC day boundary. The drawdown kinds only ever close via admin reset.
func effectiveStatus(st *State, now time.Time) Status {
	if st.Status != StatusOpen {
		return StatusClosed
	}
	switch st.Kind {
	case ConsecutiveLoss:
		if st.CooldownUntil != nil && !now.Before(*st.CooldownUntil) {
			return StatusClosed
		}
	case DailyLoss:
		if st.Day != dayKey(now) {
			return StatusClosed
		}
	}
	return StatusOpen
}

// IsOpen reports whether any of the given kinds is effectively open for the
// scope right now, and which one tripped first. Read-only; never blocks on
// persistence.
func (r *Registry) IsOpen(scope Scope, kinds ...Kind) (Kind, bool) {
	now := r.now().UTC()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, kind := range kinds {
		st, ok := r.states[Key(scope, kind)]
		if !ok {
			continue
		}
		if effectiveStatus(st, now) == StatusOpen {
			return kind, true
		}
	}
	return "", false
}

// Snapshot returns a copy of every breaker state with time-dependent resets
// already resolved. Attached to approvals for audit traceability.
func (r *Registry) Snapshot() map[string]State {
	now := r.now().UTC()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.states))
	for key, st := range r.states {
		cp := *st
		cp.Status = effectiveStatus(st, now)
		out[key] = cp
	}
	return out
}

// PortfolioEquity returns the current portfolio equity, seeding from config
// before the first outcome arrives. Used as the Kelly bankroll.
func (r *Registry) PortfolioEquity() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if st, ok := r.states[Key(PortfolioScope(), PortfolioDrawdown)]; ok && st.PeakEquity > 0 {
		return st.CurrentEquity
	}
	return r.cfg.InitialPortfolioEquity
}

// AgentIDs lists every agent the registry has seen. Used for the emergency
// fan-out and to keep admin callers distinct from agent identities.
func (r *Registry) AgentIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var ids []string
	for _, st := range r.states {
		scope, ok := parseScope(st.Scope)
		if !ok || scope.IsPortfolio() || seen[scope.AgentID()] {
			continue
		}
		seen[scope.AgentID()] = true
		ids = append(ids, scope.AgentID())
	}
	return ids
}

func parseScope(s string) (Scope, bool) {
	if s == "portfolio" {
		return PortfolioScope(), true
	}
	const prefix = "agent:"
	if len(s) > len(prefix) && s[:len(prefix)] == prefix {
		return AgentScope(s[len(prefix):]), true
	}
	return Scope{}, false
}

// RecordOutcome applies one closed trade to the four breaker state machines
// and persists the whole batch write-ahead: the store write completes before
// any in-memory state or callback observes the transition. A replayed
// outcome id returns ErrDuplicateOutcome without touching anything.
func (r *Registry) RecordOutcome(ctx context.Context, o Outcome) error {
	if o.OutcomeID == "" {
		return fmt.Errorf("record outcome: missing outcome id")
	}
	if o.AgentID == "" {
		return fmt.Errorf("record outcome: missing agent id")
	}

	seen, err := r.store.Seen(ctx, o.OutcomeID)
	if err != nil {
		return fmt.Errorf("record outcome %s: dedup check: %w", o.OutcomeID, err)
	}
	if seen {
		return ErrDuplicateOutcome
	}

	now := r.now().UTC()
	agent := AgentScope(o.AgentID)
	portfolio := PortfolioScope()

	// Fixed acquisition order: agent keys, then portfolio keys. Every call
	// follows the same order, so concurrent outcomes cannot deadlock.
	keys := []string{
		Key(agent, ConsecutiveLoss),
		Key(agent, BotDrawdown),
		Key(portfolio, DailyLoss),
		Key(portfolio, PortfolioDrawdown),
	}
	held := make([]*sync.Mutex, 0, len(keys))
	for _, k := range keys {
		l := r.lockFor(k)
		l.Lock()
		held = append(held, l)
	}
	// Released explicitly before the emergency fan-out: the fan-out takes
	// other agents' locks, which must never happen while this outcome's
	// portfolio locks are held or a concurrent outcome for one of those
	// agents deadlocks against it.
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
		held = nil
	}
	defer release()

	// Re-check under the locks: a concurrently redelivered copy of this
	// outcome serializes on the same agent keys and must land exactly once.
	seen, err = r.store.Seen(ctx, o.OutcomeID)
	if err != nil {
		return fmt.Errorf("record outcome %s: dedup check: %w", o.OutcomeID, err)
	}
	if seen {
		return ErrDuplicateOutcome
	}

	before := [4]State{
		r.stateCopy(agent, ConsecutiveLoss, now),
		r.stateCopy(agent, BotDrawdown, now),
		r.stateCopy(portfolio, DailyLoss, now),
		r.stateCopy(portfolio, PortfolioDrawdown, now),
	}

	cl := before[0]
	r.applyConsecutiveLoss(&cl, o, now)

	dd := before[1]
	r.applyDrawdown(&dd, o.PnL, r.cfg.InitialAgentEquity, r.cfg.MaxBotDrawdownPct, now)

	pf := before[3]
	pfEquityBefore := pf.CurrentEquity
	if pf.PeakEquity == 0 {
		pfEquityBefore = r.cfg.InitialPortfolioEquity
	}
	r.applyDrawdown(&pf, o.PnL, r.cfg.InitialPortfolioEquity, r.cfg.MaxPortfolioDrawdownPct, now)

	daily := before[2]
	r.applyDailyLoss(&daily, o.PnL, pfEquityBefore, now)

	// The triggering agent's own drawdown breaker joins the emergency halt
	// inside this batch; every other agent is fanned out afterwards.
	emergency := pf.Status == StatusOpen && before[3].Status != StatusOpen
	if emergency && dd.Status == StatusClosed {
		opened := now
		dd.Status = StatusOpen
		dd.OpenedAt = &opened
		dd.Reason = "portfolio emergency halt"
	}

	batch := []State{cl, dd, daily, pf}
	if err := r.store.Apply(ctx, o.OutcomeID, batch); err != nil {
		return fmt.Errorf("record outcome %s: persist: %w", o.OutcomeID, err)
	}
	r.install(batch...)

	for i, st := range batch {
		if st.Status != before[i].Status {
			r.reportTransition(st)
		}
	}

	// Emergency fan-out after the portfolio trip is durable, and only after
	// this outcome's locks are released. The open portfolio breaker already
	// blocks every agent, so a crash mid-fan-out cannot let a trade through.
	if emergency {
		release()
		r.emergencyHalt(ctx, now, o.AgentID)
	}

	return nil
}

func (r *Registry) applyConsecutiveLoss(st *State, o Outcome, now time.Time) {
	// Normalize an elapsed cooldown before applying the new outcome.
	if st.Status == StatusOpen && st.CooldownUntil != nil && !now.Before(*st.CooldownUntil) {
		st.Status = StatusClosed
		st.OpenedAt = nil
		st.CooldownUntil = nil
		st.Reason = ""
		st.Losses = 0
	}

	if o.PnL < 0 {
		st.Losses++
	} else {
		st.Losses = 0
	}

	if st.Status == StatusClosed && st.Losses >= r.cfg.MaxConsecutiveLosses {
		opened := now
		until := now.Add(r.cfg.ConsecutiveLossCooldown)
		st.Status = StatusOpen
		st.OpenedAt = &opened
		st.CooldownUntil = &until
		st.Reason = fmt.Sprintf("%d consecutive losses (max %d)", st.Losses, r.cfg.MaxConsecutiveLosses)
	}
	st.UpdatedAt = now
}

func (r *Registry) applyDrawdown(st *State, pnl, seed, maxPct float64, now time.Time) {
	if st.PeakEquity == 0 {
		st.CurrentEquity = seed
		st.PeakEquity = seed
	}
	st.CurrentEquity += pnl
	if st.CurrentEquity < 0 {
		st.CurrentEquity = 0
	}
	if st.CurrentEquity > st.PeakEquity {
		st.PeakEquity = st.CurrentEquity
	}

	if st.Status == StatusClosed && st.DrawdownPct() >= maxPct {
		opened := now
		st.Status = StatusOpen
		st.OpenedAt = &opened
		st.Reason = fmt.Sprintf("%.1f%% drawdown (max %.1f%%)", st.DrawdownPct(), maxPct)
	}
	st.UpdatedAt = now
}

func (r *Registry) applyDailyLoss(st *State, pnl, equityBefore float64, now time.Time) {
	day := dayKey(now)
	if st.Day != day {
		// Day boundary: fresh counters, and an open breaker from a prior day
		// closes here rather than on a timer.
		st.Day = day
		st.DayStartEquity = equityBefore
		st.DailyPnL = 0
		if st.Status == StatusOpen {
			st.Status = StatusClosed
			st.OpenedAt = nil
			st.Reason = ""
		}
	}
	st.DailyPnL += pnl

	if st.Status == StatusClosed && st.DayStartEquity > 0 &&
		st.DailyPnL <= -r.cfg.MaxDailyLossPct/100*st.DayStartEquity {
		opened := now
		st.Status = StatusOpen
		st.OpenedAt = &opened
		st.Reason = fmt.Sprintf("daily loss %.2f breaches %.1f%% of day-start equity %.2f",
			st.DailyPnL, r.cfg.MaxDailyLossPct, st.DayStartEquity)
	}
	st.UpdatedAt = now
}

// emergencyHalt force-opens every known agent's drawdown breaker. Failures
// are logged and skipped: the open portfolio breaker is already blocking all
// trading, the fan-out only makes the halt explicit per agent.
func (r *Registry) emergencyHalt(ctx context.Context, now time.Time, excludeAgent string) {
	log.Error().Msg("portfolio drawdown breaker tripped, forcing all agents open")

	for _, id := range r.AgentIDs() {
		if id == excludeAgent {
			// Already handled inside the triggering outcome's batch.
			continue
		}
		scope := AgentScope(id)
		key := Key(scope, BotDrawdown)
		l := r.lockFor(key)
		l.Lock()

		st := r.stateCopy(scope, BotDrawdown, now)
		if st.Status == StatusOpen {
			l.Unlock()
			continue
		}
		opened := now
		st.Status = StatusOpen
		st.OpenedAt = &opened
		st.Reason = "portfolio emergency halt"
		st.UpdatedAt = now

		if err := r.store.Save(ctx, st); err != nil {
			l.Unlock()
			log.Error().Err(err).Str("agent", id).Msg("emergency halt fan-out persist failed")
			continue
		}
		r.install(st)
		l.Unlock()
		r.reportTransition(st)
	}
}

// Reset is the explicit administrative transition back to closed. It clears
// the kind-specific counters and re-baselines drawdown peaks so the breaker
// does not immediately re-trip on its old history.
func (r *Registry) Reset(ctx context.Context, scope Scope, kind Kind) error {
	if !kind.valid() {
		return fmt.Errorf("reset: unknown kind %q", kind)
	}
	if kind.PortfolioScoped() != scope.IsPortfolio() {
		return fmt.Errorf("reset: kind %s does not apply to scope %s", kind, scope)
	}

	key := Key(scope, kind)
	l := r.lockFor(key)
	l.Lock()
	defer l.Unlock()

	now := r.now().UTC()
	st := r.stateCopy(scope, kind, now)
	wasOpen := st.Status == StatusOpen

	st.Status = StatusClosed
	st.OpenedAt = nil
	st.CooldownUntil = nil
	st.Reason = ""
	st.UpdatedAt = now

	switch kind {
	case ConsecutiveLoss:
		st.Losses = 0
	case BotDrawdown, PortfolioDrawdown:
		st.PeakEquity = st.CurrentEquity
	case DailyLoss:
		st.DailyPnL = 0
		st.DayStartEquity = r.PortfolioEquity()
	}

	if err := r.store.Save(ctx, st); err != nil {
		return fmt.Errorf("reset %s: persist: %w", key, err)
	}
	r.install(st)

	if wasOpen {
		r.reportTransition(st)
	}
	return nil
}

func (r *Registry) reportTransition(st State) {
	evt := log.Warn()
	if st.Status == StatusClosed {
		evt = log.Info()
	}
	evt.Str("breaker", st.key()).
		Str("status", string(st.Status)).
		Str("reason", st.Reason).
		Msg("breaker transition")

	if r.onTransition != nil {
		r.onTransition(st)
	}
}
