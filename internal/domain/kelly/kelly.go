package kelly

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidInput is returned only for structurally malformed inputs.
// A non-positive edge is an expected outcome, not an error.
var ErrInvalidInput = errors.New("invalid kelly input")

// Clamp reasons recorded on a Result when the raw Kelly fraction or the
// raw notional was capped.
const (
	ClampNone            = ""
	ClampFractionCap     = "fraction_cap"
	ClampPositionCeiling = "position_ceiling"
)

// Result is the sizing decision for one proposal. Fraction is the applied
// fraction after capping; Size is the notional stake.
type Result struct {
	Fraction float64 `json:"fraction"`
	Size     float64 `json:"size"`
	Clamp    string  `json:"clamp,omitempty"`
}

// NoEdge reports whether the sizer declined to stake anything.
func (r Result) NoEdge() bool {
	return r.Fraction == 0
}

// Config bounds the sizer. FractionCap reproduces half/quarter Kelly
// semantics (0.5 = never stake more than half Kelly would of the raw
// fraction's bankroll share); MaxPositionUSD is a hard notional ceiling,
// defense in depth against miscalibrated probability estimates.
type Config struct {
	FractionCap    float64 `yaml:"fraction_cap"`
	MaxPositionUSD float64 `yaml:"max_position_usd"`
}

// DefaultConfig returns production sizing limits: half-Kelly cap, $5k hard
// position ceiling.
func DefaultConfig() Config {
	return Config{
		FractionCap:    0.5,
		MaxPositionUSD: 5000,
	}
}

func (c Config) Validate() error {
	if c.FractionCap <= 0 || c.FractionCap > 1 {
		return fmt.Errorf("kelly config: fraction_cap %.4f not in (0, 1]", c.FractionCap)
	}
	if c.MaxPositionUSD <= 0 {
		return fmt.Errorf("kelly config: max_position_usd %.2f must be positive", c.MaxPositionUSD)
	}
	return nil
}

// Sizer computes bounded fractional-Kelly position sizes. Stateless and safe
// for concurrent use.
type Sizer struct {
	cfg Config
}

func NewSizer(cfg Config) (*Sizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sizer{cfg: cfg}, nil
}

// Size computes f* = (b*p - (1-p)) / b, applies min(f*, fraction_cap), and
// stakes that fraction of bankroll subject to the hard notional ceiling.
//
// Fails closed: a non-positive edge returns fraction 0 with no error.
// ErrInvalidInput is reserved for p outside [0,1], odds <= 0, or a negative
// bankroll.
func (s *Sizer) Size(winProb, odds, bankroll float64) (Result, error) {
	// NaN compares false against every bound, so it must be rejected
	// explicitly or it flows through as a NaN fraction.
	if math.IsNaN(winProb) || winProb < 0 || winProb > 1 {
		return Result{}, fmt.Errorf("%w: win_prob %.4f not in [0, 1]", ErrInvalidInput, winProb)
	}
	if math.IsNaN(odds) || math.IsInf(odds, 0) || odds <= 0 {
		return Result{}, fmt.Errorf("%w: odds %.4f must be positive and finite", ErrInvalidInput, odds)
	}
	if math.IsNaN(bankroll) || math.IsInf(bankroll, 0) || bankroll < 0 {
		return Result{}, fmt.Errorf("%w: bankroll %.2f must be non-negative and finite", ErrInvalidInput, bankroll)
	}

	full := (odds*winProb - (1 - winProb)) / odds
	if full <= 0 {
		return Result{}, nil
	}

	applied := full
	clamp := ClampNone
	if applied > s.cfg.FractionCap {
		applied = s.cfg.FractionCap
		clamp = ClampFractionCap
	}

	size := applied * bankroll
	if size > s.cfg.MaxPositionUSD {
		size = s.cfg.MaxPositionUSD
		clamp = ClampPositionCeiling
	}

	return Result{Fraction: applied, Size: size, Clamp: clamp}, nil
}
