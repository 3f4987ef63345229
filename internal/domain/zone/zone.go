package zone

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Zone is one of five ordinal risk tiers. Z1 is the lowest-risk tier,
// Z5 the most extreme (lottery pricing).
type Zone int

const (
	Z1 Zone = iota + 1
	Z2
	Z3
	Z4
	Z5
)

func (z Zone) String() string {
	return fmt.Sprintf("Z%d", int(z))
}

// ErrOutOfRange is returned when a price lies outside the union of the
// configured zone intervals.
var ErrOutOfRange = errors.New("price outside configured zone range")

// Band is a half-open price interval [Lo, Hi) mapped to a single zone.
// Lower edge inclusive, upper edge exclusive: a price exactly on a boundary
// resolves to the higher band.
type Band struct {
	Zone                  Zone     `yaml:"zone"`
	Lo                    float64  `yaml:"lo"`
	Hi                    float64  `yaml:"hi"`
	AllowedTags           []string `yaml:"allowed_tags"`
	DirectionalProhibited bool     `yaml:"directional_prohibited"`
}

// Restrictions is the per-zone strategy policy exposed to the gatekeeper.
type Restrictions struct {
	AllowedTags           []string
	DirectionalProhibited bool
}

// Allows reports whether the strategy tag is permitted in this zone.
func (r Restrictions) Allows(tag string) bool {
	for _, t := range r.AllowedTags {
		if t == tag {
			return true
		}
	}
	return false
}

// Classifier maps prices to risk zones. Built once at startup from validated
// config and never mutated afterwards, so it is safe for concurrent use.
type Classifier struct {
	bands        []Band
	restrictions map[Zone]Restrictions
}

// NewClassifier validates the bands (contiguous, non-overlapping, ascending)
// and builds a classifier. Validation failure here must abort startup.
func NewClassifier(bands []Band) (*Classifier, error) {
	if len(bands) == 0 {
		return nil, errors.New("zone config: no bands defined")
	}

	sorted := make([]Band, len(bands))
	copy(sorted, bands)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Lo < sorted[j].Lo })

	seen := make(map[Zone]bool, len(sorted))
	restrictions := make(map[Zone]Restrictions, len(sorted))
	for i, b := range sorted {
		if b.Zone < Z1 || b.Zone > Z5 {
			return nil, fmt.Errorf("zone config: band %d has invalid zone %d", i, b.Zone)
		}
		if seen[b.Zone] {
			return nil, fmt.Errorf("zone config: zone %s defined twice", b.Zone)
		}
		seen[b.Zone] = true
		if b.Hi <= b.Lo {
			return nil, fmt.Errorf("zone config: band %s has empty interval [%.4f, %.4f)", b.Zone, b.Lo, b.Hi)
		}
		if i > 0 && sorted[i-1].Hi != b.Lo {
			return nil, fmt.Errorf("zone config: gap or overlap between %s and %s (%.4f != %.4f)",
				sorted[i-1].Zone, b.Zone, sorted[i-1].Hi, b.Lo)
		}
		restrictions[b.Zone] = Restrictions{
			AllowedTags:           append([]string(nil), b.AllowedTags...),
			DirectionalProhibited: b.DirectionalProhibited,
		}
	}

	return &Classifier{bands: sorted, restrictions: restrictions}, nil
}

// Classify maps a price to exactly one zone. Boundary prices resolve to the
// higher band (lower-inclusive convention): 0.20 lands in the band starting
// at 0.20, not the one ending there.
func (c *Classifier) Classify(price float64) (Zone, error) {
	if math.IsNaN(price) || price < c.bands[0].Lo || price >= c.bands[len(c.bands)-1].Hi {
		return 0, fmt.Errorf("%w: %.4f not in [%.4f, %.4f)",
			ErrOutOfRange, price, c.bands[0].Lo, c.bands[len(c.bands)-1].Hi)
	}
	idx := sort.Search(len(c.bands), func(i int) bool { return c.bands[i].Hi > price })
	return c.bands[idx].Zone, nil
}

// Restrictions is a pure lookup with no side effects.
func (c *Classifier) Restrictions(z Zone) (Restrictions, bool) {
	r, ok := c.restrictions[z]
	return r, ok
}

// Bounds returns the configured valid price range [lo, hi).
func (c *Classifier) Bounds() (lo, hi float64) {
	return c.bands[0].Lo, c.bands[len(c.bands)-1].Hi
}

// DefaultBands returns the production band layout. Z1-Z3 permit directional
// strategies; Z4 (momentum pricing) and Z5 (lottery pricing) prohibit them.
func DefaultBands() []Band {
	return []Band{
		{Zone: Z1, Lo: 0.05, Hi: 0.20, AllowedTags: []string{"market_making", "mean_reversion"}},
		{Zone: Z2, Lo: 0.20, Hi: 0.40, AllowedTags: []string{"market_making", "mean_reversion", "value"}},
		{Zone: Z3, Lo: 0.40, Hi: 0.60, AllowedTags: []string{"market_making", "mean_reversion", "value"}},
		{Zone: Z4, Lo: 0.60, Hi: 0.80, AllowedTags: []string{"market_making"}, DirectionalProhibited: true},
		{Zone: Z5, Lo: 0.80, Hi: 0.98, AllowedTags: []string{"market_making"}, DirectionalProhibited: true},
	}
}
