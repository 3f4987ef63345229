package zone

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_DefaultBands(t *testing.T) {
	c, err := NewClassifier(DefaultBands())
	require.NoError(t, err)

	tests := []struct {
		name  string
		price float64
		want  Zone
	}{
		{"z1 low edge", 0.05, Z1},
		{"z1 interior", 0.12, Z1},
		{"boundary resolves to higher zone", 0.20, Z2},
		{"z2 interior", 0.33, Z2},
		{"z3 boundary", 0.40, Z3},
		{"z3 interior", 0.50, Z3},
		{"z4 boundary", 0.60, Z4},
		{"z4 interior", 0.75, Z4},
		{"z5 boundary", 0.80, Z5},
		{"z5 top interior", 0.9799, Z5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Classify(tt.price)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassify_OutOfRange(t *testing.T) {
	c, err := NewClassifier(DefaultBands())
	require.NoError(t, err)

	// NaN fails every ordered comparison and must map to the range error,
	// not fall through the band search.
	for _, price := range []float64{0.0, 0.0499, 0.98, 1.0, -0.5, math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := c.Classify(price)
		assert.ErrorIs(t, err, ErrOutOfRange, "price %.4f", price)
	}
}

func TestClassify_EveryPricePartitionsUniquely(t *testing.T) {
	c, err := NewClassifier(DefaultBands())
	require.NoError(t, err)

	// Sweep the valid range and confirm zones are monotone non-decreasing
	// with no gaps.
	prev := Z1
	for p := 0.05; p < 0.98; p += 0.001 {
		z, err := c.Classify(p)
		require.NoError(t, err, "price %.4f", p)
		assert.GreaterOrEqual(t, z, prev, "price %.4f", p)
		prev = z
	}
}

func TestNewClassifier_RejectsBadConfig(t *testing.T) {
	tests := []struct {
		name  string
		bands []Band
	}{
		{"empty", nil},
		{
			"gap between bands",
			[]Band{
				{Zone: Z1, Lo: 0.05, Hi: 0.20},
				{Zone: Z2, Lo: 0.25, Hi: 0.40},
			},
		},
		{
			"overlap between bands",
			[]Band{
				{Zone: Z1, Lo: 0.05, Hi: 0.25},
				{Zone: Z2, Lo: 0.20, Hi: 0.40},
			},
		},
		{
			"empty interval",
			[]Band{{Zone: Z1, Lo: 0.20, Hi: 0.20}},
		},
		{
			"duplicate zone",
			[]Band{
				{Zone: Z1, Lo: 0.05, Hi: 0.20},
				{Zone: Z1, Lo: 0.20, Hi: 0.40},
			},
		},
		{
			"invalid tier",
			[]Band{{Zone: Zone(9), Lo: 0.05, Hi: 0.20}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClassifier(tt.bands)
			assert.Error(t, err)
		})
	}
}

func TestRestrictions(t *testing.T) {
	c, err := NewClassifier(DefaultBands())
	require.NoError(t, err)

	r, ok := c.Restrictions(Z4)
	require.True(t, ok)
	assert.True(t, r.DirectionalProhibited)
	assert.True(t, r.Allows("market_making"))
	assert.False(t, r.Allows("momentum"))

	r, ok = c.Restrictions(Z2)
	require.True(t, ok)
	assert.False(t, r.DirectionalProhibited)
	assert.True(t, r.Allows("value"))
}
