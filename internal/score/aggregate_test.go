package score

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalzero/signalzero/internal/types"
)

func TestAuthenticityWeightedSum(t *testing.T) {
	// 0.4·85 + 0.3·82 + 0.2·85 + 0.1·88 = 83.4 → 83
	a := Authenticity(Inputs{Bot: 15, Trend: 82, Review: 85, Promotion: 88})
	assert.Equal(t, 83.0, a)

	// Two analyzers imputed to the neutral prior.
	// 0.4·30 + 0.3·30 + 0.2·50 + 0.1·50 = 36
	a = Authenticity(Inputs{Bot: 70, Trend: 30, Review: Fallback, Promotion: Fallback})
	assert.Equal(t, 36.0, a)

	// All-neutral inputs land mid-band.
	a = Authenticity(Inputs{Bot: Fallback, Trend: Fallback, Review: Fallback, Promotion: Fallback})
	assert.Equal(t, 50.0, a)

	// Extremes stay inside [0,100].
	assert.Equal(t, 100.0, Authenticity(Inputs{Bot: 0, Trend: 100, Review: 100, Promotion: 100}))
	assert.Equal(t, 0.0, Authenticity(Inputs{Bot: 100, Trend: 0, Review: 0, Promotion: 0}))
}

func TestClassifyBoundaries(t *testing.T) {
	assert.Equal(t, types.BandGreen, Classify(100))
	assert.Equal(t, types.BandGreen, Classify(67))
	assert.Equal(t, types.BandYellow, Classify(66))
	assert.Equal(t, types.BandYellow, Classify(34))
	assert.Equal(t, types.BandRed, Classify(33))
	assert.Equal(t, types.BandRed, Classify(0))
}

func TestRound2(t *testing.T) {
	assert.Equal(t, 31.33, Round2(31.333333))
	assert.Equal(t, 29.0, Round2(29))
	assert.Equal(t, 11.34, Round2(11.335))
}

func TestMatchOverride(t *testing.T) {
	for _, q := range []string{
		"Stanley Cup tumbler",
		"  stanley   CUP  ",
		"$BUZZ token",
		"prime energy drink",
	} {
		_, ok := MatchOverride(q)
		assert.True(t, ok, "query %q", q)
	}

	_, ok := MatchOverride("local artisan coffee")
	assert.False(t, ok)
	_, ok = MatchOverride("")
	assert.False(t, ok)
}

func TestOverrideSatisfiesAggregation(t *testing.T) {
	cases := []struct {
		query        string
		bot          float64
		authenticity float64
		band         types.Band
	}{
		{"stanley cup", 62, 34, types.BandYellow},
		{"$buzz", 87, 12, types.BandRed},
		{"prime energy", 71, 29, types.BandRed},
	}
	for _, tc := range cases {
		ov, ok := MatchOverride(tc.query)
		require.True(t, ok, tc.query)
		assert.Equal(t, tc.bot, ov.Bot, tc.query)
		assert.Equal(t, tc.authenticity, ov.Authenticity, tc.query)
		assert.Equal(t, tc.band, Classify(ov.Authenticity), tc.query)

		// The derived balance scores reproduce the pinned authenticity
		// through the regular aggregation path.
		got := Authenticity(Inputs{
			Bot: ov.Bot, Trend: ov.Trend, Review: ov.Review, Promotion: ov.Promotion,
		})
		assert.Equal(t, tc.authenticity, got, tc.query)
	}
}
