// Package score holds the aggregation math: the fixed weighted sum over the
// four signal scores, band classification, and the deterministic demo
// override table.
package score

import (
	"math"

	"github.com/signalzero/signalzero/internal/types"
)

// Signal weights. Bot density counts against authenticity, so it enters
// inverted.
const (
	weightBot       = 0.4
	weightTrend     = 0.3
	weightReview    = 0.2
	weightPromotion = 0.1
)

// Fallback is the neutral prior substituted for a missing or failed agent
// score before aggregation.
const Fallback = 50.0

// Inputs are the four analyzer scores, each in [0,100].
type Inputs struct {
	Bot       float64
	Trend     float64
	Review    float64
	Promotion float64
}

// Authenticity computes the weighted aggregate, rounded to the nearest whole
// point and clamped to [0,100].
func Authenticity(in Inputs) float64 {
	a := weightBot*(100-in.Bot) +
		weightTrend*in.Trend +
		weightReview*in.Review +
		weightPromotion*in.Promotion
	return Clamp(math.Round(a))
}

// Classify maps authenticity to its band. 67 belongs to GREEN, 33 to RED.
func Classify(authenticity float64) types.Band {
	switch {
	case authenticity >= 67:
		return types.BandGreen
	case authenticity >= 34:
		return types.BandYellow
	default:
		return types.BandRed
	}
}

// Clamp bounds v to [0,100].
func Clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Round2 rounds to two decimals, the precision scores are persisted at.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
