package score

import "strings"

// Override is a deterministic verdict for a demonstration query. The
// trend/review/promotion scores are derived from the pinned bot and
// authenticity values so the aggregation identity still holds on replay.
type Override struct {
	Bot          float64
	Trend        float64
	Review       float64
	Promotion    float64
	Authenticity float64
}

// Pinned demo verdicts, keyed by a normalized substring of the query.
var overrides = map[string]struct{ bot, authenticity float64 }{
	"stanley cup":  {62, 34},
	"$buzz":        {87, 12},
	"prime energy": {71, 29},
}

// MatchOverride checks the query against the demo table. Matching is by
// normalized substring, so "Stanley Cup tumbler" hits the "stanley cup"
// entry.
func MatchOverride(query string) (Override, bool) {
	q := Normalize(query)
	for key, v := range overrides {
		if strings.Contains(q, key) {
			return makeOverride(v.bot, v.authenticity), true
		}
	}
	return Override{}, false
}

// makeOverride back-solves a uniform balance score x for the three positive
// signals from the pinned pair, so that
// round(0.4·(100−bot) + 0.6·x) = authenticity.
func makeOverride(bot, authenticity float64) Override {
	x := Round2((authenticity - weightBot*(100-bot)) / (weightTrend + weightReview + weightPromotion))
	x = Clamp(x)
	return Override{
		Bot:          bot,
		Trend:        x,
		Review:       x,
		Promotion:    x,
		Authenticity: authenticity,
	}
}

// Normalize lowercases, trims and collapses inner whitespace.
func Normalize(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}
