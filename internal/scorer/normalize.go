package scorer

import "strings"

// placeholderScore is the neutral stand-in for units with no modeled
// normalization yet. It is intentionally kept as-is pending industry
// benchmarks; contributions produced from it are flagged so downstream
// consumers can tell benchmarked values from placeholders.
const placeholderScore = 50.0

// Normalize maps a raw indicator value onto a 0-100 scale by unit semantics.
// The second return is false when the unit had no model and the placeholder
// was used.
//
// The rules are a documented heuristic, applied uniformly:
//   - "%"            : capped at 100, higher is better
//   - intensity      : unit contains "per" or "/", lower is better
//   - "count"        : lower is better, 100 incidents zero the scale
//   - "days"         : lower is better against a 90-day baseline
func Normalize(value float64, unit string) (float64, bool) {
	u := strings.ToLower(strings.TrimSpace(unit))

	switch {
	case u == "%":
		if value > 100 {
			return 100, true
		}
		return value, true
	case strings.Contains(u, "per") || strings.Contains(u, "/"):
		return 100 / (1 + value/1.0), true
	case u == "count":
		score := 100 - (value/100)*100
		if score < 0 {
			score = 0
		}
		return score, true
	case u == "days":
		score := 100 - (value/90)*100
		if score < 0 {
			score = 0
		}
		return score, true
	default:
		return placeholderScore, false
	}
}
