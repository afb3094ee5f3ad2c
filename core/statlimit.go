package orchestration

import "math"

// limitStatDelta clamps delta to max(|current|*ratio, minStep) in magnitude,
// so the agent cannot swing a stat by more than a fraction of its value in
// one command.
func limitStatDelta(current, delta int, ratio float64, minStep int) int {
	limit := max(int(math.Abs(float64(current))*ratio), minStep, 0)
	switch {
	case delta > limit:
		return limit
	case delta < -limit:
		return -limit
	}
	return delta
}
