// Package reputation implements the pure scoring function used only as a
// tie-breaker in quote ranking (spec §4.4).
package reputation

import (
	"math"

	"hookline/internal/domain"
)

// Score computes the 0-100 reputation score for a solver from its persisted
// counters, rounded to one decimal place.
func Score(s domain.SolverStats) float64 {
	deliveries := s.DeliveriesSucceeded + s.DeliveriesFailed
	if deliveries == 0 {
		base := clamp(0, 100, -5*float64(s.ChallengesAgainst))
		return round1(base)
	}
	passRate := float64(s.DeliveriesSucceeded) / float64(deliveries)
	onTimeRate := float64(s.OnTimeDeliveries) / float64(deliveries)
	avgEta := float64(s.TotalEtaMinutes) / float64(deliveries)
	avgActual := float64(s.TotalActualMinutes) / float64(deliveries)

	var quoteAcc float64
	if avgEta != 0 {
		quoteAcc = math.Max(0, 1-math.Abs(avgActual-avgEta)/avgEta)
	}

	base := 100 * (0.4*passRate + 0.3*onTimeRate + 0.3*quoteAcc)
	score := clamp(0, 100, base-5*float64(s.ChallengesAgainst))
	return round1(score)
}

func clamp(lo, hi, v float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
