package collision

import "math"

// MinimumRecommendedRate is the slowest collision check rate in Hz that still gives the
// monitor time to react before contact.
const MinimumRecommendedRate = 10.0

// residualScale is the scale reached at zero distance.
const residualScale = 0.001

// Thresholds are the proximity distances in meters at which slowing starts.
type Thresholds struct {
	Self  float64
	Scene float64
}

// VelocityScale is exp(k(d-t)) with k chosen so the scale reaches residualScale at d = 0.
// Distances at or beyond the threshold give 1, distances at or below zero give residualScale.
func VelocityScale(distance, threshold float64) float64 {
	if distance >= threshold {
		return 1
	}
	if threshold <= 0 {
		return 0
	}
	if distance <= 0 {
		return residualScale
	}
	k := -math.Log(residualScale) / threshold
	return math.Exp(k * (distance - threshold))
}

// CombineScale merges self and scene results: any contact stops motion, otherwise the
// smallest per-threshold scale wins.
func CombineScale(self, scene Result, th Thresholds) float64 {
	if self.Collision || scene.Collision {
		return 0
	}
	return math.Min(VelocityScale(self.Distance, th.Self), VelocityScale(scene.Distance, th.Scene))
}
