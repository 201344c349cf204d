package jog

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"jog_arm/kinematics"
)

// singularityLookahead is the Cartesian step taken along the singular direction to find out
// which way the singularity lies.
const singularityLookahead = 0.01

// singularityScale returns the velocity scale for a Cartesian command at positions q.
//
// The left singular vector of the smallest singular value is the direction the arm is least
// able to move in. A small step along it tells which sign leads toward the singularity. When
// the command has a component in that direction and the condition number is above the lower
// threshold the command ramps down linearly, reaching zero at the hard stop threshold.
// Commands leading away from the singularity run unscaled even past the hard stop, so an
// arm stopped at a singularity can always be jogged back out of it.
func (c *Calculator) singularityScale(q []float64, dec *kinematics.Decomposition, pinv mat.Matrix, command []float64) float64 {
	condition := dec.Condition()
	lower, hard := c.params.LowerSingularityThreshold, c.params.HardStopSingularityThreshold
	if condition <= lower {
		return 1
	}

	toward := dec.SmallestDirection()
	step := make([]float64, len(toward))
	floats.ScaleTo(step, singularityLookahead, toward)
	ahead := kinematics.MulVec(pinv, step)
	floats.Add(ahead, q)

	if st, err := c.model.Forward(ahead); err == nil {
		if next, err := kinematics.Decompose(c.model.Jacobian(st)); err == nil && condition >= next.Condition() {
			floats.Scale(-1, toward)
		}
	}

	if floats.Dot(toward, command) <= 0 {
		return 1
	}
	if condition >= hard {
		return 0
	}
	return 1 - (condition-lower)/(hard-lower)
}
