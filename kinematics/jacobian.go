package kinematics

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Jacobian returns the 6xN geometric Jacobian of the end effector in the world frame. Rows
// are linear velocity (m/s) then angular velocity (rad/s); columns are joints in chain order.
func (m *Model) Jacobian(st *State) *mat.Dense {
	jac := mat.NewDense(6, len(m.joints), nil)
	pe := st.EndEffector.Point().Mul(0.001)

	for i, j := range m.joints {
		frame := st.jointPoses[i]
		axis := rotate(frame, j.Axis).Normalize()

		var lin, ang r3.Vector
		switch j.Type {
		case Prismatic:
			lin = axis
		default:
			pi := frame.Point().Mul(0.001)
			lin = axis.Cross(pe.Sub(pi))
			ang = axis
		}
		jac.Set(0, i, lin.X)
		jac.Set(1, i, lin.Y)
		jac.Set(2, i, lin.Z)
		jac.Set(3, i, ang.X)
		jac.Set(4, i, ang.Y)
		jac.Set(5, i, ang.Z)
	}
	return jac
}
