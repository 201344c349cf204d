package kinematics

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"
)

// State is the result of forward kinematics for one set of joint positions. Poses are in the
// world frame, millimeters.
type State struct {
	Positions   []float64
	EndEffector spatialmath.Pose

	jointPoses []spatialmath.Pose // pose of each joint frame before its own motion
	linkPoses  []spatialmath.Pose // pose each link is attached at
}

// Forward computes the pose of every frame in the chain.
func (m *Model) Forward(positions []float64) (*State, error) {
	if len(positions) != len(m.joints) {
		return nil, errors.Errorf("expected %d joint positions, got %d", len(m.joints), len(positions))
	}
	for i, p := range positions {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return nil, errors.Errorf("joint %q position is not finite", m.joints[i].Name)
		}
	}

	st := &State{
		Positions:  append([]float64(nil), positions...),
		jointPoses: make([]spatialmath.Pose, len(m.joints)),
		linkPoses:  make([]spatialmath.Pose, len(m.links)),
	}
	pose := spatialmath.NewZeroPose()
	for _, f := range m.frames {
		if f.link >= 0 {
			st.linkPoses[f.link] = pose
			pose = spatialmath.Compose(pose, spatialmath.NewPoseFromPoint(m.links[f.link].Translation))
			continue
		}
		j := m.joints[f.joint]
		st.jointPoses[f.joint] = pose
		q := positions[f.joint]
		switch j.Type {
		case Prismatic:
			pose = spatialmath.Compose(pose, spatialmath.NewPoseFromPoint(j.Axis.Mul(q*1000)))
		default:
			if q == 0 {
				continue
			}
			rot := &spatialmath.R4AA{Theta: q, RX: j.Axis.X, RY: j.Axis.Y, RZ: j.Axis.Z}
			pose = spatialmath.Compose(pose, spatialmath.NewPose(r3.Vector{}, rot))
		}
	}
	st.EndEffector = pose
	return st, nil
}

// EndEffectorPoint returns the end effector position in meters.
func (st *State) EndEffectorPoint() r3.Vector {
	return st.EndEffector.Point().Mul(0.001)
}

// RotateToWorld expresses a vector given in the end effector frame in the world frame.
func (st *State) RotateToWorld(v r3.Vector) r3.Vector {
	return rotate(st.EndEffector, v)
}

// rotate applies only the orientation of p to v.
func rotate(p spatialmath.Pose, v r3.Vector) r3.Vector {
	return spatialmath.Compose(p, spatialmath.NewPoseFromPoint(v)).Point().Sub(p.Point())
}

// Geometries returns the link collision geometries placed in the world frame.
func (m *Model) Geometries(st *State) []spatialmath.Geometry {
	out := make([]spatialmath.Geometry, 0, len(m.links))
	for i, l := range m.links {
		if l.geometry == nil {
			continue
		}
		out = append(out, l.geometry.Transform(st.linkPoses[i]))
	}
	return out
}
