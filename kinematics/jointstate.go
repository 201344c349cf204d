package kinematics

import (
	"time"

	"github.com/pkg/errors"
)

// ErrMissingJoint is returned when a joint state does not contain every joint of the model.
var ErrMissingJoint = errors.New("joint missing from joint state")

// JointState is a snapshot of named joint positions and, optionally, velocities.
type JointState struct {
	Names      []string
	Positions  []float64
	Velocities []float64
	Stamp      time.Time
}

// Clone returns a deep copy.
func (js JointState) Clone() JointState {
	return JointState{
		Names:      append([]string(nil), js.Names...),
		Positions:  append([]float64(nil), js.Positions...),
		Velocities: append([]float64(nil), js.Velocities...),
		Stamp:      js.Stamp,
	}
}

// Empty reports whether no joints have been received.
func (js JointState) Empty() bool {
	return len(js.Names) == 0
}

// Extract returns positions ordered like the model's joints. Extra joints in the state are
// ignored.
func (m *Model) Extract(js JointState) ([]float64, error) {
	if len(js.Positions) < len(js.Names) {
		return nil, errors.Errorf("joint state has %d names but %d positions", len(js.Names), len(js.Positions))
	}
	index := make(map[string]int, len(js.Names))
	for i, n := range js.Names {
		index[n] = i
	}
	out := make([]float64, len(m.joints))
	for i, j := range m.joints {
		k, ok := index[j.Name]
		if !ok {
			return nil, errors.Wrapf(ErrMissingJoint, "%q", j.Name)
		}
		out[i] = js.Positions[k]
	}
	return out, nil
}

// NewJointState builds a state for the model's joints in chain order.
func (m *Model) NewJointState(positions, velocities []float64, stamp time.Time) JointState {
	return JointState{
		Names:      m.JointNames(),
		Positions:  append([]float64(nil), positions...),
		Velocities: append([]float64(nil), velocities...),
		Stamp:      stamp,
	}
}
