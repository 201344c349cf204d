package jog

import (
	"math"
	"sync"
	"time"

	"github.com/golang/geo/r3"

	"jog_arm/kinematics"
)

// Twist is a Cartesian velocity or displacement command.
type Twist struct {
	Linear  r3.Vector
	Angular r3.Vector
}

// IsZero reports whether every component is zero.
func (t Twist) IsZero() bool {
	return t.Linear == (r3.Vector{}) && t.Angular == (r3.Vector{})
}

func (t Twist) vector() []float64 {
	return []float64{t.Linear.X, t.Linear.Y, t.Linear.Z, t.Angular.X, t.Angular.Y, t.Angular.Z}
}

// TwistCommand is a stamped Cartesian command. An empty Frame means the configured frame.
type TwistCommand struct {
	Twist
	Frame string
	Stamp time.Time
}

// JointJogCommand is a stamped set of per joint commands.
type JointJogCommand struct {
	Names  []string
	Deltas []float64
	Stamp  time.Time
}

func (c JointJogCommand) isZero() bool {
	for _, d := range c.Deltas {
		if d != 0 {
			return false
		}
	}
	return true
}

// SharedState is the state exchanged between command listeners, the calculation loop, the
// collision monitor and the publish loop. One mutex guards all of it; every method holds it
// only long enough to copy values in or out.
type SharedState struct {
	mu sync.Mutex

	commandDeltas      TwistCommand
	jointCommandDeltas JointJogCommand
	zeroCartesianCmd   bool
	zeroJointCmd       bool
	incomingCmdStamp   time.Time
	commandIsStale     bool

	joints kinematics.JointState

	newTraj     Trajectory
	okToPublish bool

	collisionVelocityScale float64
}

// NewSharedState returns state with no commands and no slowdown.
func NewSharedState() *SharedState {
	return &SharedState{
		zeroCartesianCmd:       true,
		zeroJointCmd:           true,
		commandIsStale:         true,
		collisionVelocityScale: 1,
	}
}

// SetTwistCommand stores the latest Cartesian command.
func (s *SharedState) SetTwistCommand(cmd TwistCommand) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commandDeltas = cmd
	s.zeroCartesianCmd = cmd.IsZero()
	// the newest command wins
	s.zeroJointCmd = true
	s.incomingCmdStamp = cmd.Stamp
}

// SetJointJogCommand stores the latest joint command.
func (s *SharedState) SetJointJogCommand(cmd JointJogCommand) {
	cmd.Names = append([]string(nil), cmd.Names...)
	cmd.Deltas = append([]float64(nil), cmd.Deltas...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jointCommandDeltas = cmd
	s.zeroJointCmd = cmd.isZero()
	s.zeroCartesianCmd = true
	s.incomingCmdStamp = cmd.Stamp
}

// SetJoints stores the latest joint state.
func (s *SharedState) SetJoints(js kinematics.JointState) {
	js = js.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joints = js
}

// Joints returns a copy of the latest joint state.
func (s *SharedState) Joints() kinematics.JointState {
	s.mu.Lock()
	js := s.joints
	s.mu.Unlock()
	return js.Clone()
}

// SetCollisionVelocityScale stores the latest collision scale, clamped to [0, 1]. NaN is
// treated as a stop.
func (s *SharedState) SetCollisionVelocityScale(scale float64) {
	switch {
	case math.IsNaN(scale) || scale < 0:
		scale = 0
	case scale > 1:
		scale = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collisionVelocityScale = scale
}

// CollisionVelocityScale returns the latest collision scale.
func (s *SharedState) CollisionVelocityScale() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collisionVelocityScale
}

// calcInput is what one calculation tick reads.
type calcInput struct {
	twist            TwistCommand
	jointJog         JointJogCommand
	zeroCartesianCmd bool
	zeroJointCmd     bool
	incomingCmdStamp time.Time
	joints           kinematics.JointState
	collisionScale   float64
}

func (s *SharedState) calcSnapshot() calcInput {
	s.mu.Lock()
	in := calcInput{
		twist:            s.commandDeltas,
		jointJog:         s.jointCommandDeltas,
		zeroCartesianCmd: s.zeroCartesianCmd,
		zeroJointCmd:     s.zeroJointCmd,
		incomingCmdStamp: s.incomingCmdStamp,
		joints:           s.joints,
		collisionScale:   s.collisionVelocityScale,
	}
	s.mu.Unlock()
	// slices are replaced, never mutated, so sharing them past the lock is safe
	return in
}

func (s *SharedState) storeTrajectory(traj Trajectory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.newTraj = traj
	s.okToPublish = true
}

func (s *SharedState) suppressPublishing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.okToPublish = false
}

// publishSnapshot updates staleness for now and returns what should be published.
func (s *SharedState) publishSnapshot(now time.Time, timeout time.Duration) (Trajectory, bool, bool) {
	s.mu.Lock()
	s.commandIsStale = isStale(now, s.incomingCmdStamp, timeout)
	traj, ok, stale := s.newTraj, s.okToPublish, s.commandIsStale
	s.mu.Unlock()
	return traj.Clone(), ok, stale
}

// StateSnapshot is a point in time view of the shared state.
type StateSnapshot struct {
	OkToPublish            bool
	CommandIsStale         bool
	ZeroCartesianCommand   bool
	ZeroJointCommand       bool
	IncomingCommandStamp   time.Time
	CollisionVelocityScale float64
	Joints                 kinematics.JointState
	Trajectory             Trajectory
}

// Snapshot returns a copy of the shared state.
func (s *SharedState) Snapshot() StateSnapshot {
	s.mu.Lock()
	snap := StateSnapshot{
		OkToPublish:            s.okToPublish,
		CommandIsStale:         s.commandIsStale,
		ZeroCartesianCommand:   s.zeroCartesianCmd,
		ZeroJointCommand:       s.zeroJointCmd,
		IncomingCommandStamp:   s.incomingCmdStamp,
		CollisionVelocityScale: s.collisionVelocityScale,
		Joints:                 s.joints,
		Trajectory:             s.newTraj,
	}
	s.mu.Unlock()
	snap.Joints = snap.Joints.Clone()
	snap.Trajectory = snap.Trajectory.Clone()
	return snap
}

// isStale reports whether a command stamped at stamp has timed out at now.
func isStale(now, stamp time.Time, timeout time.Duration) bool {
	return now.Sub(stamp) > timeout
}
