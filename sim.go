package jog_arm

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"

	"jog_arm/jog"
	"jog_arm/kinematics"
)

// SimArm is an in-process arm that follows published commands exactly. Position commands
// jump to the target; velocity commands are integrated over clock time between reads.
type SimArm struct {
	model *kinematics.Model
	clk   clock.Clock

	mu           sync.Mutex
	positions    []float64
	velocities   []float64
	lastUpdated  time.Time
	velocityData bool
	published    int
}

// NewSimArm returns a simulated arm resting at q0, or at zero when q0 is nil.
func NewSimArm(model *kinematics.Model, q0 []float64) *SimArm {
	return NewSimArmWithClock(model, q0, clock.New())
}

// NewSimArmWithClock is NewSimArm with an injected clock.
func NewSimArmWithClock(model *kinematics.Model, q0 []float64, clk clock.Clock) *SimArm {
	positions := make([]float64, model.DoF())
	copy(positions, q0)
	return &SimArm{
		model:       model,
		clk:         clk,
		positions:   positions,
		velocities:  make([]float64, model.DoF()),
		lastUpdated: clk.Now(),
	}
}

// AcceptVelocityData makes flat array commands velocities instead of positions.
func (s *SimArm) AcceptVelocityData(velocities bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.velocityData = velocities
}

// updateForTime integrates the current velocity up to now. Callers hold mu.
func (s *SimArm) updateForTime() {
	now := s.clk.Now()
	dt := now.Sub(s.lastUpdated).Seconds()
	s.lastUpdated = now
	if dt <= 0 {
		return
	}
	for i := range s.positions {
		s.positions[i] += s.velocities[i] * dt
	}
	s.clampToLimits()
}

func (s *SimArm) clampToLimits() {
	for i, j := range s.model.Joints() {
		s.positions[i] = lo.Clamp(s.positions[i], j.Min, j.Max)
	}
}

// JointPositions returns the current joint positions.
func (s *SimArm) JointPositions(context.Context) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateForTime()
	return append([]float64(nil), s.positions...), nil
}

// Publish applies a jog command.
func (s *SimArm) Publish(_ context.Context, cmd jog.OutgoingCommand) error {
	var positions, velocities []float64
	switch {
	case cmd.Trajectory != nil && len(cmd.Trajectory.Points) > 0:
		positions = cmd.Trajectory.Points[0].Positions
		velocities = cmd.Trajectory.Points[0].Velocities
	case cmd.Type == jog.CommandOutFloatArray:
		s.mu.Lock()
		if s.velocityData {
			velocities = cmd.Data
		} else {
			positions = cmd.Data
		}
		s.mu.Unlock()
	}
	if positions != nil && len(positions) != s.model.DoF() {
		return errDoF(s.model.DoF(), len(positions))
	}
	if velocities != nil && len(velocities) != s.model.DoF() {
		return errDoF(s.model.DoF(), len(velocities))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateForTime()
	switch {
	case positions != nil:
		copy(s.positions, positions)
		clear(s.velocities)
		s.clampToLimits()
	case velocities != nil:
		copy(s.velocities, velocities)
	}
	s.published++
	return nil
}

// Published returns how many commands the arm has received.
func (s *SimArm) Published() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published
}

// Close stops the arm.
func (s *SimArm) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateForTime()
	clear(s.velocities)
	return nil
}
