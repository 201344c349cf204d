package jog

import (
	"context"
	"time"
)

// simulatorPointCount is the number of points a trajectory is padded to for simulators that
// drop short trajectories.
const simulatorPointCount = 30

// TrajectoryPoint is one waypoint. Unpublished streams are nil.
type TrajectoryPoint struct {
	Positions     []float64
	Velocities    []float64
	Accelerations []float64
	TimeFromStart time.Duration
}

// Trajectory is the structured output of the jog calculation.
type Trajectory struct {
	Stamp      time.Time
	JointNames []string
	Points     []TrajectoryPoint
}

// Clone returns a deep copy.
func (t Trajectory) Clone() Trajectory {
	out := Trajectory{
		Stamp:      t.Stamp,
		JointNames: append([]string(nil), t.JointNames...),
		Points:     make([]TrajectoryPoint, len(t.Points)),
	}
	for i, p := range t.Points {
		out.Points[i] = TrajectoryPoint{
			Positions:     cloneFloats(p.Positions),
			Velocities:    cloneFloats(p.Velocities),
			Accelerations: cloneFloats(p.Accelerations),
			TimeFromStart: p.TimeFromStart,
		}
	}
	return out
}

func cloneFloats(v []float64) []float64 {
	if v == nil {
		return nil
	}
	return append([]float64(nil), v...)
}

// OutgoingCommand is what the server hands to its Publisher. Exactly one of Trajectory and
// Data is set, depending on Type.
type OutgoingCommand struct {
	Type       string
	Trajectory *Trajectory
	Data       []float64
}

// Publisher delivers outgoing commands to the arm.
type Publisher interface {
	Publish(ctx context.Context, cmd OutgoingCommand) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, cmd OutgoingCommand) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, cmd OutgoingCommand) error {
	return f(ctx, cmd)
}

// composeTrajectory builds the output from the computed joint quantities, keeping only the
// configured streams.
func composeTrajectory(p *Parameters, names []string, positions, velocities, accelerations []float64) Trajectory {
	point := TrajectoryPoint{TimeFromStart: p.Delay()}
	if p.PublishJointPositions {
		point.Positions = cloneFloats(positions)
	}
	if p.PublishJointVelocities {
		point.Velocities = cloneFloats(velocities)
	}
	if p.PublishJointAccelerations {
		point.Accelerations = cloneFloats(accelerations)
	}

	traj := Trajectory{
		JointNames: append([]string(nil), names...),
		Points:     []TrajectoryPoint{point},
	}
	if p.SimulatorCompatibility {
		for i := 1; i < simulatorPointCount; i++ {
			traj.Points = append(traj.Points, TrajectoryPoint{
				Positions:     cloneFloats(point.Positions),
				Velocities:    cloneFloats(point.Velocities),
				Accelerations: cloneFloats(point.Accelerations),
				TimeFromStart: p.Delay() + time.Duration(i)*p.Period(),
			})
		}
	}
	return traj
}

// outgoing converts a trajectory to the configured output representation.
func outgoing(p *Parameters, traj Trajectory) OutgoingCommand {
	if p.CommandOutType == CommandOutFloatArray {
		var data []float64
		if len(traj.Points) > 0 {
			if p.PublishJointPositions {
				data = traj.Points[0].Positions
			} else {
				data = traj.Points[0].Velocities
			}
		}
		return OutgoingCommand{Type: CommandOutFloatArray, Data: cloneFloats(data)}
	}
	return OutgoingCommand{Type: CommandOutTrajectory, Trajectory: &traj}
}
