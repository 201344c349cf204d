package jog_arm

import (
	"context"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"

	"jog_arm/jog"
	"jog_arm/kinematics"
)

// backend is the arm the service jogs: it reports joint positions in model order and
// accepts the published commands.
type backend interface {
	jog.Publisher
	JointPositions(ctx context.Context) ([]float64, error)
	Close(ctx context.Context) error
}

func newBackend(
	ctx context.Context,
	deps resource.Dependencies,
	cfg *Config,
	model *kinematics.Model,
	logger logging.Logger,
) (backend, error) {
	switch cfg.Backend {
	case BackendArm:
		return newArmBackend(deps, cfg.Arm, model, logger)
	case BackendServoBus:
		return newServoBackend(ctx, sharedBuses, cfg, model, logger)
	case BackendSim:
		return NewSimArm(model, nil), nil
	default:
		return nil, errors.Errorf("unknown backend %q", cfg.Backend)
	}
}

// commandPositions extracts the target joint positions from a published command.
func commandPositions(cmd jog.OutgoingCommand, dof int) ([]float64, error) {
	var positions []float64
	switch {
	case cmd.Trajectory != nil && len(cmd.Trajectory.Points) > 0:
		positions = cmd.Trajectory.Points[0].Positions
	case cmd.Type == jog.CommandOutFloatArray:
		positions = cmd.Data
	}
	if len(positions) != dof {
		return nil, errDoF(dof, len(positions))
	}
	return positions, nil
}

func errDoF(want, got int) error {
	return errors.Errorf("expected %d joint values, got %d", want, got)
}
