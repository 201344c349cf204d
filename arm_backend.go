package jog_arm

import (
	"context"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/arm"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"

	"jog_arm/jog"
	"jog_arm/kinematics"
)

// armBackend jogs another arm component through its joint position API.
type armBackend struct {
	arm    arm.Arm
	dof    int
	logger logging.Logger
}

func newArmBackend(deps resource.Dependencies, name string, model *kinematics.Model, logger logging.Logger) (*armBackend, error) {
	res, err := deps.Lookup(resource.NewName(arm.API, name))
	if err != nil {
		return nil, errors.Wrapf(err, "arm %q is not available", name)
	}
	a, ok := res.(arm.Arm)
	if !ok {
		return nil, errors.Errorf("resource %q is not an arm", name)
	}
	return &armBackend{arm: a, dof: model.DoF(), logger: logger}, nil
}

func (b *armBackend) JointPositions(ctx context.Context) ([]float64, error) {
	inputs, err := b.arm.JointPositions(ctx, nil)
	if err != nil {
		return nil, err
	}
	if len(inputs) != b.dof {
		return nil, errors.Errorf("expected %d joint positions from the arm, got %d", b.dof, len(inputs))
	}
	return inputs, nil
}

func (b *armBackend) Publish(ctx context.Context, cmd jog.OutgoingCommand) error {
	positions, err := commandPositions(cmd, b.dof)
	if err != nil {
		return err
	}
	return b.arm.MoveToJointPositions(ctx, positions, nil)
}

// Close leaves the arm alone; it belongs to its own component.
func (b *armBackend) Close(context.Context) error {
	return nil
}
