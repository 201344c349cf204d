package jog_arm

import (
	"context"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// JointReader reads joint positions from a configured backend outside of a running service,
// for tools that help pose or calibrate an arm.
type JointReader struct {
	Names   []string
	backend backend
}

// OpenJointReader validates cfg and opens its backend. The arm backend needs a robot and is
// not supported here.
func OpenJointReader(ctx context.Context, cfg *Config, logger logging.Logger) (*JointReader, error) {
	if _, _, err := cfg.Validate("reader"); err != nil {
		return nil, err
	}
	if cfg.Backend == BackendArm {
		return nil, errors.New("the arm backend can only be read through a robot")
	}
	params, err := cfg.Parameters()
	if err != nil {
		return nil, err
	}
	model, err := cfg.KinematicModel(params)
	if err != nil {
		return nil, err
	}
	b, err := newBackend(ctx, nil, cfg, model, logger)
	if err != nil {
		return nil, err
	}
	return &JointReader{Names: model.JointNames(), backend: b}, nil
}

// Read returns the joint positions in radians, ordered like Names.
func (r *JointReader) Read(ctx context.Context) ([]float64, error) {
	return r.backend.JointPositions(ctx)
}

// SetTorque enables or disables holding torque so the arm can be moved by hand.
func (r *JointReader) SetTorque(ctx context.Context, enabled bool) error {
	sb, ok := r.backend.(*servoBackend)
	if !ok {
		return errors.New("torque control needs the servo_bus backend")
	}
	return sb.setTorque(ctx, enabled)
}

// Close releases the backend.
func (r *JointReader) Close(ctx context.Context) error {
	return r.backend.Close(ctx)
}
