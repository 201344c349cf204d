package jog

import (
	"fmt"

	"github.com/pkg/errors"

	"jog_arm/kinematics"
)

var (
	// ErrStaleCommand means no command arrived within the incoming command timeout.
	ErrStaleCommand = errors.New("incoming command is stale")
	// ErrZeroCommand means the latest commands are all zero.
	ErrZeroCommand = errors.New("incoming command is all zero")
	// ErrInvalidCommand means a command could not be used: NaN, out of range or malformed.
	ErrInvalidCommand = errors.New("invalid jog command")
	// ErrJointBounds means the computed motion would leave the joint position or velocity limits.
	ErrJointBounds = errors.New("joint bounds would be exceeded")
	// ErrMissingJoint means a joint was not found in the joint state or model.
	ErrMissingJoint = kinematics.ErrMissingJoint
	// ErrDegenerateJacobian means the Jacobian could not be inverted.
	ErrDegenerateJacobian = kinematics.ErrDegenerateJacobian
)

// ConfigurationError reports an invalid parameter. It is fatal at startup.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid jog parameter %q: %s", e.Field, e.Reason)
}

func configErr(field, format string, args ...interface{}) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
