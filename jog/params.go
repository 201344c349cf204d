// Package jog turns streaming twist and joint jog commands into joint trajectories at a fixed
// control rate, slowing down near singularities and collisions.
package jog

import (
	"time"

	"go.uber.org/multierr"
)

// Command input types.
const (
	// CommandInUnitless commands are in [-1, 1] and scaled by the configured maximum speeds.
	CommandInUnitless = "unitless"
	// CommandInSpeedUnits commands are in m/s, rad/s.
	CommandInSpeedUnits = "speed_units"
)

// Command output types.
const (
	// CommandOutTrajectory publishes a structured joint trajectory.
	CommandOutTrajectory = "joint_trajectory"
	// CommandOutFloatArray publishes a flat array of positions or velocities.
	CommandOutFloatArray = "float64_multi_array"
)

// FrameBase is the command frame meaning the base of the arm.
const FrameBase = "base"

// Parameters configure a jog server. They are read once at startup.
type Parameters struct {
	PublishPeriod      float64 `json:"publish_period" mapstructure:"publish_period"` // s
	PublishDelay       float64 `json:"publish_delay" mapstructure:"publish_delay"`   // s
	CollisionCheckRate float64 `json:"collision_check_rate" mapstructure:"collision_check_rate"`

	LinearScale     float64 `json:"linear_scale" mapstructure:"linear_scale"`         // m/s
	RotationalScale float64 `json:"rotational_scale" mapstructure:"rotational_scale"` // rad/s
	JointScale      float64 `json:"joint_scale" mapstructure:"joint_scale"`           // rad/s

	LowPassFilterCoeff float64 `json:"low_pass_filter_coeff" mapstructure:"low_pass_filter_coeff"`
	CommandInType      string  `json:"command_in_type" mapstructure:"command_in_type"`
	CommandFrame       string  `json:"command_frame" mapstructure:"command_frame"`

	IncomingCommandTimeout float64 `json:"incoming_command_timeout" mapstructure:"incoming_command_timeout"` // s

	LowerSingularityThreshold    float64 `json:"lower_singularity_threshold" mapstructure:"lower_singularity_threshold"`
	HardStopSingularityThreshold float64 `json:"hard_stop_singularity_threshold" mapstructure:"hard_stop_singularity_threshold"`
	JacobianDamping              float64 `json:"jacobian_damping" mapstructure:"jacobian_damping"`

	SelfCollisionProximityThreshold  float64 `json:"self_collision_proximity_threshold" mapstructure:"self_collision_proximity_threshold"`   // m
	SceneCollisionProximityThreshold float64 `json:"scene_collision_proximity_threshold" mapstructure:"scene_collision_proximity_threshold"` // m
	ScenePadding                     float64 `json:"scene_padding" mapstructure:"scene_padding"`                                             // m
	CheckCollisions                  bool    `json:"check_collisions" mapstructure:"check_collisions"`

	JointLimitMargin float64 `json:"joint_limit_margin" mapstructure:"joint_limit_margin"` // rad

	CommandOutType            string `json:"command_out_type" mapstructure:"command_out_type"`
	PublishJointPositions     bool   `json:"publish_joint_positions" mapstructure:"publish_joint_positions"`
	PublishJointVelocities    bool   `json:"publish_joint_velocities" mapstructure:"publish_joint_velocities"`
	PublishJointAccelerations bool   `json:"publish_joint_accelerations" mapstructure:"publish_joint_accelerations"`

	MoveGroupName          string `json:"move_group_name" mapstructure:"move_group_name"`
	SimulatorCompatibility bool   `json:"simulator_compatibility" mapstructure:"simulator_compatibility"`
}

// DefaultParameters returns parameters suited to a small desktop arm at 50 Hz.
func DefaultParameters() Parameters {
	return Parameters{
		PublishPeriod:      0.02,
		PublishDelay:       0.005,
		CollisionCheckRate: 20,

		LinearScale:     0.2,
		RotationalScale: 0.8,
		JointScale:      0.5,

		LowPassFilterCoeff: 2,
		CommandInType:      CommandInUnitless,
		CommandFrame:       FrameBase,

		IncomingCommandTimeout: 0.5,

		LowerSingularityThreshold:    30,
		HardStopSingularityThreshold: 60,
		JacobianDamping:              0.001,

		SelfCollisionProximityThreshold:  0.01,
		SceneCollisionProximityThreshold: 0.02,
		CheckCollisions:                  true,

		JointLimitMargin: 0.1,

		CommandOutType:         CommandOutTrajectory,
		PublishJointPositions:  true,
		PublishJointVelocities: true,

		MoveGroupName: "so101",
	}
}

// Validate reports every invalid parameter. Each failure is a *ConfigurationError.
func (p *Parameters) Validate() error {
	var err error
	nonNegative := func(field string, v float64) {
		if v < 0 {
			err = multierr.Append(err, configErr(field, "must not be negative, got %v", v))
		}
	}

	if p.PublishPeriod <= 0 {
		err = multierr.Append(err, configErr("publish_period", "must be positive, got %v", p.PublishPeriod))
	}
	nonNegative("publish_delay", p.PublishDelay)
	nonNegative("linear_scale", p.LinearScale)
	nonNegative("rotational_scale", p.RotationalScale)
	nonNegative("joint_scale", p.JointScale)
	nonNegative("low_pass_filter_coeff", p.LowPassFilterCoeff)
	nonNegative("incoming_command_timeout", p.IncomingCommandTimeout)
	nonNegative("lower_singularity_threshold", p.LowerSingularityThreshold)
	nonNegative("hard_stop_singularity_threshold", p.HardStopSingularityThreshold)
	nonNegative("jacobian_damping", p.JacobianDamping)
	nonNegative("self_collision_proximity_threshold", p.SelfCollisionProximityThreshold)
	nonNegative("scene_collision_proximity_threshold", p.SceneCollisionProximityThreshold)
	nonNegative("scene_padding", p.ScenePadding)
	nonNegative("joint_limit_margin", p.JointLimitMargin)

	if p.HardStopSingularityThreshold <= p.LowerSingularityThreshold {
		err = multierr.Append(err, configErr("hard_stop_singularity_threshold",
			"must be greater than lower_singularity_threshold (%v), got %v",
			p.LowerSingularityThreshold, p.HardStopSingularityThreshold))
	}
	if p.CheckCollisions && p.CollisionCheckRate <= 0 {
		err = multierr.Append(err, configErr("collision_check_rate", "must be positive, got %v", p.CollisionCheckRate))
	}

	switch p.CommandInType {
	case CommandInUnitless, CommandInSpeedUnits:
	default:
		err = multierr.Append(err, configErr("command_in_type",
			"must be %q or %q, got %q", CommandInUnitless, CommandInSpeedUnits, p.CommandInType))
	}

	switch p.CommandOutType {
	case CommandOutTrajectory:
	case CommandOutFloatArray:
		if p.PublishJointPositions == p.PublishJointVelocities {
			err = multierr.Append(err, configErr("command_out_type",
				"%s needs exactly one of publish_joint_positions or publish_joint_velocities", CommandOutFloatArray))
		}
	default:
		err = multierr.Append(err, configErr("command_out_type",
			"must be %q or %q, got %q", CommandOutTrajectory, CommandOutFloatArray, p.CommandOutType))
	}

	if !p.PublishJointPositions && !p.PublishJointVelocities && !p.PublishJointAccelerations {
		err = multierr.Append(err, configErr("publish_joint_positions",
			"at least one of positions, velocities or accelerations must be published"))
	}
	return err
}

// Period returns the publish period.
func (p *Parameters) Period() time.Duration {
	return seconds(p.PublishPeriod)
}

// Timeout returns the incoming command timeout.
func (p *Parameters) Timeout() time.Duration {
	return seconds(p.IncomingCommandTimeout)
}

// Delay returns the publish delay.
func (p *Parameters) Delay() time.Duration {
	return seconds(p.PublishDelay)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
