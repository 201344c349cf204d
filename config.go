package jog_arm

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"jog_arm/acm"
	"jog_arm/collision"
	"jog_arm/jog"
	"jog_arm/kinematics"
)

// Backends the service can drive.
const (
	BackendArm      = "arm"
	BackendServoBus = "servo_bus"
	BackendSim      = "sim"
)

// PortAuto asks the servo bus backend to find the arm on the first USB serial port that answers.
const PortAuto = "auto"

const (
	defaultBaudrate       = 1000000
	defaultBusTimeout     = time.Second
	defaultJointStateRate = 50.0

	defaultCalibrationFile = "so101_calibration.json"
)

// Config is the attribute set of the jog service.
type Config struct {
	Backend string `json:"backend,omitempty"`

	// arm backend
	Arm string `json:"arm,omitempty"`

	// servo_bus backend
	Port            string `json:"port,omitempty"`
	Baudrate        int    `json:"baudrate,omitempty"`
	ServoIDs        []int  `json:"servo_ids,omitempty"`
	TimeoutMs       int    `json:"timeout_ms,omitempty"`
	CalibrationFile string `json:"calibration_file,omitempty"`

	// ModelFile replaces the builtin model named by jog.move_group_name.
	ModelFile string `json:"model_file,omitempty"`

	JointStateRate float64 `json:"joint_state_rate_hz,omitempty"`

	// Jog holds jog parameters keyed like the parameter file. Missing keys keep their defaults.
	Jog map[string]any `json:"jog,omitempty"`

	CollisionMatrix *acm.Config                `json:"collision_matrix,omitempty"`
	Obstacles       []collision.ObstacleConfig `json:"obstacles,omitempty"`
}

// Validate ensures all parts of the config are valid
func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.Backend == "" {
		switch {
		case cfg.Arm != "":
			cfg.Backend = BackendArm
		case cfg.Port != "":
			cfg.Backend = BackendServoBus
		default:
			return nil, nil, goutils.NewConfigValidationFieldRequiredError(path, "arm")
		}
	}
	if cfg.JointStateRate == 0 {
		cfg.JointStateRate = defaultJointStateRate
	}
	if cfg.JointStateRate < 0 {
		return nil, nil, errors.Errorf("joint_state_rate_hz must be positive, got %v", cfg.JointStateRate)
	}

	params, err := cfg.Parameters()
	if err != nil {
		return nil, nil, err
	}
	model, err := cfg.KinematicModel(params)
	if err != nil {
		return nil, nil, err
	}

	var deps []string
	switch cfg.Backend {
	case BackendArm:
		if cfg.Arm == "" {
			return nil, nil, goutils.NewConfigValidationFieldRequiredError(path, "arm")
		}
		deps = append(deps, cfg.Arm)
	case BackendServoBus:
		if cfg.Port == "" {
			return nil, nil, goutils.NewConfigValidationFieldRequiredError(path, "port")
		}
		if cfg.Baudrate == 0 {
			cfg.Baudrate = defaultBaudrate
		}
		if len(cfg.ServoIDs) == 0 {
			for i := range model.DoF() {
				cfg.ServoIDs = append(cfg.ServoIDs, i+1)
			}
		}
		if len(cfg.ServoIDs) != model.DoF() {
			return nil, nil, errors.Errorf("expected %d servo IDs for %s, got %d", model.DoF(), model.Name(), len(cfg.ServoIDs))
		}
	case BackendSim:
	default:
		return nil, nil, errors.Errorf("backend must be one of %q, %q or %q, got %q", BackendArm, BackendServoBus, BackendSim, cfg.Backend)
	}

	if cfg.Backend != BackendSim && !params.PublishJointPositions {
		return nil, nil, errors.Errorf("the %s backend is position controlled and needs jog.publish_joint_positions", cfg.Backend)
	}

	for _, o := range cfg.Obstacles {
		err = multierr.Append(err, o.Validate())
	}
	if cfg.CollisionMatrix != nil {
		err = multierr.Append(err, cfg.CollisionMatrix.Validate())
	}
	if err != nil {
		return nil, nil, err
	}

	var warnings []string
	if cfg.JointStateRate < 1/params.PublishPeriod {
		warnings = append(warnings, "joint_state_rate_hz is below the jog publish rate, commands will be computed from old joint states")
	}
	return deps, warnings, nil
}

// Parameters returns the jog parameters with the configured overrides applied.
func (cfg *Config) Parameters() (jog.Parameters, error) {
	return jog.ParametersFromMap(cfg.Jog)
}

// KinematicModel loads model_file when set, otherwise the builtin model named by the move group.
func (cfg *Config) KinematicModel(params jog.Parameters) (*kinematics.Model, error) {
	if cfg.ModelFile != "" {
		return kinematics.ParseModelFile(moduleDataPath(cfg.ModelFile))
	}
	return kinematics.Builtin(params.MoveGroupName)
}

// Matrix builds the allowed collision matrix: adjacent links may touch, plus configured entries.
func (cfg *Config) Matrix(model *kinematics.Model) (*acm.Matrix, error) {
	m := collision.DefaultMatrix(model)
	if err := cfg.CollisionMatrix.Apply(m); err != nil {
		return nil, err
	}
	return m, nil
}

// World builds the configured obstacle set.
func (cfg *Config) World() (*collision.World, error) {
	geoms, err := collision.Geometries(cfg.Obstacles)
	if err != nil {
		return nil, err
	}
	w := collision.NewWorld()
	if err := w.SetObstacles(geoms); err != nil {
		return nil, err
	}
	return w, nil
}

func (cfg *Config) busTimeout() time.Duration {
	if cfg.TimeoutMs <= 0 {
		return defaultBusTimeout
	}
	return time.Duration(cfg.TimeoutMs) * time.Millisecond
}

func moduleDataDir() string {
	dir := os.Getenv("VIAM_MODULE_DATA")
	if dir == "" {
		dir = "/tmp" // Fallback if VIAM_MODULE_DATA not set
	}
	return dir
}

// moduleDataPath resolves relative paths against VIAM_MODULE_DATA.
func moduleDataPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(moduleDataDir(), name)
}
