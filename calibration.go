package jog_arm

import (
	"encoding/json"
	"math"
	"os"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.viam.com/rdk/logging"
)

// encoderResolution is the count range of an STS3215 over one turn.
const encoderResolution = 4095

// JointCalibration maps raw encoder counts of one servo to a joint angle. The field names
// match the calibration files written by the SO-101 calibration tooling.
type JointCalibration struct {
	ID           int `json:"id"`
	DriveMode    int `json:"drive_mode"`
	HomingOffset int `json:"homing_offset"`
	RangeMin     int `json:"range_min"`
	RangeMax     int `json:"range_max"`
}

// Validate checks if the calibration parameters are valid
func (c JointCalibration) Validate() error {
	if c.ID < 0 || c.ID > 253 {
		return errors.Errorf("invalid servo ID: %d", c.ID)
	}
	if c.RangeMin >= c.RangeMax {
		return errors.Errorf("invalid range: min (%d) must be less than max (%d)", c.RangeMin, c.RangeMax)
	}
	if c.RangeMin < 0 || c.RangeMax > encoderResolution {
		return errors.Errorf("range values must be between 0-%d, got min=%d max=%d", encoderResolution, c.RangeMin, c.RangeMax)
	}
	return nil
}

func (c JointCalibration) center() float64 {
	return float64(c.RangeMin+c.RangeMax) / 2
}

// ToRadians converts a raw position to a joint angle, zero at the middle of the range.
func (c JointCalibration) ToRadians(raw int) float64 {
	rad := (float64(raw) - c.center()) * 2 * math.Pi / encoderResolution
	if c.DriveMode != 0 {
		rad = -rad
	}
	return rad
}

// FromRadians converts a joint angle to a raw position clamped to the calibrated range.
func (c JointCalibration) FromRadians(rad float64) int {
	if c.DriveMode != 0 {
		rad = -rad
	}
	raw := int(math.Round(rad*encoderResolution/(2*math.Pi) + c.center()))
	return lo.Clamp(raw, c.RangeMin, c.RangeMax)
}

// Calibration holds one entry per joint name. Entries for joints the model does not have,
// like a gripper, are kept but unused.
type Calibration map[string]JointCalibration

// DefaultCalibration centers every joint in a conservative range. Joints without a servo ID
// are numbered from 1.
func DefaultCalibration(jointNames []string, servoIDs []int) Calibration {
	cal := make(Calibration, len(jointNames))
	for i, name := range jointNames {
		id := i + 1
		if i < len(servoIDs) {
			id = servoIDs[i]
		}
		cal[name] = JointCalibration{ID: id, RangeMin: 500, RangeMax: 3500}
	}
	return cal
}

// ForJoints returns the calibrations in joint order. Missing joints are an error.
func (c Calibration) ForJoints(jointNames []string) ([]JointCalibration, error) {
	out := make([]JointCalibration, len(jointNames))
	for i, name := range jointNames {
		jc, ok := c[name]
		if !ok {
			return nil, errors.Errorf("calibration has no entry for joint %q", name)
		}
		if err := jc.Validate(); err != nil {
			return nil, errors.Wrapf(err, "joint %q", name)
		}
		out[i] = jc
	}
	return out, nil
}

// LoadCalibrationFile reads a calibration JSON file.
func LoadCalibrationFile(path string) (Calibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read calibration file")
	}
	var cal Calibration
	if err := json.Unmarshal(data, &cal); err != nil {
		return nil, errors.Wrap(err, "failed to parse calibration JSON")
	}
	return cal, nil
}

// SaveCalibrationFile writes cal as indented JSON.
func SaveCalibrationFile(path string, cal Calibration) error {
	data, err := json.MarshalIndent(cal, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode calibration")
	}
	return errors.Wrap(os.WriteFile(path, data, 0o644), "failed to write calibration file")
}

// LoadCalibration loads the configured calibration file, falling back to defaults. The
// second result reports whether the file was used.
func (cfg *Config) LoadCalibration(jointNames []string, logger logging.Logger) (Calibration, bool) {
	defaults := DefaultCalibration(jointNames, cfg.ServoIDs)
	if cfg.CalibrationFile == "" {
		logger.Debug("No calibration file specified, using default calibration")
		return defaults, false
	}

	path := moduleDataPath(cfg.CalibrationFile)
	cal, err := LoadCalibrationFile(path)
	if err != nil {
		logger.Warnf("Failed to load calibration from %s: %v, using default calibration", path, err)
		return defaults, false
	}
	if _, err := cal.ForJoints(jointNames); err != nil {
		logger.Warnf("Calibration in %s is unusable: %v, using default calibration", path, err)
		return defaults, false
	}

	logger.Infof("Successfully loaded calibration from %s", path)
	return cal, true
}
