package jog_arm

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial/enumerator"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
	"go.viam.com/rdk/services/generic"
)

var DiscoveryModel = resource.NewModel("devrel", "jog", "discovery")

const probeTimeout = 500 * time.Millisecond

func init() {
	resource.RegisterService(
		discovery.API,
		DiscoveryModel,
		resource.Registration[discovery.Service, *DiscoveryConfig]{
			Constructor: newJogDiscovery,
		})
}

// DiscoveryConfig is the configuration for the discovery service
type DiscoveryConfig struct {
	Baudrate int `json:"baudrate,omitempty"`
	// ServoID is pinged on every candidate port, 1 (the shoulder) by default.
	ServoID int `json:"servo_id,omitempty"`
}

// Validate ensures the config is valid
func (cfg *DiscoveryConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Baudrate == 0 {
		cfg.Baudrate = defaultBaudrate
	}
	if cfg.ServoID == 0 {
		cfg.ServoID = 1
	}
	if cfg.ServoID < 0 || cfg.ServoID > 253 {
		return nil, nil, errors.Errorf("servo_id must be between 1 and 253, got %d", cfg.ServoID)
	}
	return nil, nil, nil
}

// jogDiscovery finds servo bus arms and proposes a jog service for each
type jogDiscovery struct {
	resource.Named
	resource.AlwaysRebuild
	resource.TriviallyCloseable
	cfg    *DiscoveryConfig
	open   func(busConfig) (servoBus, error)
	ports  func() []string
	logger logging.Logger
}

func newJogDiscovery(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
) (discovery.Service, error) {
	cfg, err := resource.NativeConfig[*DiscoveryConfig](conf)
	if err != nil {
		return nil, err
	}

	return &jogDiscovery{
		Named:  conf.ResourceName().AsNamed(),
		cfg:    cfg,
		open:   openFeetechBus,
		ports:  enumerateSerialPorts,
		logger: logger,
	}, nil
}

// DiscoverResources scans serial ports for servo bus arms and returns jog service configurations
func (dis *jogDiscovery) DiscoverResources(ctx context.Context, extra map[string]any) ([]resource.Config, error) {
	dis.logger.Info("Starting jog arm discovery")

	allPorts := dis.ports()
	candidates := filterCandidatePorts(allPorts)
	dis.logger.Debugf("Filtered %d serial ports to %d candidates", len(allPorts), len(candidates))

	var configs []resource.Config
	for _, portPath := range candidates {
		select {
		case <-ctx.Done():
			dis.logger.Info("Discovery cancelled")
			return configs, ctx.Err()
		default:
		}

		if !probePort(ctx, dis.open, portPath, dis.cfg.Baudrate, dis.cfg.ServoID, dis.logger) {
			continue
		}
		dis.logger.Infof("Discovered servo bus arm on %s", portPath)
		configs = append(configs, serviceConfig(portPath, dis.cfg.Baudrate, moduleDataDir(), dis.logger))
	}

	if len(configs) == 0 {
		dis.logger.Info("No jog arms discovered")
	} else {
		dis.logger.Infof("Discovered %d jog service configurations", len(configs))
	}
	return configs, nil
}

// serviceConfig is the jog service proposed for an arm found on portPath.
func serviceConfig(portPath string, baudrate int, dataDir string, logger logging.Logger) resource.Config {
	portSuffix := extractPortSuffix(portPath)
	attrs := map[string]interface{}{
		"backend": BackendServoBus,
		"port":    portPath,
	}
	if baudrate != defaultBaudrate {
		attrs["baudrate"] = baudrate
	}
	if calibrationFile := findCalibrationFile(dataDir, portSuffix, logger); calibrationFile != "" {
		attrs["calibration_file"] = calibrationFile
	}
	return resource.Config{
		Name:       "jog-arm-" + portSuffix,
		API:        generic.API,
		Model:      Model,
		Attributes: attrs,
	}
}

// probePort opens portPath on its own and pings one servo.
func probePort(
	ctx context.Context,
	open func(busConfig) (servoBus, error),
	portPath string,
	baudrate, servoID int,
	logger logging.Logger,
) bool {
	bus, err := open(busConfig{
		Port:     portPath,
		Baudrate: baudrate,
		ServoIDs: []int{servoID},
		Timeout:  probeTimeout,
	})
	if err != nil {
		logger.Debugf("Failed to open port %s: %v", portPath, err)
		return false
	}
	defer func() {
		if err := bus.Close(); err != nil {
			logger.Debugf("Failed to close port %s: %v", portPath, err)
		}
	}()
	if err := bus.Ping(ctx, servoID); err != nil {
		logger.Debugf("Servo %d did not answer on %s: %v", servoID, portPath, err)
		return false
	}
	return true
}

// findArmPort returns the first candidate serial port where servoID answers.
func findArmPort(ctx context.Context, baudrate, servoID int, logger logging.Logger) (string, error) {
	return searchPorts(ctx, enumerateSerialPorts(), openFeetechBus, baudrate, servoID, logger)
}

func searchPorts(
	ctx context.Context,
	ports []string,
	open func(busConfig) (servoBus, error),
	baudrate, servoID int,
	logger logging.Logger,
) (string, error) {
	candidates := filterCandidatePorts(ports)
	for _, portPath := range candidates {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if probePort(ctx, open, portPath, baudrate, servoID, logger) {
			logger.Infof("Found servo %d on %s", servoID, portPath)
			return portPath, nil
		}
	}
	return "", errors.Errorf("no servo bus answered for servo %d on %d candidate ports", servoID, len(candidates))
}

// filterCandidatePorts filters serial ports by platform-specific naming patterns
func filterCandidatePorts(ports []string) []string {
	candidates := []string{}
	for _, port := range ports {
		if isCandidatePort(port) {
			candidates = append(candidates, port)
		}
	}
	return candidates
}

// isCandidatePort checks if a port looks like a USB serial adapter
func isCandidatePort(port string) bool {
	// Linux
	if strings.HasPrefix(port, "/dev/ttyUSB") || strings.HasPrefix(port, "/dev/ttyACM") {
		return true
	}
	// macOS
	for _, prefix := range []string{"/dev/tty.usbmodem", "/dev/tty.usbserial", "/dev/cu.usbmodem", "/dev/cu.usbserial"} {
		if strings.HasPrefix(port, prefix) {
			return true
		}
	}
	// Windows
	return strings.HasPrefix(port, "COM")
}

// extractPortSuffix extracts a friendly suffix from port path for naming
// /dev/ttyUSB0 -> "ttyUSB0"
// COM3 -> "COM3"
// /dev/tty.usbmodem123 -> "usbmodem123"
func extractPortSuffix(portPath string) string {
	base := filepath.Base(portPath)
	if strings.HasPrefix(base, "tty.usb") {
		return strings.TrimPrefix(base, "tty.")
	}
	if strings.HasPrefix(base, "cu.usb") {
		return strings.TrimPrefix(base, "cu.")
	}
	return base
}

// findCalibrationFile returns the port specific calibration file name in dataDir, then the
// shared one, or "" when neither exists.
func findCalibrationFile(dataDir, portSuffix string, logger logging.Logger) string {
	for _, name := range []string{portSuffix + "_calibration.json", defaultCalibrationFile} {
		if _, err := os.Stat(filepath.Join(dataDir, name)); err == nil {
			logger.Debugf("Found calibration file: %s", name)
			return name
		}
	}
	logger.Debug("No calibration file found")
	return ""
}

// enumerateSerialPorts returns a list of all serial ports on the system
func enumerateSerialPorts() []string {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return []string{}
	}

	var portPaths []string
	for _, port := range ports {
		portPaths = append(portPaths, port.Name)
	}
	return portPaths
}
