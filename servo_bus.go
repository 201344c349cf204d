package jog_arm

import (
	"context"
	"sync"

	"github.com/hipsterbrown/feetech-servo/feetech"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"

	"jog_arm/jog"
	"jog_arm/kinematics"
)

// feetechBus is an STS3215 bus with thread-safe access.
type feetechBus struct {
	mu       sync.Mutex
	servos   map[int]*feetech.Servo
	closeBus func() error
}

func openFeetechBus(cfg busConfig) (servoBus, error) {
	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     cfg.Port,
		BaudRate: cfg.Baudrate,
		Protocol: feetech.ProtocolSTS,
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create feetech servo bus")
	}
	fb := &feetechBus{
		servos:   make(map[int]*feetech.Servo, len(cfg.ServoIDs)),
		closeBus: bus.Close,
	}
	for _, id := range cfg.ServoIDs {
		fb.servos[id] = feetech.NewServo(bus, id, &feetech.ModelSTS3215)
	}
	return fb, nil
}

func (b *feetechBus) servo(id int) (*feetech.Servo, error) {
	s, ok := b.servos[id]
	if !ok {
		return nil, errors.Errorf("servo %d is not on this bus", id)
	}
	return s, nil
}

func (b *feetechBus) Ping(ctx context.Context, id int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.servo(id)
	if err != nil {
		return err
	}
	_, err = s.Ping(ctx)
	return err
}

func (b *feetechBus) Position(ctx context.Context, id int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.servo(id)
	if err != nil {
		return 0, err
	}
	return s.Position(ctx)
}

func (b *feetechBus) SetPosition(ctx context.Context, id, raw int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.servo(id)
	if err != nil {
		return err
	}
	return s.SetPosition(ctx, raw)
}

func (b *feetechBus) SetTorqueEnabled(ctx context.Context, id int, enabled bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, err := b.servo(id)
	if err != nil {
		return err
	}
	return s.SetTorqueEnabled(ctx, enabled)
}

func (b *feetechBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeBus()
}

// servoBackend drives a chain of bus servos, one per model joint.
type servoBackend struct {
	registry    *busRegistry
	bus         servoBus
	port        string
	ids         []int
	calibration []JointCalibration
	logger      logging.Logger
}

func newServoBackend(
	ctx context.Context,
	registry *busRegistry,
	cfg *Config,
	model *kinematics.Model,
	logger logging.Logger,
) (*servoBackend, error) {
	for _, j := range model.Joints() {
		if j.Type != kinematics.Revolute {
			return nil, errors.Errorf("servo bus joints must be revolute, %q is not", j.Name)
		}
	}

	port := cfg.Port
	if port == PortAuto {
		found, err := findArmPort(ctx, cfg.Baudrate, cfg.ServoIDs[0], logger)
		if err != nil {
			return nil, err
		}
		port = found
	}

	cal, _ := cfg.LoadCalibration(model.JointNames(), logger)
	joints, err := cal.ForJoints(model.JointNames())
	if err != nil {
		return nil, err
	}

	bus, err := registry.acquire(busConfig{
		Port:     port,
		Baudrate: cfg.Baudrate,
		ServoIDs: cfg.ServoIDs,
		Timeout:  cfg.busTimeout(),
	})
	if err != nil {
		return nil, err
	}

	b := &servoBackend{
		registry:    registry,
		bus:         bus,
		port:        port,
		ids:         cfg.ServoIDs,
		calibration: joints,
		logger:      logger,
	}
	if err := b.setTorque(ctx, true); err != nil {
		logger.Warnf("Failed to enable torque: %v", err)
	}
	logger.Infof("servo bus backend on %s with servo IDs %v", port, b.ids)
	return b, nil
}

func (b *servoBackend) setTorque(ctx context.Context, enabled bool) error {
	var err error
	for _, id := range b.ids {
		err = multierr.Append(err, errors.Wrapf(b.bus.SetTorqueEnabled(ctx, id, enabled), "servo %d", id))
	}
	return err
}

func (b *servoBackend) JointPositions(ctx context.Context) ([]float64, error) {
	q := make([]float64, len(b.ids))
	for i, id := range b.ids {
		raw, err := b.bus.Position(ctx, id)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read position from servo %d", id)
		}
		q[i] = b.calibration[i].ToRadians(raw)
	}
	return q, nil
}

func (b *servoBackend) Publish(ctx context.Context, cmd jog.OutgoingCommand) error {
	positions, err := commandPositions(cmd, len(b.ids))
	if err != nil {
		return err
	}
	for i, id := range b.ids {
		if err := b.bus.SetPosition(ctx, id, b.calibration[i].FromRadians(positions[i])); err != nil {
			return errors.Wrapf(err, "failed to move servo %d", id)
		}
	}
	return nil
}

func (b *servoBackend) Close(context.Context) error {
	// torque stays on so the arm holds its last position
	return b.registry.release(b.port)
}
