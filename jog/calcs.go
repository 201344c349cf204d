package jog

import (
	"context"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"golang.org/x/time/rate"

	"jog_arm/kinematics"
)

// Calculator turns the latest command into the next trajectory point on every tick. It owns
// its filter bank; nothing else touches it.
type Calculator struct {
	params *Parameters
	model  *kinematics.Model
	shared *SharedState
	clk    clock.Clock
	logger logging.Logger

	period  float64
	names   []string
	filters *FilterBank

	prevVelocities []float64

	missingJointLog rate.Sometimes
	invalidLog      rate.Sometimes
	boundsLog       rate.Sometimes
	singularLog     rate.Sometimes
	overrunLog      rate.Sometimes
}

// NewCalculator returns a calculator for model. params must already be validated.
func NewCalculator(params *Parameters, model *kinematics.Model, shared *SharedState, clk clock.Clock, logger logging.Logger) *Calculator {
	return &Calculator{
		params:          params,
		model:           model,
		shared:          shared,
		clk:             clk,
		logger:          logger,
		period:          params.PublishPeriod,
		names:           model.JointNames(),
		filters:         NewFilterBank(model.DoF(), params.LowPassFilterCoeff),
		prevVelocities:  make([]float64, model.DoF()),
		missingJointLog: rate.Sometimes{Interval: 2 * time.Second},
		invalidLog:      rate.Sometimes{Interval: 2 * time.Second},
		boundsLog:       rate.Sometimes{Interval: 2 * time.Second},
		singularLog:     rate.Sometimes{Interval: 2 * time.Second},
		overrunLog:      rate.Sometimes{Interval: 5 * time.Second},
	}
}

// run ticks at the publish period until ctx is done.
func (c *Calculator) run(ctx context.Context) {
	ticker := c.clk.Ticker(c.params.Period())
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := c.clk.Now()
			// failures are logged inside Tick
			_ = c.Tick()
			if elapsed := c.clk.Since(start); elapsed > c.params.Period() {
				c.overrunLog.Do(func() {
					c.logger.Warnw("jog calculation overran its period", "elapsed", elapsed, "period", c.params.Period())
				})
			}
		}
	}
}

// Tick runs one calculation. A nil error means a new trajectory was stored. ErrJointBounds and
// ErrDegenerateJacobian also store a halting trajectory. Every other error leaves the stored
// trajectory untouched.
func (c *Calculator) Tick() error {
	in := c.shared.calcSnapshot()
	now := c.clk.Now()

	if in.joints.Empty() {
		return errors.Wrap(ErrMissingJoint, "no joint state received")
	}
	q, err := c.model.Extract(in.joints)
	if err != nil {
		c.missingJointLog.Do(func() { c.logger.Warnw("dropping jog tick", "error", err) })
		return err
	}

	stale := isStale(now, in.incomingCmdStamp, c.params.Timeout())
	var dq []float64
	switch {
	case !stale && !in.zeroCartesianCmd:
		dq, err = c.cartesianDelta(in.twist, q)
	case !stale && !in.zeroJointCmd:
		dq, err = c.jointDelta(in.jointJog)
	default:
		c.shared.suppressPublishing()
		c.filters.Reset(nil)
		clear(c.prevVelocities)
		if stale {
			return ErrStaleCommand
		}
		return ErrZeroCommand
	}

	switch {
	case errors.Is(err, ErrDegenerateJacobian):
		c.singularLog.Do(func() { c.logger.Warn("jacobian is degenerate, halting") })
		c.halt(q)
		return err
	case errors.Is(err, ErrMissingJoint):
		c.missingJointLog.Do(func() { c.logger.Warnw("dropping jog tick", "error", err) })
		return err
	case err != nil:
		c.invalidLog.Do(func() { c.logger.Warnw("ignoring jog command", "error", err) })
		c.shared.suppressPublishing()
		return err
	}

	scale := in.collisionScale
	if dq == nil || scale <= 0 {
		// a full stop from either the singularity or the collision monitor
		c.halt(q)
		return nil
	}
	for i := range dq {
		dq[i] *= scale
	}
	return c.integrate(q, dq)
}

// cartesianDelta maps a twist to a per tick joint delta. A nil result means a hard stop.
func (c *Calculator) cartesianDelta(cmd TwistCommand, q []float64) ([]float64, error) {
	twist, err := c.scaleCartesian(cmd.Twist)
	if err != nil {
		return nil, err
	}

	st, err := c.model.Forward(q)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidCommand, err.Error())
	}

	frame := cmd.Frame
	if frame == "" {
		frame = c.params.CommandFrame
	}
	switch frame {
	case FrameBase, kinematics.World:
	case c.model.EndEffector():
		twist.Linear = st.RotateToWorld(twist.Linear)
		twist.Angular = st.RotateToWorld(twist.Angular)
	default:
		return nil, errors.Wrapf(ErrInvalidCommand, "unknown command frame %q", frame)
	}

	dec, err := kinematics.Decompose(c.model.Jacobian(st))
	if err != nil {
		return nil, err
	}
	if dec.Degenerate() {
		return nil, ErrDegenerateJacobian
	}
	damping := 0.0
	if dec.Condition() > c.params.LowerSingularityThreshold {
		damping = c.params.JacobianDamping
	}
	pinv, err := dec.PseudoInverse(damping)
	if err != nil {
		return nil, err
	}

	delta := twist.vector()
	dq := kinematics.MulVec(pinv, delta)
	s := c.singularityScale(q, dec, pinv, delta)
	if s <= 0 {
		c.singularLog.Do(func() { c.logger.Warnw("close to a singularity, halting", "condition", dec.Condition()) })
		return nil, nil
	}
	for i := range dq {
		dq[i] *= s
	}
	return dq, nil
}

// scaleCartesian converts a command to a per tick displacement.
func (c *Calculator) scaleCartesian(t Twist) (Twist, error) {
	for _, v := range t.vector() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Twist{}, errors.Wrap(ErrInvalidCommand, "twist has a non-finite component")
		}
	}
	if c.params.CommandInType == CommandInSpeedUnits {
		return Twist{Linear: t.Linear.Mul(c.period), Angular: t.Angular.Mul(c.period)}, nil
	}
	for _, v := range t.vector() {
		if math.Abs(v) > 1 {
			return Twist{}, errors.Wrapf(ErrInvalidCommand, "unitless twist component %v is outside [-1, 1]", v)
		}
	}
	return Twist{
		Linear:  t.Linear.Mul(c.params.LinearScale * c.period),
		Angular: t.Angular.Mul(c.params.RotationalScale * c.period),
	}, nil
}

// jointDelta converts a joint command to a per tick joint delta in model order.
func (c *Calculator) jointDelta(cmd JointJogCommand) ([]float64, error) {
	if len(cmd.Names) != len(cmd.Deltas) {
		return nil, errors.Wrapf(ErrInvalidCommand, "%d joint names but %d deltas", len(cmd.Names), len(cmd.Deltas))
	}
	dq := make([]float64, c.model.DoF())
	for i, name := range cmd.Names {
		idx, ok := c.model.JointIndex(name)
		if !ok {
			return nil, errors.Wrapf(ErrMissingJoint, "%q", name)
		}
		v := cmd.Deltas[i]
		switch {
		case math.IsNaN(v) || math.IsInf(v, 0):
			return nil, errors.Wrapf(ErrInvalidCommand, "joint %q delta is not finite", name)
		case c.params.CommandInType == CommandInSpeedUnits:
			dq[idx] = v * c.period
		case math.Abs(v) > 1:
			return nil, errors.Wrapf(ErrInvalidCommand, "unitless joint delta %v is outside [-1, 1]", v)
		default:
			dq[idx] = v * c.params.JointScale * c.period
		}
	}
	return dq, nil
}

// integrate filters the joint velocity, checks bounds and stores the next trajectory.
func (c *Calculator) integrate(q, dq []float64) error {
	raw := make([]float64, len(dq))
	for i := range dq {
		raw[i] = dq[i] / c.period
	}
	velocities := c.filters.Filter(raw)

	joints := c.model.Joints()
	positions := make([]float64, len(q))
	accelerations := make([]float64, len(q))
	for i, j := range joints {
		v := velocities[i]
		positions[i] = q[i] + v*c.period
		accelerations[i] = (v - c.prevVelocities[i]) / c.period

		if j.MaxVelocity > 0 && math.Abs(v) > j.MaxVelocity {
			c.boundsLog.Do(func() {
				c.logger.Warnw("joint velocity limit exceeded, halting", "joint", j.Name, "velocity", v, "limit", j.MaxVelocity)
			})
			c.halt(q)
			return errors.Wrapf(ErrJointBounds, "joint %q velocity %.3f exceeds %.3f", j.Name, v, j.MaxVelocity)
		}
		nearMin := positions[i] < j.Min+c.params.JointLimitMargin && v < 0
		nearMax := positions[i] > j.Max-c.params.JointLimitMargin && v > 0
		if nearMin || nearMax {
			c.boundsLog.Do(func() {
				c.logger.Warnw("joint close to its limit, halting", "joint", j.Name, "position", positions[i])
			})
			c.halt(q)
			return errors.Wrapf(ErrJointBounds, "joint %q at %.3f is within the limit margin", j.Name, positions[i])
		}
	}

	copy(c.prevVelocities, velocities)
	c.shared.storeTrajectory(composeTrajectory(c.params, c.names, positions, velocities, accelerations))
	return nil
}

// halt stores a trajectory that holds q with zero velocity and resets the filters so motion
// restarts smoothly.
func (c *Calculator) halt(q []float64) {
	c.filters.Reset(nil)
	clear(c.prevVelocities)
	zeros := make([]float64, len(q))
	c.shared.storeTrajectory(composeTrajectory(c.params, c.names, q, zeros, zeros))
}

// EndEffectorTwist returns the Cartesian velocity produced by joint velocities at q, for
// diagnostics.
func (c *Calculator) EndEffectorTwist(q, velocities []float64) (Twist, error) {
	st, err := c.model.Forward(q)
	if err != nil {
		return Twist{}, err
	}
	v := kinematics.MulVec(c.model.Jacobian(st), velocities)
	return Twist{Linear: r3.Vector{X: v[0], Y: v[1], Z: v[2]}, Angular: r3.Vector{X: v[3], Y: v[4], Z: v[5]}}, nil
}
