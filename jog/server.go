package jog

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
	"golang.org/x/time/rate"

	"jog_arm/acm"
	"jog_arm/collision"
	"jog_arm/kinematics"
)

// Option configures a Server.
type Option func(*serverOptions)

type serverOptions struct {
	clk    clock.Clock
	world  *collision.World
	matrix *acm.Matrix
}

// WithClock sets the clock every loop ticks on.
func WithClock(clk clock.Clock) Option {
	return func(o *serverOptions) { o.clk = clk }
}

// WithWorld sets the obstacles the arm is checked against.
func WithWorld(w *collision.World) Option {
	return func(o *serverOptions) { o.world = w }
}

// WithMatrix sets the allowed collision matrix. The server keeps a copy.
func WithMatrix(m *acm.Matrix) Option {
	return func(o *serverOptions) { o.matrix = m }
}

// Status summarizes the server for diagnostics.
type Status struct {
	Running                bool
	OkToPublish            bool
	CommandIsStale         bool
	CollisionVelocityScale float64
	MonitorState           string
	SelfDistance           float64
	SceneDistance          float64
	Published              uint64
	LastError              string
}

// Server wires the calculation loop, the collision monitor and the publish loop around one
// SharedState, and routes inbound commands into it.
type Server struct {
	params    Parameters
	model     *kinematics.Model
	logger    logging.Logger
	clk       clock.Clock
	shared    *SharedState
	calc      *Calculator
	checker   *collision.Checker
	monitor   *collision.Monitor
	publisher Publisher

	staleLog   rate.Sometimes
	publishLog rate.Sometimes

	mu        sync.Mutex
	workers   *goutils.StoppableWorkers
	running   bool
	published uint64
	lastErr   error
}

// NewServer validates params and builds a server. Nothing runs until Start.
func NewServer(params Parameters, model *kinematics.Model, publisher Publisher, logger logging.Logger, opts ...Option) (*Server, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if model == nil {
		return nil, configErr("move_group_name", "no kinematic model")
	}
	if publisher == nil {
		return nil, errors.New("a publisher is required")
	}
	o := serverOptions{clk: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Server{
		params:     params,
		model:      model,
		logger:     logger,
		clk:        o.clk,
		shared:     NewSharedState(),
		publisher:  publisher,
		staleLog:   rate.Sometimes{Interval: 2 * time.Second},
		publishLog: rate.Sometimes{Interval: 2 * time.Second},
	}
	s.calc = NewCalculator(&s.params, model, s.shared, s.clk, logger.Sublogger("calcs"))
	s.checker = collision.NewChecker(model, o.world, o.matrix, params.ScenePadding)

	if params.CheckCollisions {
		monitor, err := collision.NewMonitor(s.checker, s.shared, s.shared, collision.MonitorConfig{
			Rate: params.CollisionCheckRate,
			Thresholds: collision.Thresholds{
				Self:  params.SelfCollisionProximityThreshold,
				Scene: params.SceneCollisionProximityThreshold,
			},
			Clock: s.clk,
		}, logger.Sublogger("collision"))
		if err != nil {
			return nil, configErr("collision_check_rate", "%v", err)
		}
		s.monitor = monitor
	}
	return s, nil
}

// Start launches the loops. It returns immediately.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("jog server already running")
	}
	if s.workers != nil {
		return errors.New("jog server cannot be restarted")
	}
	if s.monitor != nil {
		if err := s.monitor.Start(); err != nil {
			return err
		}
	}
	s.workers = goutils.NewBackgroundStoppableWorkers(s.calc.run, s.publishLoop)
	s.running = true
	s.logger.Infof("jogging %s at %.0f Hz", s.model.Name(), 1/s.params.PublishPeriod)
	return nil
}

// Stop cancels every loop and waits for them to exit.
func (s *Server) Stop() {
	s.mu.Lock()
	workers := s.workers
	s.running = false
	s.mu.Unlock()

	if s.monitor != nil {
		s.monitor.Stop()
	}
	if workers != nil {
		workers.Stop()
	}
}

// Parameters returns the parameters the server was built with.
func (s *Server) Parameters() Parameters {
	return s.params
}

// Model returns the kinematic model.
func (s *Server) Model() *kinematics.Model {
	return s.model
}

// Shared exposes the shared state.
func (s *Server) Shared() *SharedState {
	return s.shared
}

// HandleTwist stores a Cartesian command.
func (s *Server) HandleTwist(cmd TwistCommand) {
	s.shared.SetTwistCommand(cmd)
}

// HandleJointJog stores a joint command.
func (s *Server) HandleJointJog(cmd JointJogCommand) error {
	if len(cmd.Names) != len(cmd.Deltas) {
		return errors.Wrapf(ErrInvalidCommand, "%d joint names but %d deltas", len(cmd.Names), len(cmd.Deltas))
	}
	s.shared.SetJointJogCommand(cmd)
	return nil
}

// HandleJointState stores the latest joint state.
func (s *Server) HandleJointState(js kinematics.JointState) {
	s.shared.SetJoints(js)
}

// PauseCollisionChecking pauses or resumes the collision monitor. While paused the last
// published scale stays in effect.
func (s *Server) PauseCollisionChecking(paused bool) {
	if s.monitor == nil {
		return
	}
	s.monitor.SetPaused(paused)
}

// World returns the obstacle set.
func (s *Server) World() *collision.World {
	return s.checker.World()
}

// Matrix returns a copy of the allowed collision matrix.
func (s *Server) Matrix() *acm.Matrix {
	return s.checker.Matrix()
}

// SetMatrix replaces the allowed collision matrix.
func (s *Server) SetMatrix(m *acm.Matrix) {
	s.checker.SetMatrix(m)
}

// ObserveCollisions registers fn to receive every collision report.
func (s *Server) ObserveCollisions(fn func(collision.Report)) {
	if s.monitor != nil {
		s.monitor.Observe(fn)
	}
}

// Status returns a diagnostic summary.
func (s *Server) Status() Status {
	snap := s.shared.Snapshot()
	s.mu.Lock()
	st := Status{
		Running:                s.running,
		OkToPublish:            snap.OkToPublish,
		CommandIsStale:         snap.CommandIsStale,
		CollisionVelocityScale: snap.CollisionVelocityScale,
		MonitorState:           "disabled",
		Published:              s.published,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	s.mu.Unlock()

	if s.monitor != nil {
		st.MonitorState = s.monitor.State().String()
		last := s.monitor.Last()
		st.SelfDistance = last.Self.Distance
		st.SceneDistance = last.Scene.Distance
	}
	return st
}

func (s *Server) publishLoop(ctx context.Context) {
	ticker := s.clk.Ticker(s.params.Period())
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// failures are logged inside publishOnce
			_ = s.publishOnce(ctx)
		}
	}
}

// publishOnce updates staleness and publishes the latest trajectory when allowed. The
// publisher runs outside the shared state lock.
func (s *Server) publishOnce(ctx context.Context) error {
	now := s.clk.Now()
	traj, ok, stale := s.shared.publishSnapshot(now, s.params.Timeout())
	if stale || !ok {
		s.staleLog.Do(func() {
			s.logger.Warn("stale or zero command, not publishing. Try a larger incoming_command_timeout?")
		})
		if stale {
			return ErrStaleCommand
		}
		return ErrZeroCommand
	}

	traj.Stamp = now
	err := s.publisher.Publish(ctx, outgoing(&s.params, traj))

	s.mu.Lock()
	s.lastErr = err
	if err == nil {
		s.published++
	}
	s.mu.Unlock()

	if err != nil {
		s.publishLog.Do(func() { s.logger.Warnw("failed to publish jog command", "error", err) })
	}
	return err
}
