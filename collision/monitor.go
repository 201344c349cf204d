package collision

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
	"golang.org/x/time/rate"

	"jog_arm/kinematics"
)

// MonitorState is the lifecycle state of a Monitor.
type MonitorState int

const (
	// Idle monitors have not been started.
	Idle MonitorState = iota
	// Running monitors check on every tick.
	Running
	// Paused monitors tick but skip checking.
	Paused
	// Stopped monitors are finished and cannot restart.
	Stopped
)

func (s MonitorState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// JointSource supplies the latest joint state.
type JointSource interface {
	Joints() kinematics.JointState
}

// ScaleSink receives the velocity scale after each check.
type ScaleSink interface {
	SetCollisionVelocityScale(scale float64)
}

// Report is the outcome of one monitor tick.
type Report struct {
	Scale float64
	Self  Result
	Scene Result
	Stamp time.Time
}

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	Rate       float64 // Hz
	Thresholds Thresholds
	Clock      clock.Clock
}

// Monitor periodically measures proximity at the current joint state and publishes a
// velocity scale.
type Monitor struct {
	logger  logging.Logger
	clk     clock.Clock
	period  time.Duration
	th      Thresholds
	checker *Checker
	joints  JointSource
	sink    ScaleSink

	mu        sync.Mutex
	state     MonitorState
	last      Report
	observers []func(Report)
	workers   *goutils.StoppableWorkers

	overrunLog rate.Sometimes
	jointLog   rate.Sometimes
	checkLog   rate.Sometimes
}

// NewMonitor validates cfg and returns an idle monitor.
func NewMonitor(checker *Checker, joints JointSource, sink ScaleSink, cfg MonitorConfig, logger logging.Logger) (*Monitor, error) {
	if cfg.Rate <= 0 {
		return nil, errors.Errorf("collision check rate must be positive, got %v", cfg.Rate)
	}
	if cfg.Rate < MinimumRecommendedRate {
		logger.Warnf("collision check rate %.1f Hz is below the recommended minimum of %.0f Hz", cfg.Rate, MinimumRecommendedRate)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Monitor{
		logger:     logger,
		clk:        clk,
		period:     time.Duration(float64(time.Second) / cfg.Rate),
		th:         cfg.Thresholds,
		checker:    checker,
		joints:     joints,
		sink:       sink,
		last:       Report{Scale: 1},
		overrunLog: rate.Sometimes{Interval: 5 * time.Second},
		jointLog:   rate.Sometimes{Interval: 2 * time.Second},
		checkLog:   rate.Sometimes{Interval: 2 * time.Second},
	}, nil
}

// Period returns the time between checks.
func (m *Monitor) Period() time.Duration {
	return m.period
}

// Observe registers fn to be called with every report. fn runs on the monitor goroutine.
func (m *Monitor) Observe(fn func(Report)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Start begins periodic checking. Only an idle monitor can start.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Idle {
		return errors.Errorf("cannot start collision monitor in state %s", m.state)
	}
	m.state = Running
	m.workers = goutils.NewBackgroundStoppableWorkers(m.run)
	return nil
}

// SetPaused pauses or resumes checking. While paused the last published scale is left as is.
func (m *Monitor) SetPaused(paused bool) {
	m.mu.Lock()
	switch {
	case paused && m.state == Running:
		m.state = Paused
	case !paused && m.state == Paused:
		m.state = Running
	default:
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if paused {
		m.logger.Info("collision checking paused")
	} else {
		m.logger.Info("collision checking resumed")
	}
}

// Stop ends checking and waits for the worker to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	workers := m.workers
	m.state = Stopped
	m.mu.Unlock()
	if workers != nil {
		workers.Stop()
	}
}

// State returns the lifecycle state.
func (m *Monitor) State() MonitorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Last returns the most recent report.
func (m *Monitor) Last() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *Monitor) run(ctx context.Context) {
	ticker := m.clk.Ticker(m.period)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := m.clk.Now()
			m.checkOnce()
			if elapsed := m.clk.Since(start); elapsed > m.period {
				m.overrunLog.Do(func() {
					m.logger.Warnw("collision check overran its period", "elapsed", elapsed, "period", m.period)
				})
			}
		}
	}
}

// checkOnce runs one check if the monitor is running. It reports whether a check happened.
func (m *Monitor) checkOnce() bool {
	if m.State() != Running {
		return false
	}
	js := m.joints.Joints()
	if js.Empty() {
		return false
	}
	model := m.checker.Model()
	q, err := model.Extract(js)
	if err != nil {
		m.jointLog.Do(func() { m.logger.Warnw("skipping collision check", "error", err) })
		return false
	}
	st, err := model.Forward(q)
	if err != nil {
		m.jointLog.Do(func() { m.logger.Warnw("skipping collision check", "error", err) })
		return false
	}

	self, err := m.checker.CheckSelf(st)
	if err != nil {
		m.checkLog.Do(func() { m.logger.Errorw("self collision check failed", "error", err) })
		return false
	}
	scene, err := m.checker.CheckScene(st)
	if err != nil {
		m.checkLog.Do(func() { m.logger.Errorw("scene collision check failed", "error", err) })
		return false
	}

	report := Report{
		Scale: CombineScale(self, scene, m.th),
		Self:  self,
		Scene: scene,
		Stamp: m.clk.Now(),
	}

	m.mu.Lock()
	// a pause that landed mid-check wins
	if m.state != Running {
		m.mu.Unlock()
		return false
	}
	m.last = report
	m.sink.SetCollisionVelocityScale(report.Scale)
	observers := append([]func(Report){}, m.observers...)
	m.mu.Unlock()

	for _, fn := range observers {
		fn(report)
	}
	return true
}
