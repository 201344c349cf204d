package collision

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/test"

	"jog_arm/acm"
	"jog_arm/kinematics"
)

type fakeJoints struct {
	mu sync.Mutex
	js kinematics.JointState
}

func (f *fakeJoints) Joints() kinematics.JointState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.js.Clone()
}

func (f *fakeJoints) set(js kinematics.JointState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.js = js
}

type fakeSink struct {
	mu     sync.Mutex
	scales []float64
	ch     chan float64
}

func newFakeSink() *fakeSink {
	return &fakeSink{ch: make(chan float64, 1000)}
}

func (f *fakeSink) SetCollisionVelocityScale(scale float64) {
	f.mu.Lock()
	f.scales = append(f.scales, scale)
	f.mu.Unlock()
	select {
	case f.ch <- scale:
	default:
	}
}

func (f *fakeSink) lastScale() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.scales) == 0 {
		return math.NaN()
	}
	return f.scales[len(f.scales)-1]
}

func planar(t *testing.T) *kinematics.Model {
	t.Helper()
	m, err := kinematics.Builtin("planar3")
	test.That(t, err, test.ShouldBeNil)
	return m
}

func stateAt(t *testing.T, m *kinematics.Model, q ...float64) *kinematics.State {
	t.Helper()
	st, err := m.Forward(q)
	test.That(t, err, test.ShouldBeNil)
	return st
}

func TestVelocityScale(t *testing.T) {
	test.That(t, VelocityScale(0.05, 0.1), test.ShouldAlmostEqual, 0.0316, 1e-4)
	test.That(t, VelocityScale(0.1, 0.1), test.ShouldEqual, 1.0)
	test.That(t, VelocityScale(0.5, 0.1), test.ShouldEqual, 1.0)
	test.That(t, VelocityScale(math.Inf(1), 0.1), test.ShouldEqual, 1.0)
	test.That(t, VelocityScale(1e-9, 0.1), test.ShouldAlmostEqual, residualScale, 1e-6)
	test.That(t, VelocityScale(0, 0.1), test.ShouldAlmostEqual, residualScale, 1e-12)
	test.That(t, VelocityScale(-0.01, 0.1), test.ShouldAlmostEqual, residualScale, 1e-12)
	test.That(t, VelocityScale(-0.01, 0), test.ShouldEqual, 0.0)

	prev := 0.0
	for d := 0.001; d < 0.1; d += 0.001 {
		s := VelocityScale(d, 0.1)
		test.That(t, s, test.ShouldBeGreaterThan, prev)
		prev = s
	}
}

func TestCombineScale(t *testing.T) {
	th := Thresholds{Self: 0.05, Scene: 0.1}
	free := Result{Distance: math.Inf(1)}

	test.That(t, CombineScale(free, free, th), test.ShouldEqual, 1.0)
	test.That(t, CombineScale(free, Result{Distance: 0.05}, th), test.ShouldAlmostEqual, 0.0316, 1e-4)
	test.That(t, CombineScale(Result{Distance: 0.2}, Result{Distance: 0.05}, th), test.ShouldAlmostEqual, 0.0316, 1e-4)

	// self is below its own threshold and dominates
	got := CombineScale(Result{Distance: 0.01}, Result{Distance: 0.09}, th)
	test.That(t, got, test.ShouldAlmostEqual, VelocityScale(0.01, 0.05), 1e-12)

	test.That(t, CombineScale(Result{Collision: true, Distance: 1}, free, th), test.ShouldEqual, 0.0)
	test.That(t, CombineScale(free, Result{Collision: true, Distance: 1}, th), test.ShouldEqual, 0.0)
}

func TestWorld(t *testing.T) {
	w := NewWorld()
	b, err := spatialmath.NewBox(spatialmath.NewZeroPose(), r3.Vector{X: 10, Y: 10, Z: 10}, "b")
	test.That(t, err, test.ShouldBeNil)
	a, err := spatialmath.NewSphere(spatialmath.NewZeroPose(), 5, "a")
	test.That(t, err, test.ShouldBeNil)

	test.That(t, w.SetObstacles([]spatialmath.Geometry{b, a}), test.ShouldBeNil)
	obstacles := w.Obstacles()
	test.That(t, obstacles, test.ShouldHaveLength, 2)
	test.That(t, obstacles[0].Label(), test.ShouldEqual, "a")

	test.That(t, w.SetObstacles([]spatialmath.Geometry{a, a}), test.ShouldNotBeNil)
	test.That(t, w.RemoveObstacle("a"), test.ShouldBeTrue)
	test.That(t, w.RemoveObstacle("a"), test.ShouldBeFalse)

	unlabeled, err := spatialmath.NewSphere(spatialmath.NewZeroPose(), 5, "")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, w.AddObstacle(unlabeled), test.ShouldNotBeNil)
}

func TestObstacleConfig(t *testing.T) {
	geoms, err := Geometries([]ObstacleConfig{
		{Name: "table", Type: "box", Translation: Vector{Z: -10}, Dims: Vector{X: 1000, Y: 1000, Z: 20}},
		{Name: "ball", Type: "sphere", Translation: Vector{X: 300}, Radius: 40},
		{Name: "post", Type: "capsule", Radius: 20, Length: 200,
			Rotation: &AxisAngle{Theta: 90, X: 1}},
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, geoms, test.ShouldHaveLength, 3)

	for _, bad := range []ObstacleConfig{
		{Type: "box", Dims: Vector{X: 1, Y: 1, Z: 1}},
		{Name: "x", Type: "cone"},
		{Name: "x", Type: "capsule", Radius: 20, Length: 10},
		{Name: "x", Type: "sphere", Radius: 1, Rotation: &AxisAngle{Theta: 10}},
	} {
		test.That(t, bad.Validate(), test.ShouldNotBeNil)
	}
}

func TestCheckScene(t *testing.T) {
	m := planar(t)
	st := stateAt(t, m, 0, 0, 0)

	crate, err := ObstacleConfig{Name: "crate", Type: "sphere", Translation: Vector{X: 400, Y: 200}, Radius: 50}.Geometry()
	test.That(t, err, test.ShouldBeNil)
	w := NewWorld()
	test.That(t, w.AddObstacle(crate), test.ShouldBeNil)

	res, err := NewChecker(m, w, nil, 0).CheckScene(st)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Collision, test.ShouldBeFalse)
	test.That(t, res.Distance, test.ShouldAlmostEqual, 0.13, 1e-3)

	padded, err := NewChecker(m, w, nil, 0.01).CheckScene(st)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, padded.Distance, test.ShouldAlmostEqual, 0.12, 1e-3)

	empty, err := NewChecker(m, nil, nil, 0).CheckScene(st)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, math.IsInf(empty.Distance, 1), test.ShouldBeTrue)
}

func TestCheckSceneContactAndMatrix(t *testing.T) {
	m := planar(t)
	st := stateAt(t, m, 0, 0, 0)

	ball, err := ObstacleConfig{Name: "ball", Type: "sphere", Translation: Vector{X: 400}, Radius: 50}.Geometry()
	test.That(t, err, test.ShouldBeNil)
	w := NewWorld()
	test.That(t, w.AddObstacle(ball), test.ShouldBeNil)

	c := NewChecker(m, w, nil, 0)
	res, err := c.CheckScene(st)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Collision, test.ShouldBeTrue)
	test.That(t, res.Contacts, test.ShouldHaveLength, 1)
	test.That(t, res.Contacts[0].BodyA, test.ShouldEqual, "link2")
	test.That(t, res.Contacts[0].Depth, test.ShouldAlmostEqual, 0.07, 1e-3)
	test.That(t, CombineScale(Result{Distance: math.Inf(1)}, res, Thresholds{Self: 0.01, Scene: 0.01}), test.ShouldEqual, 0.0)

	allowed := DefaultMatrix(m)
	allowed.SetEntry("link2", "ball", true)
	c.SetMatrix(allowed)
	res, err = c.CheckScene(st)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Collision, test.ShouldBeFalse)
	test.That(t, res.Distance, test.ShouldAlmostEqual, 0.03, 1e-3)

	// the checker keeps its own copy
	allowed.SetEntry("link2", "ball", false)
	res, err = c.CheckScene(st)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Collision, test.ShouldBeFalse)

	shallow := DefaultMatrix(m)
	shallow.SetConditionalEntry("link2", "ball", acm.MaxDepth(0.1))
	c.SetMatrix(shallow)
	res, err = c.CheckScene(st)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Collision, test.ShouldBeFalse)

	strict := DefaultMatrix(m)
	strict.SetConditionalEntry("link2", "ball", acm.MaxDepth(0.05))
	c.SetMatrix(strict)
	res, err = c.CheckScene(st)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Collision, test.ShouldBeTrue)
}

func TestCheckSelf(t *testing.T) {
	m := planar(t)
	c := NewChecker(m, nil, nil, 0.5)

	straight, err := c.CheckSelf(stateAt(t, m, 0, 0, 0))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, straight.Collision, test.ShouldBeFalse)
	test.That(t, straight.Distance, test.ShouldAlmostEqual, 0.215, 1e-3)

	folded, err := c.CheckSelf(stateAt(t, m, 0, 170*math.Pi/180, 0))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, folded.Collision, test.ShouldBeFalse)
	test.That(t, folded.Distance, test.ShouldBeGreaterThan, 0)
	test.That(t, folded.Distance, test.ShouldBeLessThan, 0.01)

	// with nothing registered as adjacent every pair counts
	bare := NewChecker(m, nil, acm.New(), 0)
	res, err := bare.CheckSelf(stateAt(t, m, 0, 0, 0))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Collision, test.ShouldBeTrue)
}

func TestMonitorChecksAndPauses(t *testing.T) {
	m := planar(t)
	ball, err := ObstacleConfig{Name: "ball", Type: "sphere", Translation: Vector{X: 400, Y: 100}, Radius: 50}.Geometry()
	test.That(t, err, test.ShouldBeNil)
	w := NewWorld()
	test.That(t, w.AddObstacle(ball), test.ShouldBeNil)

	joints := &fakeJoints{}
	sink := newFakeSink()
	mon, err := NewMonitor(NewChecker(m, w, nil, 0), joints, sink,
		MonitorConfig{Rate: 50, Thresholds: Thresholds{Self: 0.01, Scene: 0.1}, Clock: clock.NewMock()},
		logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mon.Period(), test.ShouldEqual, 20*time.Millisecond)

	// not started
	test.That(t, mon.checkOnce(), test.ShouldBeFalse)
	mon.mu.Lock()
	mon.state = Running
	mon.mu.Unlock()

	// no joints yet
	test.That(t, mon.checkOnce(), test.ShouldBeFalse)

	var reports []Report
	mon.Observe(func(r Report) { reports = append(reports, r) })

	joints.set(m.NewJointState([]float64{0, 0, 0}, nil, time.Time{}))
	test.That(t, mon.checkOnce(), test.ShouldBeTrue)
	// link2 surface is 30mm from the ball
	test.That(t, sink.lastScale(), test.ShouldAlmostEqual, VelocityScale(0.03, 0.1), 1e-3)
	test.That(t, reports, test.ShouldHaveLength, 1)
	test.That(t, mon.Last().Scale, test.ShouldEqual, reports[0].Scale)

	before := sink.lastScale()
	mon.SetPaused(true)
	test.That(t, mon.State(), test.ShouldEqual, Paused)
	// the last scale holds while paused
	test.That(t, sink.lastScale(), test.ShouldEqual, before)
	test.That(t, mon.checkOnce(), test.ShouldBeFalse)
	test.That(t, sink.lastScale(), test.ShouldEqual, before)

	mon.SetPaused(false)
	test.That(t, mon.State(), test.ShouldEqual, Running)
	test.That(t, mon.checkOnce(), test.ShouldBeTrue)

	joints.set(kinematics.JointState{Names: []string{"j1"}, Positions: []float64{0}})
	test.That(t, mon.checkOnce(), test.ShouldBeFalse)

	mon.Stop()
	test.That(t, mon.State(), test.ShouldEqual, Stopped)
	test.That(t, mon.Start(), test.ShouldNotBeNil)
}

func TestMonitorRunsOnTicker(t *testing.T) {
	m := planar(t)
	joints := &fakeJoints{}
	joints.set(m.NewJointState([]float64{0, 0, 0}, nil, time.Time{}))
	sink := newFakeSink()

	mon, err := NewMonitor(NewChecker(m, nil, nil, 0), joints, sink,
		MonitorConfig{Rate: 200, Thresholds: Thresholds{Self: 0.01, Scene: 0.01}}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mon.Start(), test.ShouldBeNil)
	test.That(t, mon.Start(), test.ShouldNotBeNil)

	select {
	case s := <-sink.ch:
		test.That(t, s, test.ShouldEqual, 1.0)
	case <-time.After(5 * time.Second):
		t.Fatal("monitor never published a scale")
	}
	mon.Stop()
	test.That(t, mon.State(), test.ShouldEqual, Stopped)
}

func TestMonitorConfig(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	_, err := NewMonitor(NewChecker(planar(t), nil, nil, 0), &fakeJoints{}, newFakeSink(),
		MonitorConfig{Rate: 0}, logger)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = NewMonitor(NewChecker(planar(t), nil, nil, 0), &fakeJoints{}, newFakeSink(),
		MonitorConfig{Rate: 5}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, logs.FilterMessageSnippet("below the recommended").Len(), test.ShouldEqual, 1)

	idle, err := NewMonitor(NewChecker(planar(t), nil, nil, 0), &fakeJoints{}, newFakeSink(),
		MonitorConfig{Rate: 20}, logger)
	test.That(t, err, test.ShouldBeNil)
	idle.Stop()
	test.That(t, idle.State(), test.ShouldEqual, Stopped)
}

// opaqueGeometry hides the concrete type so distance queries against it fail.
type opaqueGeometry struct{ spatialmath.Geometry }

func TestMonitorThrottlesCheckFailures(t *testing.T) {
	m := planar(t)
	ball, err := ObstacleConfig{Name: "odd", Type: "sphere", Translation: Vector{X: 400}, Radius: 50}.Geometry()
	test.That(t, err, test.ShouldBeNil)
	w := NewWorld()
	test.That(t, w.AddObstacle(opaqueGeometry{ball}), test.ShouldBeNil)

	joints := &fakeJoints{}
	joints.set(m.NewJointState([]float64{0, 0, 0}, nil, time.Time{}))
	sink := newFakeSink()
	logger, logs := logging.NewObservedTestLogger(t)
	mon, err := NewMonitor(NewChecker(m, w, nil, 0), joints, sink,
		MonitorConfig{Rate: 50, Thresholds: Thresholds{Self: 0.01, Scene: 0.1}, Clock: clock.NewMock()}, logger)
	test.That(t, err, test.ShouldBeNil)
	mon.mu.Lock()
	mon.state = Running
	mon.mu.Unlock()

	for i := 0; i < 10; i++ {
		test.That(t, mon.checkOnce(), test.ShouldBeFalse)
	}
	test.That(t, logs.FilterMessageSnippet("scene collision check failed").Len(), test.ShouldEqual, 1)
	test.That(t, math.IsNaN(sink.lastScale()), test.ShouldBeTrue)
}
