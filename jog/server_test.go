package jog

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"

	"jog_arm/acm"
	"jog_arm/collision"
)

func TestNewServer(t *testing.T) {
	logger := logging.NewTestLogger(t)
	model := planarModel(t)

	_, err := NewServer(planarParams(), nil, newRecorder(), logger)
	var cerr *ConfigurationError
	assert.True(t, errors.As(err, &cerr))

	_, err = NewServer(planarParams(), model, nil, logger)
	assert.Error(t, err)

	bad := planarParams()
	bad.PublishPeriod = -1
	_, err = NewServer(bad, model, newRecorder(), logger)
	assert.True(t, errors.As(err, &cerr))

	s, err := NewServer(planarParams(), model, newRecorder(), logger)
	require.NoError(t, err)
	assert.Equal(t, "disabled", s.Status().MonitorState)
	assert.Equal(t, 1.0, s.Status().CollisionVelocityScale)
	assert.Same(t, model, s.Model())

	err = s.HandleJointJog(JointJogCommand{Names: []string{"j1", "j2"}, Deltas: []float64{1}})
	assert.True(t, errors.Is(err, ErrInvalidCommand))
}

func TestServerPublishOnce(t *testing.T) {
	newServer := func(t *testing.T, params Parameters) (*Server, *clock.Mock, *recorder) {
		t.Helper()
		clk := clock.NewMock()
		clk.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
		rec := newRecorder()
		s, err := NewServer(params, planarModel(t), rec, logging.NewTestLogger(t), WithClock(clk))
		require.NoError(t, err)
		s.HandleJointState(s.Model().NewJointState(planarStart, nil, clk.Now()))
		return s, clk, rec
	}
	ctx := context.Background()

	t.Run("publishes the latest trajectory", func(t *testing.T) {
		s, clk, rec := newServer(t, planarParams())
		s.HandleTwist(TwistCommand{Twist: Twist{Linear: r3.Vector{Y: 0.05}}, Stamp: clk.Now()})
		require.NoError(t, s.calc.Tick())

		clk.Add(5 * time.Millisecond)
		require.NoError(t, s.publishOnce(ctx))
		cmd := <-rec.cmds
		require.Equal(t, CommandOutTrajectory, cmd.Type)
		require.NotNil(t, cmd.Trajectory)
		assert.Equal(t, clk.Now(), cmd.Trajectory.Stamp)
		assert.Equal(t, []string{"j1", "j2", "j3"}, cmd.Trajectory.JointNames)

		st := s.Status()
		assert.EqualValues(t, 1, st.Published)
		assert.True(t, st.OkToPublish)
		assert.False(t, st.CommandIsStale)
		assert.Empty(t, st.LastError)
	})

	t.Run("zero command is not published", func(t *testing.T) {
		s, clk, rec := newServer(t, planarParams())
		s.HandleTwist(TwistCommand{Stamp: clk.Now()})
		assert.True(t, errors.Is(s.calc.Tick(), ErrZeroCommand))
		assert.True(t, errors.Is(s.publishOnce(ctx), ErrZeroCommand))
		assert.Empty(t, rec.cmds)
	})

	t.Run("stale command is not published", func(t *testing.T) {
		clk := clock.NewMock()
		logger, logs := logging.NewObservedTestLogger(t)
		rec := newRecorder()
		s, err := NewServer(planarParams(), planarModel(t), rec, logger, WithClock(clk))
		require.NoError(t, err)
		s.HandleJointState(s.Model().NewJointState(planarStart, nil, clk.Now()))
		s.HandleTwist(TwistCommand{Twist: Twist{Linear: r3.Vector{X: -0.05}}, Stamp: clk.Now()})
		require.NoError(t, s.calc.Tick())
		require.NoError(t, s.publishOnce(ctx))
		<-rec.cmds

		clk.Add(600 * time.Millisecond)
		assert.True(t, errors.Is(s.publishOnce(ctx), ErrStaleCommand))
		assert.True(t, errors.Is(s.publishOnce(ctx), ErrStaleCommand))
		assert.Empty(t, rec.cmds)
		assert.True(t, s.Status().CommandIsStale)
		assert.Equal(t, 1, logs.FilterMessageSnippet("not publishing").Len())

		// a fresh command clears staleness
		s.HandleTwist(TwistCommand{Twist: Twist{Linear: r3.Vector{X: -0.05}}, Stamp: clk.Now()})
		require.NoError(t, s.calc.Tick())
		require.NoError(t, s.publishOnce(ctx))
		assert.False(t, s.Status().CommandIsStale)
	})

	t.Run("publisher errors are reported", func(t *testing.T) {
		clk := clock.NewMock()
		pub := PublisherFunc(func(context.Context, OutgoingCommand) error { return errors.New("bus unplugged") })
		s, err := NewServer(planarParams(), planarModel(t), pub, logging.NewTestLogger(t), WithClock(clk))
		require.NoError(t, err)
		s.HandleJointState(s.Model().NewJointState(planarStart, nil, clk.Now()))
		s.HandleTwist(TwistCommand{Twist: Twist{Linear: r3.Vector{X: -0.05}}, Stamp: clk.Now()})
		require.NoError(t, s.calc.Tick())

		assert.EqualError(t, s.publishOnce(ctx), "bus unplugged")
		st := s.Status()
		assert.EqualValues(t, 0, st.Published)
		assert.Equal(t, "bus unplugged", st.LastError)
	})
}

func TestServerCollisionWiring(t *testing.T) {
	params := planarParams()
	params.CheckCollisions = true

	world := collision.NewWorld()
	matrix := acm.New()
	s, err := NewServer(params, planarModel(t), newRecorder(), logging.NewTestLogger(t),
		WithClock(clock.NewMock()), WithWorld(world), WithMatrix(matrix))
	require.NoError(t, err)
	assert.Same(t, world, s.World())
	assert.Equal(t, "idle", s.Status().MonitorState)

	s.SetMatrix(matrix)
	assert.NotSame(t, matrix, s.Matrix())

	// pausing before the monitor runs is a no-op
	s.PauseCollisionChecking(true)
	assert.Equal(t, "idle", s.Status().MonitorState)
}

func TestServerStartStop(t *testing.T) {
	params := planarParams()
	params.PublishPeriod = 0.01
	params.CheckCollisions = true

	rec := newRecorder()
	s, err := NewServer(params, planarModel(t), rec, logging.NewTestLogger(t))
	require.NoError(t, err)

	reports := make(chan collision.Report, 64)
	s.ObserveCollisions(func(r collision.Report) {
		select {
		case reports <- r:
		default:
		}
	})

	s.HandleJointState(s.Model().NewJointState(planarStart, nil, time.Now()))
	require.NoError(t, s.Start())
	assert.Error(t, s.Start())
	assert.True(t, s.Status().Running)
	assert.Equal(t, "running", s.Status().MonitorState)

	deadline := time.After(5 * time.Second)
	var published OutgoingCommand
wait:
	for {
		s.HandleTwist(TwistCommand{Twist: Twist{Linear: r3.Vector{X: -0.05}}, Stamp: time.Now()})
		select {
		case published = <-rec.cmds:
			break wait
		case <-deadline:
			t.Fatal("nothing was published")
		case <-time.After(5 * time.Millisecond):
		}
	}
	require.NotNil(t, published.Trajectory)
	assert.Len(t, published.Trajectory.Points[0].Positions, 3)

	select {
	case r := <-reports:
		assert.Greater(t, r.Scale, 0.0)
	case <-time.After(5 * time.Second):
		t.Fatal("no collision report")
	}

	s.PauseCollisionChecking(true)
	assert.Equal(t, "paused", s.Status().MonitorState)
	held := s.Shared().CollisionVelocityScale()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, held, s.Shared().CollisionVelocityScale(), "scale is frozen while paused")
	s.PauseCollisionChecking(false)
	assert.Equal(t, "running", s.Status().MonitorState)

	s.Stop()
	st := s.Status()
	assert.False(t, st.Running)
	assert.Equal(t, "stopped", st.MonitorState)
	assert.Error(t, s.Start())
}
