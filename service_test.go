package jog_arm

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/generic"

	"jog_arm/jog"
)

var planarStart = []float64{0.3, 0.8, -0.6}

func planarConfig(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{Backend: BackendSim, Jog: map[string]any{
		"move_group_name":                 "planar3",
		"command_in_type":                 jog.CommandInSpeedUnits,
		"lower_singularity_threshold":     1000,
		"hard_stop_singularity_threshold": 2000,
	}}
	_, _, err := cfg.Validate("services.0")
	require.NoError(t, err)
	return cfg
}

func newPlanarService(t *testing.T) (*jogService, *SimArm) {
	t.Helper()
	cfg := planarConfig(t)
	params, err := cfg.Parameters()
	require.NoError(t, err)
	model, err := cfg.KinematicModel(params)
	require.NoError(t, err)

	sim := NewSimArm(model, planarStart)
	named := resource.NewName(generic.API, "jog").AsNamed()
	svc, err := newJogServiceWithBackend(context.Background(), named, cfg, model, sim, logging.NewTestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close(context.Background()) })
	return svc, sim
}

func TestServiceJogsSimArm(t *testing.T) {
	ctx := context.Background()
	svc, sim := newPlanarService(t)

	_, err := svc.DoCommand(ctx, map[string]interface{}{
		"command": "joint_jog",
		"names":   []interface{}{"j1"},
		"deltas":  []interface{}{0.5},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sim.Published() > 0 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		q, err := sim.JointPositions(ctx)
		return err == nil && q[0] > planarStart[0]
	}, 2*time.Second, 10*time.Millisecond)

	q, err := sim.JointPositions(ctx)
	require.NoError(t, err)
	assert.InDelta(t, planarStart[1], q[1], 1e-9, "only j1 moves")
	assert.InDelta(t, planarStart[2], q[2], 1e-9, "only j1 moves")

	_, err = svc.DoCommand(ctx, map[string]interface{}{
		"command": "twist",
		"linear":  map[string]interface{}{"x": 0.05},
		"frame":   "base",
	})
	require.NoError(t, err)

	status, err := svc.DoCommand(ctx, map[string]interface{}{"command": "status"})
	require.NoError(t, err)
	assert.Equal(t, true, status["running"])
	assert.Equal(t, "running", status["monitor_state"])
	assert.Contains(t, status, "self_distance")
	assert.Contains(t, status, "collision_velocity_scale")
}

func TestServiceCommandErrors(t *testing.T) {
	ctx := context.Background()
	svc, _ := newPlanarService(t)

	_, err := svc.DoCommand(ctx, map[string]interface{}{"command": "dance"})
	assert.ErrorContains(t, err, "unknown command")

	_, err = svc.DoCommand(ctx, map[string]interface{}{
		"command": "joint_jog",
		"names":   []interface{}{"j1", "j2"},
		"deltas":  []interface{}{0.5},
	})
	assert.ErrorIs(t, err, jog.ErrInvalidCommand)

	_, err = svc.DoCommand(ctx, map[string]interface{}{"command": "twist", "linear": "fast"})
	assert.Error(t, err)

	_, err = svc.DoCommand(ctx, map[string]interface{}{"command": "set_acm"})
	assert.ErrorContains(t, err, "matrix")

	_, err = svc.DoCommand(ctx, map[string]interface{}{
		"command":   "set_obstacles",
		"obstacles": []interface{}{map[string]interface{}{"name": "wall", "type": "plane"}},
	})
	assert.ErrorContains(t, err, "plane")
}

func TestServicePauseCollisionChecking(t *testing.T) {
	ctx := context.Background()
	svc, _ := newPlanarService(t)

	resp, err := svc.DoCommand(ctx, map[string]interface{}{"command": "pause_collision_checking"})
	require.NoError(t, err)
	assert.Equal(t, "paused", resp["monitor_state"])

	resp, err = svc.DoCommand(ctx, map[string]interface{}{"command": "resume_collision_checking"})
	require.NoError(t, err)
	assert.Equal(t, "running", resp["monitor_state"])
}

func TestServiceObstacles(t *testing.T) {
	ctx := context.Background()
	svc, _ := newPlanarService(t)

	resp, err := svc.DoCommand(ctx, map[string]interface{}{
		"command": "set_obstacles",
		"obstacles": []interface{}{
			map[string]interface{}{
				"name":        "wall",
				"type":        "box",
				"translation": map[string]interface{}{"x": 2000},
				"dims":        map[string]interface{}{"x": 10, "y": 1000, "z": 1000},
			},
		},
		"geometries": []interface{}{
			map[string]interface{}{
				"label":  "ball",
				"center": map[string]interface{}{"x": 0, "y": 2000, "z": 0, "o_z": 1},
				"sphere": map[string]interface{}{"radius_mm": 50},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, resp["obstacles"])

	resp, err = svc.DoCommand(ctx, map[string]interface{}{"command": "obstacles"})
	require.NoError(t, err)
	obstacles, ok := resp["obstacles"].([]interface{})
	require.True(t, ok)
	var labels []interface{}
	for _, o := range obstacles {
		labels = append(labels, o.(map[string]interface{})["label"])
	}
	assert.ElementsMatch(t, []interface{}{"wall", "ball"}, labels)

	_, err = svc.DoCommand(ctx, map[string]interface{}{
		"command":    "set_obstacles",
		"geometries": []interface{}{map[string]interface{}{"sphere": "big"}},
	})
	assert.ErrorContains(t, err, "geometry 0")

	resp, err = svc.DoCommand(ctx, map[string]interface{}{
		"command": "add_obstacle",
		"obstacles": []interface{}{
			map[string]interface{}{"name": "post", "type": "capsule", "radius": 20, "length": 400, "translation": map[string]interface{}{"y": -800}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, resp["added"])
	assert.Len(t, svc.server.World().Obstacles(), 3)

	resp, err = svc.DoCommand(ctx, map[string]interface{}{"command": "remove_obstacle", "name": "wall"})
	require.NoError(t, err)
	assert.Equal(t, true, resp["removed"])
	resp, err = svc.DoCommand(ctx, map[string]interface{}{"command": "remove_obstacle", "name": "wall"})
	require.NoError(t, err)
	assert.Equal(t, false, resp["removed"])
	assert.Len(t, svc.server.World().Obstacles(), 2)

	// an empty request clears the scene
	_, err = svc.DoCommand(ctx, map[string]interface{}{"command": "set_obstacles"})
	require.NoError(t, err)
	assert.Empty(t, svc.server.World().Obstacles())
}

func TestServiceAllowedCollisionMatrix(t *testing.T) {
	ctx := context.Background()
	svc, _ := newPlanarService(t)

	resp, err := svc.DoCommand(ctx, map[string]interface{}{"command": "acm"})
	require.NoError(t, err)
	assert.Contains(t, resp["table"], "link1")
	matrix, ok := resp["matrix"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, matrix, "entry_names")

	_, err = svc.DoCommand(ctx, map[string]interface{}{
		"command": "set_acm",
		"matrix": map[string]interface{}{
			"entry_names": []interface{}{"link1", "link3"},
			"entry_values": []interface{}{
				[]interface{}{false, true},
				[]interface{}{true, false},
			},
		},
	})
	require.NoError(t, err)
	m := svc.server.Matrix()
	assert.True(t, m.Allowed("link1", "link3", nil))
	assert.False(t, m.Allowed("base", "link1", nil), "replaced, not merged")

	_, err = svc.DoCommand(ctx, map[string]interface{}{
		"command": "set_acm",
		"matrix": map[string]interface{}{
			"entry_names":  []interface{}{"link1", "link3"},
			"entry_values": []interface{}{[]interface{}{false, true}},
		},
	})
	assert.Error(t, err)
}

type brokenBackend struct{ *SimArm }

func (brokenBackend) JointPositions(context.Context) ([]float64, error) {
	return nil, errors.New("bus timeout")
}

func TestNewJogService(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)

	t.Run("sim backend from a resource config", func(t *testing.T) {
		cfg := planarConfig(t)
		conf := resource.Config{Name: "jog", API: generic.API, Model: Model, ConvertedAttributes: cfg}
		res, err := newJogService(ctx, nil, conf, logger)
		require.NoError(t, err)
		svc, ok := res.(*jogService)
		require.True(t, ok)
		assert.Equal(t, "jog", svc.Name().ShortName())
		_, isSim := svc.backend.(*SimArm)
		assert.True(t, isSim)
		require.NoError(t, svc.Close(ctx))
		require.NoError(t, svc.Close(ctx))
		assert.False(t, svc.server.Status().Running)
	})

	t.Run("missing arm dependency", func(t *testing.T) {
		cfg := &Config{Arm: "so101-arm"}
		_, _, err := cfg.Validate("services.0")
		require.NoError(t, err)
		conf := resource.Config{Name: "jog", API: generic.API, Model: Model, ConvertedAttributes: cfg}
		_, err = newJogService(ctx, resource.Dependencies{}, conf, logger)
		assert.ErrorContains(t, err, "so101-arm")
	})

	t.Run("unreadable backend", func(t *testing.T) {
		cfg := planarConfig(t)
		params, err := cfg.Parameters()
		require.NoError(t, err)
		model, err := cfg.KinematicModel(params)
		require.NoError(t, err)
		named := resource.NewName(generic.API, "jog").AsNamed()
		_, err = newJogServiceWithBackend(ctx, named, cfg, model, brokenBackend{NewSimArm(model, nil)}, logger)
		assert.ErrorContains(t, err, "initial joint positions")
	})
}
