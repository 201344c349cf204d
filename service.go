package jog_arm

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	commonpb "go.viam.com/api/common/v1"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/generic"
	"go.viam.com/rdk/spatialmath"
	goutils "go.viam.com/utils"
	"golang.org/x/time/rate"
	"google.golang.org/protobuf/encoding/protojson"

	"jog_arm/acm"
	"jog_arm/collision"
	"jog_arm/jog"
	"jog_arm/kinematics"
)

var Model = resource.NewModel("devrel", "jog", "jog-arm")

func init() {
	resource.RegisterService(generic.API, Model,
		resource.Registration[resource.Resource, *Config]{
			Constructor: newJogService,
		},
	)
}

// jogService runs a jog server against one backend and feeds it the backend's joint
// positions.
type jogService struct {
	resource.Named
	resource.AlwaysRebuild

	logger  logging.Logger
	cfg     *Config
	model   *kinematics.Model
	server  *jog.Server
	backend backend

	pollLog rate.Sometimes

	closeOnce sync.Once
	workers   *goutils.StoppableWorkers
}

func newJogService(ctx context.Context, deps resource.Dependencies, conf resource.Config, logger logging.Logger) (resource.Resource, error) {
	cfg, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return nil, err
	}
	params, err := cfg.Parameters()
	if err != nil {
		return nil, err
	}
	model, err := cfg.KinematicModel(params)
	if err != nil {
		return nil, err
	}
	b, err := newBackend(ctx, deps, cfg, model, logger)
	if err != nil {
		return nil, err
	}
	if sim, ok := b.(*SimArm); ok {
		sim.AcceptVelocityData(!params.PublishJointPositions && params.PublishJointVelocities)
	}

	s, err := newJogServiceWithBackend(ctx, conf.ResourceName().AsNamed(), cfg, model, b, logger)
	if err != nil {
		return nil, multierr.Combine(err, b.Close(ctx))
	}
	return s, nil
}

func newJogServiceWithBackend(
	ctx context.Context,
	named resource.Named,
	cfg *Config,
	model *kinematics.Model,
	b backend,
	logger logging.Logger,
	opts ...jog.Option,
) (*jogService, error) {
	params, err := cfg.Parameters()
	if err != nil {
		return nil, err
	}
	world, err := cfg.World()
	if err != nil {
		return nil, err
	}
	matrix, err := cfg.Matrix(model)
	if err != nil {
		return nil, err
	}

	opts = append([]jog.Option{jog.WithWorld(world), jog.WithMatrix(matrix)}, opts...)
	server, err := jog.NewServer(params, model, b, logger, opts...)
	if err != nil {
		return nil, err
	}

	s := &jogService{
		Named:   named,
		logger:  logger,
		cfg:     cfg,
		model:   model,
		server:  server,
		backend: b,
		pollLog: rate.Sometimes{Interval: 2 * time.Second},
	}

	// the first state is read synchronously so a bad backend fails construction
	if err := s.pollJoints(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to read initial joint positions")
	}
	if err := server.Start(); err != nil {
		return nil, err
	}
	hz := cfg.JointStateRate
	if hz <= 0 {
		hz = defaultJointStateRate
	}
	period := time.Duration(float64(time.Second) / hz)
	s.workers = goutils.NewBackgroundStoppableWorkers(func(ctx context.Context) {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if err := s.pollJoints(ctx); err != nil && ctx.Err() == nil {
				s.pollLog.Do(func() {
					s.logger.Warnw("failed to read joint positions", "error", err)
				})
			}
		}
	})
	logger.Infof("jogging %s (%d joints) on the %s backend", model.Name(), model.DoF(), cfg.Backend)
	return s, nil
}

func (s *jogService) pollJoints(ctx context.Context) error {
	q, err := s.backend.JointPositions(ctx)
	if err != nil {
		return err
	}
	s.server.HandleJointState(s.model.NewJointState(q, nil, time.Now()))
	return nil
}

type twistRequest struct {
	Linear  *vectorRequest `json:"linear"`
	Angular *vectorRequest `json:"angular"`
	Frame   string         `json:"frame"`
}

type vectorRequest struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (v *vectorRequest) vector() r3.Vector {
	if v == nil {
		return r3.Vector{}
	}
	return r3.Vector{X: v.X, Y: v.Y, Z: v.Z}
}

type jointJogRequest struct {
	Names  []string  `json:"names"`
	Deltas []float64 `json:"deltas"`
}

type obstaclesRequest struct {
	Obstacles  []collision.ObstacleConfig `json:"obstacles"`
	Geometries []map[string]interface{}   `json:"geometries"`
}

// decodeCommand fills out from the DoCommand arguments using the json field names.
func decodeCommand(cmd map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{TagName: "json", Result: out})
	if err != nil {
		return err
	}
	return errors.Wrap(decoder.Decode(cmd), "invalid command arguments")
}

func (s *jogService) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	switch cmd["command"] {
	case "twist":
		var req twistRequest
		if err := decodeCommand(cmd, &req); err != nil {
			return nil, err
		}
		s.server.HandleTwist(jog.TwistCommand{
			Twist: jog.Twist{Linear: req.Linear.vector(), Angular: req.Angular.vector()},
			Frame: req.Frame,
			Stamp: time.Now(),
		})
		return map[string]interface{}{"success": true}, nil

	case "joint_jog":
		var req jointJogRequest
		if err := decodeCommand(cmd, &req); err != nil {
			return nil, err
		}
		err := s.server.HandleJointJog(jog.JointJogCommand{Names: req.Names, Deltas: req.Deltas, Stamp: time.Now()})
		return map[string]interface{}{"success": err == nil}, err

	case "pause_collision_checking":
		s.server.PauseCollisionChecking(true)
		return map[string]interface{}{"monitor_state": s.server.Status().MonitorState}, nil

	case "resume_collision_checking":
		s.server.PauseCollisionChecking(false)
		return map[string]interface{}{"monitor_state": s.server.Status().MonitorState}, nil

	case "set_obstacles":
		var req obstaclesRequest
		if err := decodeCommand(cmd, &req); err != nil {
			return nil, err
		}
		geoms, err := requestGeometries(req)
		if err != nil {
			return nil, err
		}
		if err := s.server.World().SetObstacles(geoms); err != nil {
			return nil, err
		}
		return map[string]interface{}{"obstacles": len(geoms)}, nil

	case "add_obstacle":
		var req obstaclesRequest
		if err := decodeCommand(cmd, &req); err != nil {
			return nil, err
		}
		geoms, err := requestGeometries(req)
		if err != nil {
			return nil, err
		}
		for _, g := range geoms {
			if err := s.server.World().AddObstacle(g); err != nil {
				return nil, err
			}
		}
		return map[string]interface{}{"added": len(geoms)}, nil

	case "remove_obstacle":
		name, ok := cmd["name"].(string)
		if !ok {
			return nil, errors.New("remove_obstacle command requires a 'name' string")
		}
		return map[string]interface{}{"removed": s.server.World().RemoveObstacle(name)}, nil

	case "obstacles":
		obstacles, err := geometriesToMaps(s.server.World().Obstacles())
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"obstacles": obstacles}, nil

	case "status":
		return statusMap(s.server.Status()), nil

	case "acm":
		m := s.server.Matrix()
		var buf bytes.Buffer
		m.Fprint(&buf)
		msg, err := toMap(m.ToMessage())
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"table": buf.String(), "matrix": msg}, nil

	case "set_acm":
		var msg acm.Message
		raw, ok := cmd["matrix"].(map[string]interface{})
		if !ok {
			return nil, errors.New("set_acm command requires a 'matrix' object")
		}
		if err := decodeCommand(raw, &msg); err != nil {
			return nil, err
		}
		m, err := acm.FromMessage(msg)
		if err != nil {
			return nil, err
		}
		s.server.SetMatrix(m)
		return map[string]interface{}{"success": true}, nil

	default:
		return nil, errors.Errorf("unknown command: %v", cmd["command"])
	}
}

// requestGeometries builds the primitive obstacles followed by the protobuf geometries.
func requestGeometries(req obstaclesRequest) ([]spatialmath.Geometry, error) {
	geoms, err := collision.Geometries(req.Obstacles)
	if err != nil {
		return nil, err
	}
	for i, raw := range req.Geometries {
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, err
		}
		var pb commonpb.Geometry
		if err := protojson.Unmarshal(data, &pb); err != nil {
			return nil, errors.Wrapf(err, "geometry %d", i)
		}
		g, err := referenceframe.NewGeometryFromProto(&pb)
		if err != nil {
			return nil, errors.Wrapf(err, "geometry %d", i)
		}
		geoms = append(geoms, g)
	}
	return geoms, nil
}

// geometriesToMaps renders geometries in their protobuf JSON form.
func geometriesToMaps(geoms []spatialmath.Geometry) ([]interface{}, error) {
	out := make([]interface{}, 0, len(geoms))
	for _, g := range geoms {
		data, err := protojson.Marshal(g.ToProtobuf())
		if err != nil {
			return nil, err
		}
		var m map[string]interface{}
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func toMap(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	return m, json.Unmarshal(data, &m)
}

// statusMap renders st for DoCommand. Infinite distances, meaning nothing to collide with,
// become nil.
func statusMap(st jog.Status) map[string]interface{} {
	distance := func(d float64) interface{} {
		if math.IsInf(d, 0) || math.IsNaN(d) {
			return nil
		}
		return d
	}
	return map[string]interface{}{
		"running":                  st.Running,
		"ok_to_publish":            st.OkToPublish,
		"command_is_stale":         st.CommandIsStale,
		"collision_velocity_scale": st.CollisionVelocityScale,
		"monitor_state":            st.MonitorState,
		"self_distance":            distance(st.SelfDistance),
		"scene_distance":           distance(st.SceneDistance),
		"published":                float64(st.Published),
		"last_error":               st.LastError,
	}
}

func (s *jogService) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.logger.Info("Closing jog service")
		s.workers.Stop()
		s.server.Stop()
		err = s.backend.Close(ctx)
	})
	return err
}
