// Package collision computes self and scene proximity for an arm and turns it into a
// velocity scale that slows motion down near contact.
package collision

import (
	"math"
	"sort"
	"sync"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"
)

// World is the set of static obstacles the arm is checked against. It is safe for concurrent
// use; queries hold the read lock for the duration of one query only.
type World struct {
	mu        sync.RWMutex
	obstacles map[string]spatialmath.Geometry
}

// NewWorld returns an empty world.
func NewWorld() *World {
	return &World{obstacles: map[string]spatialmath.Geometry{}}
}

// SetObstacles replaces every obstacle.
func (w *World) SetObstacles(geoms []spatialmath.Geometry) error {
	next := make(map[string]spatialmath.Geometry, len(geoms))
	for _, g := range geoms {
		if g.Label() == "" {
			return errors.New("obstacles must be labeled")
		}
		if _, dup := next[g.Label()]; dup {
			return errors.Errorf("duplicate obstacle %q", g.Label())
		}
		next[g.Label()] = g
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.obstacles = next
	return nil
}

// AddObstacle adds or replaces one obstacle, keyed by its label.
func (w *World) AddObstacle(g spatialmath.Geometry) error {
	if g.Label() == "" {
		return errors.New("obstacles must be labeled")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.obstacles[g.Label()] = g
	return nil
}

// RemoveObstacle removes the named obstacle and reports whether it existed.
func (w *World) RemoveObstacle(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.obstacles[name]
	delete(w.obstacles, name)
	return ok
}

// Obstacles returns the obstacles sorted by label.
func (w *World) Obstacles() []spatialmath.Geometry {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]spatialmath.Geometry, 0, len(w.obstacles))
	for _, g := range w.obstacles {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label() < out[j].Label() })
	return out
}

func (w *World) query(fn func(obstacles map[string]spatialmath.Geometry)) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	fn(w.obstacles)
}

// ObstacleConfig describes a primitive obstacle. Sizes and translations are in millimeters,
// the optional rotation is an axis and an angle in degrees.
type ObstacleConfig struct {
	Name        string     `json:"name"`
	Type        string     `json:"type"`
	Translation Vector     `json:"translation"`
	Rotation    *AxisAngle `json:"rotation,omitempty"`
	Dims        Vector     `json:"dims,omitempty"`
	Radius      float64    `json:"radius,omitempty"`
	Length      float64    `json:"length,omitempty"`
}

// Vector is a JSON friendly r3.Vector.
type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// AxisAngle is a rotation of Theta degrees about (X, Y, Z).
type AxisAngle struct {
	Theta float64 `json:"th"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
}

// Validate checks the obstacle can be turned into a geometry.
func (c ObstacleConfig) Validate() error {
	_, err := c.Geometry()
	return err
}

// Geometry builds the obstacle.
func (c ObstacleConfig) Geometry() (spatialmath.Geometry, error) {
	if c.Name == "" {
		return nil, errors.New("obstacle needs a name")
	}
	pose := spatialmath.NewPoseFromPoint(r3.Vector{X: c.Translation.X, Y: c.Translation.Y, Z: c.Translation.Z})
	if c.Rotation != nil && c.Rotation.Theta != 0 {
		axis := r3.Vector{X: c.Rotation.X, Y: c.Rotation.Y, Z: c.Rotation.Z}
		if axis.Norm() == 0 {
			return nil, errors.Errorf("obstacle %q has a rotation with a zero axis", c.Name)
		}
		axis = axis.Normalize()
		pose = spatialmath.NewPose(pose.Point(), &spatialmath.R4AA{
			Theta: c.Rotation.Theta * math.Pi / 180, RX: axis.X, RY: axis.Y, RZ: axis.Z,
		})
	}

	var (
		g   spatialmath.Geometry
		err error
	)
	switch c.Type {
	case "box":
		g, err = spatialmath.NewBox(pose, r3.Vector{X: c.Dims.X, Y: c.Dims.Y, Z: c.Dims.Z}, c.Name)
	case "sphere":
		g, err = spatialmath.NewSphere(pose, c.Radius, c.Name)
	case "capsule":
		g, err = spatialmath.NewCapsule(pose, c.Radius, c.Length, c.Name)
	default:
		return nil, errors.Errorf("obstacle %q has unsupported type %q", c.Name, c.Type)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "obstacle %q", c.Name)
	}
	return g, nil
}

// Geometries builds every obstacle in configs.
func Geometries(configs []ObstacleConfig) ([]spatialmath.Geometry, error) {
	out := make([]spatialmath.Geometry, 0, len(configs))
	for _, c := range configs {
		g, err := c.Geometry()
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}
