package collision

import (
	"math"
	"sync"

	"go.viam.com/rdk/spatialmath"

	"jog_arm/acm"
	"jog_arm/kinematics"
)

// Result is the outcome of one proximity query.
type Result struct {
	// Distance is the smallest separation in meters between bodies that are not allowed to
	// touch, +Inf when nothing was checked.
	Distance  float64
	Collision bool
	Contacts  []acm.Contact
}

func emptyResult() Result {
	return Result{Distance: math.Inf(1)}
}

// DefaultMatrix returns a matrix allowing contact between adjacent links of the model.
func DefaultMatrix(model *kinematics.Model) *acm.Matrix {
	m := acm.New()
	for _, pair := range model.AdjacentLinks() {
		m.SetEntry(pair[0], pair[1], true)
	}
	return m
}

// Checker runs self and scene proximity queries for one model.
type Checker struct {
	model   *kinematics.Model
	world   *World
	padding float64 // mm

	mu      sync.RWMutex
	allowed *acm.Matrix
}

// NewChecker returns a checker. padding (meters) inflates the robot for scene queries only.
// A nil matrix falls back to DefaultMatrix.
func NewChecker(model *kinematics.Model, world *World, allowed *acm.Matrix, padding float64) *Checker {
	if allowed == nil {
		allowed = DefaultMatrix(model)
	}
	if world == nil {
		world = NewWorld()
	}
	return &Checker{
		model:   model,
		world:   world,
		padding: padding * 1000,
		allowed: allowed.Clone(),
	}
}

// World returns the obstacle set the checker queries.
func (c *Checker) World() *World {
	return c.world
}

// Model returns the kinematic model the checker places geometry for.
func (c *Checker) Model() *kinematics.Model {
	return c.model
}

// SetMatrix replaces the allowed collision matrix with a copy of m.
func (c *Checker) SetMatrix(m *acm.Matrix) {
	clone := m.Clone()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allowed = clone
}

// Matrix returns a copy of the allowed collision matrix.
func (c *Checker) Matrix() *acm.Matrix {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.allowed.Clone()
}

func (c *Checker) matrix() *acm.Matrix {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.allowed
}

// CheckSelf measures the robot against itself.
func (c *Checker) CheckSelf(st *kinematics.State) (Result, error) {
	geoms := c.model.Geometries(st)
	allowed := c.matrix()
	res := emptyResult()
	for i := range geoms {
		for j := i + 1; j < len(geoms); j++ {
			if err := accumulate(&res, allowed, geoms[i], geoms[j], 0); err != nil {
				return Result{}, err
			}
		}
	}
	return res, nil
}

// CheckScene measures the padded robot against the world obstacles.
func (c *Checker) CheckScene(st *kinematics.State) (Result, error) {
	geoms := c.model.Geometries(st)
	allowed := c.matrix()
	res := emptyResult()
	var err error
	c.world.query(func(obstacles map[string]spatialmath.Geometry) {
		for _, g := range geoms {
			for _, o := range obstacles {
				if err = accumulate(&res, allowed, g, o, c.padding); err != nil {
					return
				}
			}
		}
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// accumulate folds one pair into res. Pairs the matrix always allows are skipped; contacts are
// offered to the matrix and recorded when it does not allow them. Unknown pairs count.
func accumulate(res *Result, allowed *acm.Matrix, a, b spatialmath.Geometry, padding float64) error {
	decision, known := allowed.GetAllowedCollision(a.Label(), b.Label())
	if known && decision.Type == acm.Always {
		return nil
	}
	d, err := a.DistanceFrom(b)
	if err != nil {
		return err
	}
	d -= padding

	if d <= 0 {
		contact := acm.Contact{
			BodyA:    a.Label(),
			BodyB:    b.Label(),
			Depth:    -d / 1000,
			Position: a.Pose().Point().Add(b.Pose().Point()).Mul(0.5 / 1000),
		}
		if known && decision.Allows(&contact) {
			return nil
		}
		res.Collision = true
		res.Contacts = append(res.Contacts, contact)
	}
	if m := d / 1000; m < res.Distance {
		res.Distance = m
	}
	return nil
}
