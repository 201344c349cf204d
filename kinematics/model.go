// Package kinematics holds the serial-chain arm model used for jogging: forward kinematics,
// the geometric Jacobian, pseudo-inverses and per-link collision geometry.
//
// Model files follow the viam kinematics JSON layout: translations and geometry sizes are in
// millimeters, revolute limits in degrees. Everything exported from this package works in
// meters and radians.
package kinematics

import (
	"embed"
	"encoding/json"
	"math"
	"os"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"
)

//go:embed models/*.json
var builtinModels embed.FS

// World is the name of the root frame every model hangs from.
const World = "world"

// JointType is the kind of motion a joint performs.
type JointType int

const (
	// Revolute joints rotate about their axis; positions are radians.
	Revolute JointType = iota
	// Prismatic joints translate along their axis; positions are meters.
	Prismatic
)

// Joint is one actuated degree of freedom.
type Joint struct {
	Name        string
	Type        JointType
	Axis        r3.Vector
	Min         float64
	Max         float64
	MaxVelocity float64 // 0 means unlimited
}

// Link is a rigid offset between frames, optionally carrying a collision capsule.
type Link struct {
	Name        string
	Translation r3.Vector // mm
	Radius      float64   // mm, 0 for no geometry

	geometry spatialmath.Geometry // in the link's parent frame
}

type frame struct {
	link  int // index into links, -1 for joints
	joint int // index into joints, -1 for links
}

// Model is a serial kinematic chain.
type Model struct {
	name   string
	links  []Link
	joints []Joint
	frames []frame
}

type vectorJSON struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (v vectorJSON) vec() r3.Vector {
	return r3.Vector{X: v.X, Y: v.Y, Z: v.Z}
}

type geometryJSON struct {
	R float64 `json:"r"`
}

type linkJSON struct {
	ID          string        `json:"id"`
	Parent      string        `json:"parent"`
	Translation vectorJSON    `json:"translation"`
	Geometry    *geometryJSON `json:"geometry,omitempty"`
}

type jointJSON struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	Parent      string     `json:"parent"`
	Axis        vectorJSON `json:"axis"`
	Min         float64    `json:"min"`
	Max         float64    `json:"max"`
	MaxVelocity float64    `json:"max_velocity,omitempty"`
}

type modelJSON struct {
	Name   string      `json:"name"`
	Links  []linkJSON  `json:"links"`
	Joints []jointJSON `json:"joints"`
}

// ParseModelJSON parses a model description.
func ParseModelJSON(data []byte) (*Model, error) {
	var mj modelJSON
	if err := json.Unmarshal(data, &mj); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal kinematics json")
	}
	return buildModel(mj)
}

// ParseModelFile reads and parses a model description from disk.
func ParseModelFile(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read kinematics file %s", path)
	}
	return ParseModelJSON(data)
}

// Builtin returns one of the models embedded in the binary, selected by name.
func Builtin(name string) (*Model, error) {
	data, err := builtinModels.ReadFile("models/" + name + ".json")
	if err != nil {
		return nil, errors.Errorf("no builtin kinematics model named %q", name)
	}
	return ParseModelJSON(data)
}

func buildModel(mj modelJSON) (*Model, error) {
	m := &Model{name: mj.Name}

	children := map[string][]string{}
	kinds := map[string]frame{}

	for _, lj := range mj.Links {
		if lj.ID == "" {
			return nil, errors.New("link with empty id")
		}
		if _, dup := kinds[lj.ID]; dup {
			return nil, errors.Errorf("duplicate frame id %q", lj.ID)
		}
		link := Link{Name: lj.ID, Translation: lj.Translation.vec()}
		if lj.Geometry != nil {
			link.Radius = lj.Geometry.R
		}
		if err := link.buildGeometry(); err != nil {
			return nil, err
		}
		kinds[lj.ID] = frame{link: len(m.links), joint: -1}
		m.links = append(m.links, link)
		children[parentOrWorld(lj.Parent)] = append(children[parentOrWorld(lj.Parent)], lj.ID)
	}

	for _, jj := range mj.Joints {
		if jj.ID == "" {
			return nil, errors.New("joint with empty id")
		}
		if _, dup := kinds[jj.ID]; dup {
			return nil, errors.Errorf("duplicate frame id %q", jj.ID)
		}
		joint := Joint{Name: jj.ID, Axis: jj.Axis.vec()}
		if joint.Axis.Norm() == 0 {
			return nil, errors.Errorf("joint %q has a zero axis", jj.ID)
		}
		joint.Axis = joint.Axis.Normalize()
		switch strings.ToLower(jj.Type) {
		case "revolute", "":
			joint.Type = Revolute
			joint.Min = jj.Min * math.Pi / 180
			joint.Max = jj.Max * math.Pi / 180
			joint.MaxVelocity = jj.MaxVelocity * math.Pi / 180
		case "prismatic":
			joint.Type = Prismatic
			joint.Min = jj.Min / 1000
			joint.Max = jj.Max / 1000
			joint.MaxVelocity = jj.MaxVelocity / 1000
		default:
			return nil, errors.Errorf("joint %q has unsupported type %q", jj.ID, jj.Type)
		}
		if joint.Min > joint.Max {
			return nil, errors.Errorf("joint %q has min %.3f above max %.3f", jj.ID, jj.Min, jj.Max)
		}
		kinds[jj.ID] = frame{link: -1, joint: len(m.joints)}
		m.joints = append(m.joints, joint)
		children[parentOrWorld(jj.Parent)] = append(children[parentOrWorld(jj.Parent)], jj.ID)
	}

	// walk the chain from world; branching is not supported
	current := World
	for {
		next := children[current]
		if len(next) == 0 {
			break
		}
		if len(next) > 1 {
			return nil, errors.Errorf("frame %q has %d children, only serial chains are supported", current, len(next))
		}
		m.frames = append(m.frames, kinds[next[0]])
		current = next[0]
	}
	if len(m.frames) != len(kinds) {
		return nil, errors.Errorf("%d of %d frames are not connected to %s", len(kinds)-len(m.frames), len(kinds), World)
	}
	if len(m.joints) == 0 {
		return nil, errors.New("model has no joints")
	}
	return m, nil
}

func parentOrWorld(parent string) string {
	if parent == "" {
		return World
	}
	return parent
}

// buildGeometry creates a capsule that spans the link translation, or a sphere when the
// translation is too short for a capsule.
func (l *Link) buildGeometry() error {
	if l.Radius <= 0 {
		return nil
	}
	length := l.Translation.Norm()
	if length < 1e-6 {
		g, err := spatialmath.NewSphere(spatialmath.NewZeroPose(), l.Radius, l.Name)
		if err != nil {
			return errors.Wrapf(err, "link %q", l.Name)
		}
		l.geometry = g
		return nil
	}

	dir := l.Translation.Mul(1 / length)
	z := r3.Vector{Z: 1}
	axis := z.Cross(dir)
	center := l.Translation.Mul(0.5)

	var offset spatialmath.Pose
	switch {
	case axis.Norm() > 1e-9:
		axis = axis.Normalize()
		angle := math.Acos(math.Max(-1, math.Min(1, z.Dot(dir))))
		offset = spatialmath.NewPose(center, &spatialmath.R4AA{Theta: angle, RX: axis.X, RY: axis.Y, RZ: axis.Z})
	case dir.Z < 0:
		offset = spatialmath.NewPose(center, &spatialmath.R4AA{Theta: math.Pi, RX: 1})
	default:
		offset = spatialmath.NewPoseFromPoint(center)
	}

	g, err := spatialmath.NewCapsule(offset, l.Radius, length+2*l.Radius, l.Name)
	if err != nil {
		return errors.Wrapf(err, "link %q", l.Name)
	}
	l.geometry = g
	return nil
}

// Name returns the model name.
func (m *Model) Name() string {
	return m.name
}

// DoF returns the number of joints.
func (m *Model) DoF() int {
	return len(m.joints)
}

// Joints returns a copy of the joint descriptions in chain order.
func (m *Model) Joints() []Joint {
	out := make([]Joint, len(m.joints))
	copy(out, m.joints)
	return out
}

// JointNames returns joint names in chain order.
func (m *Model) JointNames() []string {
	names := make([]string, len(m.joints))
	for i, j := range m.joints {
		names[i] = j.Name
	}
	return names
}

// JointIndex returns the chain index of the named joint.
func (m *Model) JointIndex(name string) (int, bool) {
	for i, j := range m.joints {
		if j.Name == name {
			return i, true
		}
	}
	return 0, false
}

// LinkNames returns the names of links that carry collision geometry.
func (m *Model) LinkNames() []string {
	var names []string
	for _, l := range m.links {
		if l.geometry != nil {
			names = append(names, l.Name)
		}
	}
	return names
}

// EndEffector returns the name of the last frame in the chain.
func (m *Model) EndEffector() string {
	last := m.frames[len(m.frames)-1]
	if last.link >= 0 {
		return m.links[last.link].Name
	}
	return m.joints[last.joint].Name
}

// AdjacentLinks returns pairs of geometry-carrying links separated only by joints. These
// pairs touch by construction and are normally allowed to collide.
func (m *Model) AdjacentLinks() [][2]string {
	var pairs [][2]string
	prev := ""
	for _, f := range m.frames {
		if f.link < 0 {
			continue
		}
		l := m.links[f.link]
		if l.geometry == nil {
			continue
		}
		if prev != "" {
			pairs = append(pairs, [2]string{prev, l.Name})
		}
		prev = l.Name
	}
	return pairs
}

// WithinLimits reports whether every position lies inside the joint limits shrunk by margin.
func (m *Model) WithinLimits(positions []float64, margin float64) bool {
	for i, j := range m.joints {
		if positions[i] < j.Min+margin || positions[i] > j.Max-margin {
			return false
		}
	}
	return true
}
