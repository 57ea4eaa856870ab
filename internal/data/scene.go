package data

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/hmcore/worldsim/internal/core/ecs"
	"github.com/hmcore/worldsim/internal/core/xform"
	"github.com/hmcore/worldsim/internal/world"
	"gopkg.in/yaml.v3"
)

var ErrBadScene = errors.New("bad scene")

// Scene is a yaml description of an object tree.
type Scene struct {
	Name    string        `yaml:"name"`
	Objects []SceneObject `yaml:"objects"`
}

// SceneObject describes one object, its components and its children.
type SceneObject struct {
	Name       string           `yaml:"name"`
	Key        string           `yaml:"key"`
	Position   []float64        `yaml:"position"`
	Rotation   *SceneRotation   `yaml:"rotation"`
	Scale      []float64        `yaml:"scale"`
	Bounds     *SceneBounds     `yaml:"bounds"`
	Dynamic    bool             `yaml:"dynamic"`
	Inactive   bool             `yaml:"inactive"`
	Tags       []string         `yaml:"tags"`
	Components []SceneComponent `yaml:"components"`
	Children   []SceneObject    `yaml:"children"`
}

type SceneRotation struct {
	Axis    []float64 `yaml:"axis"`
	Degrees float64   `yaml:"degrees"`
}

type SceneBounds struct {
	Min []float64 `yaml:"min"`
	Max []float64 `yaml:"max"`
}

// SceneComponent names a registered component type. Params are decoded into
// the component's exported yaml fields.
type SceneComponent struct {
	Type     string    `yaml:"type"`
	Disabled bool      `yaml:"disabled"`
	Params   yaml.Node `yaml:"params"`
}

// LoadScene reads a scene file.
func LoadScene(path string) (*Scene, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scene: %w", err)
	}
	s, err := ParseScene(raw)
	if err != nil {
		return nil, fmt.Errorf("scene %s: %w", path, err)
	}
	return s, nil
}

func ParseScene(raw []byte) (*Scene, error) {
	var s Scene
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse scene: %w", err)
	}
	return &s, nil
}

// Count returns the number of objects in the scene, children included.
func (s *Scene) Count() int {
	var count func([]SceneObject) int
	count = func(objs []SceneObject) int {
		n := len(objs)
		for i := range objs {
			n += count(objs[i].Children)
		}
		return n
	}
	return count(s.Objects)
}

func vec(v []float64, def xform.Vec3) (xform.Vec3, error) {
	switch len(v) {
	case 0:
		return def, nil
	case 3:
		return xform.V3(v[0], v[1], v[2]), nil
	default:
		return xform.Vec3{}, fmt.Errorf("vector needs 3 values, got %d: %w", len(v), ErrBadScene)
	}
}

func (o *SceneObject) desc(parent ecs.ID) (world.ObjectDesc, error) {
	d := world.ObjectDesc{
		Name:      o.Name,
		GlobalKey: o.Key,
		Parent:    parent,
		Dynamic:   o.Dynamic,
		Inactive:  o.Inactive,
		Tags:      o.Tags,
		Rotation:  xform.IdentityQuat(),
	}
	var err error
	if d.Position, err = vec(o.Position, xform.Vec3{}); err != nil {
		return d, fmt.Errorf("%s position: %w", o.Name, err)
	}
	if d.Scale, err = vec(o.Scale, xform.V3(1, 1, 1)); err != nil {
		return d, fmt.Errorf("%s scale: %w", o.Name, err)
	}
	if o.Rotation != nil {
		axis, err := vec(o.Rotation.Axis, xform.V3(0, 1, 0))
		if err != nil {
			return d, fmt.Errorf("%s rotation: %w", o.Name, err)
		}
		d.Rotation = xform.QuatAxisAngle(axis, o.Rotation.Degrees*math.Pi/180)
	}
	if o.Bounds != nil {
		lo, err := vec(o.Bounds.Min, xform.Vec3{})
		if err != nil {
			return d, fmt.Errorf("%s bounds: %w", o.Name, err)
		}
		hi, err := vec(o.Bounds.Max, xform.Vec3{})
		if err != nil {
			return d, fmt.Errorf("%s bounds: %w", o.Name, err)
		}
		d.Bounds = xform.Box(lo, hi)
	}
	return d, nil
}

// Instantiate creates the scene's objects and components in w under parent
// (zero for roots) and returns the created top-level ids. The caller holds
// write access. On error the objects created so far are deleted.
func (s *Scene) Instantiate(w *world.World, parent ecs.ID) ([]ecs.ID, error) {
	var roots []ecs.ID
	for i := range s.Objects {
		id, err := instantiate(w, &s.Objects[i], parent)
		if err != nil {
			for _, r := range roots {
				_ = w.DeleteObjectNow(r, false)
			}
			return nil, fmt.Errorf("instantiate scene %q: %w", s.Name, err)
		}
		roots = append(roots, id)
	}
	return roots, nil
}

func instantiate(w *world.World, o *SceneObject, parent ecs.ID) (ecs.ID, error) {
	d, err := o.desc(parent)
	if err != nil {
		return 0, err
	}
	id, err := w.CreateObject(d)
	if err != nil {
		return 0, err
	}
	fail := func(err error) (ecs.ID, error) {
		_ = w.DeleteObjectNow(id, false)
		return 0, err
	}
	for _, sc := range o.Components {
		c, err := w.CreateComponentByName(sc.Type, id)
		if err != nil {
			return fail(fmt.Errorf("object %s: %w", o.Name, err))
		}
		if !sc.Params.IsZero() {
			if err := sc.Params.Decode(c); err != nil {
				return fail(fmt.Errorf("object %s component %s params: %w", o.Name, sc.Type, err))
			}
		}
		if sc.Disabled {
			if err := w.SetComponentActiveFlag(c.Handle(), false); err != nil {
				return fail(err)
			}
		}
	}
	for i := range o.Children {
		if _, err := instantiate(w, &o.Children[i], id); err != nil {
			return fail(err)
		}
	}
	return id, nil
}
