package component

import (
	"fmt"

	"github.com/hmcore/worldsim/internal/core/event"
	"github.com/hmcore/worldsim/internal/core/system"
	"github.com/hmcore/worldsim/internal/core/wire"
	"github.com/hmcore/worldsim/internal/core/xform"
	"github.com/hmcore/worldsim/internal/world"
	"go.uber.org/zap"
)

const (
	MsgTypeSetSpeed event.MessageType = 100 + iota
	MsgTypeNeighborsChanged
)

// MsgSetSpeed changes the angular speed of a Spinner.
type MsgSetSpeed struct{ Speed float64 }

func (MsgSetSpeed) Type() event.MessageType { return MsgTypeSetSpeed }

// Spinner rotates its owner around Axis at Speed radians per second.
type Spinner struct {
	world.ComponentBase
	Speed float64   `yaml:"speed"`
	Axis  []float64 `yaml:"axis"`
}

func (s *Spinner) axis() xform.Vec3 {
	if len(s.Axis) == 3 {
		return xform.V3(s.Axis[0], s.Axis[1], s.Axis[2])
	}
	return xform.V3(0, 1, 0)
}

func (s *Spinner) Initialize() {
	w := s.World()
	if err := w.SetDynamic(s.Owner(), true); err != nil {
		w.Log().Warn("spinner owner", zap.Error(err))
	}
}

func (s *Spinner) rotate() {
	w := s.World()
	obj, ok := w.TryGetObject(s.Owner())
	if !ok {
		return
	}
	t := obj.LocalTransform()
	step := xform.QuatAxisAngle(s.axis(), s.Speed*w.DeltaTime().Seconds())
	t.Rotation = step.Mul(t.Rotation)
	_ = w.SetLocalTransform(s.Owner(), t)
}

// Version 1 payloads carry only the speed.
func spinnerSpec() world.TypeSpec[Spinner, *Spinner] {
	return world.TypeSpec[Spinner, *Spinner]{
		Name:    "spinner",
		Version: 2,
		Handlers: map[event.MessageType]func(*Spinner, event.Message){
			MsgTypeSetSpeed: func(s *Spinner, m event.Message) { s.Speed = m.(MsgSetSpeed).Speed },
		},
		Updates: []world.UpdateSpec[Spinner, *Spinner]{{
			Name:               "spinner.rotate",
			Phase:              system.PhasePreAsync,
			OnlyWhenSimulating: true,
			Func:               (*Spinner).rotate,
		}},
		Serialize: func(s *Spinner, out *wire.Writer) {
			out.WriteF(s.Speed)
			a := s.axis()
			out.WriteF(a.X)
			out.WriteF(a.Y)
			out.WriteF(a.Z)
		},
		Deserialize: func(s *Spinner, r *wire.Reader, version uint16) error {
			s.Speed = r.ReadF()
			if version >= 2 {
				s.Axis = []float64{r.ReadF(), r.ReadF(), r.ReadF()}
			}
			if err := r.Err(); err != nil {
				return fmt.Errorf("spinner v%d: %w", version, err)
			}
			return nil
		},
	}
}
