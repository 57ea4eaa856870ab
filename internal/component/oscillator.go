package component

import (
	"math"
	"time"

	"github.com/hmcore/worldsim/internal/core/system"
	"github.com/hmcore/worldsim/internal/core/wire"
	"github.com/hmcore/worldsim/internal/core/xform"
	"github.com/hmcore/worldsim/internal/world"
)

// Oscillator moves its owner back and forth along Axis around the position
// it had when the simulation started.
type Oscillator struct {
	world.ComponentBase
	Amplitude float64   `yaml:"amplitude"`
	Frequency float64   `yaml:"frequency"` // Hz
	Axis      []float64 `yaml:"axis"`

	origin  xform.Vec3
	started time.Time
}

func (o *Oscillator) OnSimulationStarted() {
	w := o.World()
	if obj, ok := w.TryGetObject(o.Owner()); ok {
		o.origin = obj.LocalTransform().Position
	}
	o.started = w.Now()
	_ = w.SetDynamic(o.Owner(), true)
}

func (o *Oscillator) move() {
	w := o.World()
	axis := xform.V3(1, 0, 0)
	if len(o.Axis) == 3 {
		axis = xform.V3(o.Axis[0], o.Axis[1], o.Axis[2])
	}
	t := w.Now().Sub(o.started).Seconds()
	offset := o.Amplitude * math.Sin(2*math.Pi*o.Frequency*t)
	_ = w.SetLocalPosition(o.Owner(), o.origin.Add(axis.Scale(offset)))
}

func oscillatorSpec() world.TypeSpec[Oscillator, *Oscillator] {
	return world.TypeSpec[Oscillator, *Oscillator]{
		Name:    "oscillator",
		Version: 1,
		Updates: []world.UpdateSpec[Oscillator, *Oscillator]{{
			Name:               "oscillator.move",
			Phase:              system.PhasePreAsync,
			Priority:           -1,
			OnlyWhenSimulating: true,
			Func:               (*Oscillator).move,
		}},
		Serialize: func(o *Oscillator, out *wire.Writer) {
			out.WriteF(o.Amplitude)
			out.WriteF(o.Frequency)
		},
		Deserialize: func(o *Oscillator, r *wire.Reader, _ uint16) error {
			o.Amplitude = r.ReadF()
			o.Frequency = r.ReadF()
			return r.Err()
		},
	}
}
