package component

import (
	"github.com/hmcore/worldsim/internal/core/event"
	"github.com/hmcore/worldsim/internal/core/system"
	"github.com/hmcore/worldsim/internal/core/wire"
	"github.com/hmcore/worldsim/internal/core/xform"
	"github.com/hmcore/worldsim/internal/world"
)

// MsgNeighborsChanged is posted to a Proximity's owner when its neighbor
// count changes.
type MsgNeighborsChanged struct{ Count int }

func (MsgNeighborsChanged) Type() event.MessageType { return MsgTypeNeighborsChanged }

// Proximity counts the objects whose bounds overlap a cube of Radius around
// its owner. It runs in the async phase and only reads the world.
type Proximity struct {
	world.ComponentBase
	Radius float64 `yaml:"radius"`

	Neighbors int
}

func (p *Proximity) scan() {
	w := p.World()
	obj, ok := w.TryGetObject(p.Owner())
	if !ok {
		return
	}
	c := obj.GlobalPosition()
	r := xform.V3(p.Radius, p.Radius, p.Radius)
	n := 0
	for _, id := range w.QueryBox(xform.Box(c.Sub(r), c.Add(r))) {
		if id != p.Owner() {
			n++
		}
	}
	if n != p.Neighbors {
		p.Neighbors = n
		w.PostMessage(p.Owner(), MsgNeighborsChanged{Count: n}, event.QueuePostAsync, 0)
	}
}

func proximitySpec() world.TypeSpec[Proximity, *Proximity] {
	return world.TypeSpec[Proximity, *Proximity]{
		Name:    "proximity",
		Version: 1,
		Updates: []world.UpdateSpec[Proximity, *Proximity]{{
			Name:        "proximity.scan",
			Phase:       system.PhaseAsync,
			Granularity: 64,
			Func:        (*Proximity).scan,
		}},
		Serialize:   func(p *Proximity, out *wire.Writer) { out.WriteF(p.Radius) },
		Deserialize: func(p *Proximity, r *wire.Reader, _ uint16) error { p.Radius = r.ReadF(); return r.Err() },
	}
}
