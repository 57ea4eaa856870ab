package scripting

import (
	"fmt"
	"sort"

	"github.com/hmcore/worldsim/internal/core/event"
	"github.com/hmcore/worldsim/internal/core/system"
	"github.com/hmcore/worldsim/internal/core/wire"
	"github.com/hmcore/worldsim/internal/world"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

const MsgTypeScriptEvent event.MessageType = 200

// MsgScriptEvent is delivered to on_message(self, name, value).
type MsgScriptEvent struct {
	Name  string
	Value float64
}

func (MsgScriptEvent) Type() event.MessageType { return MsgTypeScriptEvent }

// Script binds a Lua script to its owner. The script may define on_init,
// on_update(self, dt), on_message(self, name, value) and on_destroy. Props
// seed the self table.
type Script struct {
	world.ComponentBase
	Script string             `yaml:"script"`
	Props  map[string]float64 `yaml:"props"`

	engine *Engine
	self   *lua.LTable
	failed bool
}

// Number returns a number field of the script's self table.
func (s *Script) Number(key string) float64 {
	if s.self == nil {
		return 0
	}
	return lNum(s.self, key)
}

// String returns a string field of the script's self table.
func (s *Script) String(key string) string {
	if s.self == nil {
		return ""
	}
	return lStr(s.self, key)
}

// Failed reports whether the script raised an error and was stopped.
func (s *Script) Failed() bool { return s.failed }

func (s *Script) Deinitialize() {
	if s.engine != nil && s.self != nil && !s.failed {
		if err := s.engine.call(s, "on_destroy"); err != nil {
			s.engine.log.Warn("lua on_destroy", zap.String("script", s.Script), zap.Error(err))
		}
	}
}

// attach creates the self table and runs on_init on first use.
func (e *Engine) attach(s *Script) bool {
	if s.failed {
		return false
	}
	if s.self != nil {
		return true
	}
	if !e.Has(s.Script) {
		e.fail(s, fmt.Errorf("script %q not loaded", s.Script))
		return false
	}
	s.engine = e
	s.self = e.newSelf(s.Props)
	if err := e.call(s, "on_init"); err != nil {
		e.fail(s, err)
		return false
	}
	return true
}

func (e *Engine) fail(s *Script, err error) {
	s.failed = true
	e.log.Error("lua script stopped",
		zap.String("script", s.Script),
		zap.Stringer("component", s.Handle()),
		zap.Error(err),
	)
}

func (e *Engine) update(s *Script) {
	if !e.attach(s) {
		return
	}
	dt := s.World().DeltaTime().Seconds()
	if err := e.call(s, "on_update", lua.LNumber(dt)); err != nil {
		e.fail(s, err)
	}
}

func (e *Engine) message(s *Script, m event.Message) {
	if !e.attach(s) {
		return
	}
	ev := m.(MsgScriptEvent)
	if err := e.call(s, "on_message", lua.LString(ev.Name), lua.LNumber(ev.Value)); err != nil {
		e.fail(s, err)
	}
}

// Register adds the "script" component type driven by e.
func Register(reg *world.TypeRegistry, e *Engine) error {
	_, err := world.Register(reg, world.TypeSpec[Script, *Script]{
		Name:    "script",
		Version: 1,
		Handlers: map[event.MessageType]func(*Script, event.Message){
			MsgTypeScriptEvent: e.message,
		},
		Updates: []world.UpdateSpec[Script, *Script]{{
			Name:  "script.update",
			Phase: system.PhasePreAsync,
			Func:  e.update,
		}},
		Serialize: func(s *Script, out *wire.Writer) {
			out.WriteS(s.Script)
			keys := make([]string, 0, len(s.Props))
			for k := range s.Props {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			out.WriteH(uint16(len(keys)))
			for _, k := range keys {
				out.WriteS(k)
				out.WriteF(s.Props[k])
			}
		},
		Deserialize: func(s *Script, r *wire.Reader, _ uint16) error {
			s.Script = r.ReadS()
			n := int(r.ReadH())
			if n > 0 {
				s.Props = make(map[string]float64, n)
			}
			for i := 0; i < n && r.Err() == nil; i++ {
				k := r.ReadS()
				s.Props[k] = r.ReadF()
			}
			return r.Err()
		},
	})
	return err
}
