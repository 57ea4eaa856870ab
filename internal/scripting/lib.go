package scripting

import (
	"github.com/hmcore/worldsim/internal/core/xform"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// openWorldLib installs the "world" table scripts use to reach their owner.
func (e *Engine) openWorldLib() {
	lib := e.vm.SetFuncs(e.vm.NewTable(), map[string]lua.LGFunction{
		"log":          e.luaLog,
		"dt":           e.luaDt,
		"frame":        e.luaFrame,
		"position":     e.luaPosition,
		"set_position": e.luaSetPosition,
		"global":       e.luaGlobalPosition,
		"send":         e.luaSend,
	})
	e.vm.SetGlobal("world", lib)
}

func (e *Engine) owner(L *lua.LState) *Script {
	if e.current == nil {
		L.RaiseError("world api called outside a script callback")
		return nil
	}
	return e.current
}

func (e *Engine) luaLog(L *lua.LState) int {
	msg := L.CheckString(1)
	fields := []zap.Field{}
	if s := e.current; s != nil {
		fields = append(fields, zap.String("script", s.Script), zap.Stringer("component", s.Handle()))
	}
	e.log.Info(msg, fields...)
	return 0
}

func (e *Engine) luaDt(L *lua.LState) int {
	s := e.owner(L)
	L.Push(lua.LNumber(s.World().DeltaTime().Seconds()))
	return 1
}

func (e *Engine) luaFrame(L *lua.LState) int {
	s := e.owner(L)
	L.Push(lua.LNumber(s.World().Frame()))
	return 1
}

func pushVec(L *lua.LState, v xform.Vec3) int {
	L.Push(lua.LNumber(v.X))
	L.Push(lua.LNumber(v.Y))
	L.Push(lua.LNumber(v.Z))
	return 3
}

func (e *Engine) luaPosition(L *lua.LState) int {
	s := e.owner(L)
	obj, ok := s.World().TryGetObject(s.Owner())
	if !ok {
		return 0
	}
	return pushVec(L, obj.LocalTransform().Position)
}

func (e *Engine) luaGlobalPosition(L *lua.LState) int {
	s := e.owner(L)
	obj, ok := s.World().TryGetObject(s.Owner())
	if !ok {
		return 0
	}
	return pushVec(L, obj.GlobalPosition())
}

func (e *Engine) luaSetPosition(L *lua.LState) int {
	s := e.owner(L)
	pos := xform.V3(float64(L.CheckNumber(1)), float64(L.CheckNumber(2)), float64(L.CheckNumber(3)))
	if err := s.World().SetLocalPosition(s.Owner(), pos); err != nil {
		L.RaiseError("set_position: %s", err.Error())
	}
	return 0
}

// world.send(key, name, value) delivers a script event to the object with
// global key key. Returns whether a handler ran.
func (e *Engine) luaSend(L *lua.LState) int {
	s := e.owner(L)
	key := L.CheckString(1)
	msg := MsgScriptEvent{Name: L.CheckString(2), Value: float64(L.OptNumber(3, 0))}
	w := s.World()
	target, ok := w.FindObjectByGlobalKey(key)
	if !ok {
		L.Push(lua.LFalse)
		return 1
	}
	L.Push(lua.LBool(w.SendMessage(target, msg)))
	return 1
}
