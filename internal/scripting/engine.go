// Package scripting runs Lua behaviour scripts as world components.
package scripting

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// apiVersion is exposed to scripts as API_VERSION.
const apiVersion = 1

// Engine wraps a single gopher-lua VM. Each script runs in its own
// environment table whose globals fall back to the VM's globals.
// Single-goroutine access only: script components update in a sequential
// phase.
type Engine struct {
	vm      *lua.LState
	scripts map[string]*lua.LTable // name -> environment
	current *Script                // component whose callback is running
	log     *zap.Logger
}

// NewEngine creates a Lua engine and loads every script under scriptsDir. A
// missing directory loads nothing.
func NewEngine(scriptsDir string, log *zap.Logger) (*Engine, error) {
	vm := lua.NewState(lua.Options{SkipOpenLibs: false})
	vm.SetGlobal("API_VERSION", lua.LNumber(apiVersion))

	e := &Engine{
		vm:      vm,
		scripts: make(map[string]*lua.LTable),
		log:     log.Named("lua"),
	}
	e.openWorldLib()

	if scriptsDir != "" {
		if err := e.loadDir(scriptsDir, ""); err != nil {
			vm.Close()
			return nil, fmt.Errorf("load scripts: %w", err)
		}
	}
	return e, nil
}

// loadDir loads all .lua files of dir and its subdirectories. A script's
// name is its path relative to the root.
func (e *Engine) loadDir(dir, prefix string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		name := entry.Name()
		if prefix != "" {
			name = prefix + "/" + name
		}
		if entry.IsDir() {
			if err := e.loadDir(path, name); err != nil {
				return err
			}
			continue
		}
		if filepath.Ext(entry.Name()) != ".lua" {
			continue
		}
		fn, err := e.vm.LoadFile(path)
		if err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		if err := e.install(name, fn); err != nil {
			return err
		}
		e.log.Debug("loaded lua script", zap.String("file", path), zap.String("script", name))
	}
	return nil
}

// LoadString compiles src as script name, replacing any script of that name.
func (e *Engine) LoadString(name, src string) error {
	fn, err := e.vm.LoadString(src)
	if err != nil {
		return fmt.Errorf("load script %s: %w", name, err)
	}
	return e.install(name, fn)
}

func (e *Engine) install(name string, fn *lua.LFunction) error {
	env := e.vm.NewTable()
	mt := e.vm.NewTable()
	mt.RawSetString("__index", e.vm.Get(lua.GlobalsIndex))
	e.vm.SetMetatable(env, mt)
	e.vm.SetFEnv(fn, env)
	if err := e.vm.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
		return fmt.Errorf("run script %s: %w", name, err)
	}
	e.scripts[name] = env
	return nil
}

// Has reports whether a script named name is loaded.
func (e *Engine) Has(name string) bool {
	_, ok := e.scripts[name]
	return ok
}

// Scripts lists loaded script names, sorted.
func (e *Engine) Scripts() []string {
	names := make([]string, 0, len(e.scripts))
	for n := range e.scripts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// call runs hook of s's script with self and args. A missing hook is not an
// error.
func (e *Engine) call(s *Script, hook string, args ...lua.LValue) error {
	env, ok := e.scripts[s.Script]
	if !ok {
		return fmt.Errorf("script %q not loaded", s.Script)
	}
	fn, ok := env.RawGetString(hook).(*lua.LFunction)
	if !ok {
		return nil
	}
	prev := e.current
	e.current = s
	defer func() { e.current = prev }()
	return e.vm.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, append([]lua.LValue{s.self}, args...)...)
}

func (e *Engine) newSelf(props map[string]float64) *lua.LTable {
	t := e.vm.NewTable()
	for k, v := range props {
		t.RawSetString(k, lua.LNumber(v))
	}
	return t
}

// Close shuts down the Lua VM.
func (e *Engine) Close() {
	e.vm.Close()
}

// lNum reads a number field from a Lua table.
func lNum(t *lua.LTable, key string) float64 {
	return float64(lua.LVAsNumber(t.RawGetString(key)))
}

// lStr reads a string field from a Lua table.
func lStr(t *lua.LTable, key string) string {
	return lua.LVAsString(t.RawGetString(key))
}
