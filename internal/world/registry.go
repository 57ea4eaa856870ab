package world

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/hmcore/worldsim/internal/core/event"
	"github.com/hmcore/worldsim/internal/core/system"
	"github.com/hmcore/worldsim/internal/core/wire"
)

var ErrTypeAlreadyRegistered = errors.New("component type already registered")

// ComponentPtr constrains PT to *T implementing Component.
type ComponentPtr[T any] interface {
	*T
	Component
}

// UpdateSpec describes one per-type update function. Func is called for each
// active and initialized component in the scheduled range.
type UpdateSpec[T any, PT ComponentPtr[T]] struct {
	Name               string
	Phase              system.Phase
	Priority           int
	Granularity        int
	OnlyWhenSimulating bool
	DependsOn          []string
	Func               func(c PT)
}

// TypeSpec registers a component type.
type TypeSpec[T any, PT ComponentPtr[T]] struct {
	Name string
	// Version is written with serialized components and passed back to
	// Deserialize so older payloads can be read.
	Version       uint16
	BlockCapacity int
	Handlers      map[event.MessageType]func(c PT, msg event.Message)
	Updates       []UpdateSpec[T, PT]
	Serialize     func(c PT, w *wire.Writer)
	Deserialize   func(c PT, r *wire.Reader, version uint16) error
}

type typeInfo struct {
	id            TypeID
	name          string
	goType        reflect.Type
	version       uint16
	blockCapacity int
	handlers      map[event.MessageType]func(Component, event.Message)
	serialize     func(Component, *wire.Writer)
	deserialize   func(Component, *wire.Reader, uint16) error
	newManager    func(w *World) componentManager
}

// TypeRegistry is the set of component types known to the worlds built from
// it. Registration is safe while worlds run; a world picks up a type the first
// time it is used there.
type TypeRegistry struct {
	mu       sync.RWMutex
	types    []*typeInfo // index TypeID-1
	byGoType map[reflect.Type]*typeInfo
	byName   map[string]*typeInfo
}

func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		byGoType: make(map[reflect.Type]*typeInfo),
		byName:   make(map[string]*typeInfo),
	}
}

// Register adds component type T. The message handler table is built here,
// once, keyed by message type.
func Register[T any, PT ComponentPtr[T]](r *TypeRegistry, spec TypeSpec[T, PT]) (TypeID, error) {
	goType := reflect.TypeFor[T]()
	if spec.Name == "" {
		spec.Name = goType.String()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byGoType[goType]; ok {
		return 0, fmt.Errorf("register %s: %w", spec.Name, ErrTypeAlreadyRegistered)
	}
	if _, ok := r.byName[spec.Name]; ok {
		return 0, fmt.Errorf("register %s: %w", spec.Name, ErrTypeAlreadyRegistered)
	}
	if len(r.types) >= 0xFFFF {
		return 0, fmt.Errorf("register %s: too many component types", spec.Name)
	}

	ti := &typeInfo{
		id:            TypeID(len(r.types) + 1),
		name:          spec.Name,
		goType:        goType,
		version:       spec.Version,
		blockCapacity: spec.BlockCapacity,
		handlers:      make(map[event.MessageType]func(Component, event.Message), len(spec.Handlers)),
	}
	for mt, h := range spec.Handlers {
		ti.handlers[mt] = func(c Component, msg event.Message) { h(c.(PT), msg) }
	}
	if spec.Serialize != nil {
		ser := spec.Serialize
		ti.serialize = func(c Component, w *wire.Writer) { ser(c.(PT), w) }
	}
	if spec.Deserialize != nil {
		de := spec.Deserialize
		ti.deserialize = func(c Component, rd *wire.Reader, v uint16) error { return de(c.(PT), rd, v) }
	}
	updates := append([]UpdateSpec[T, PT](nil), spec.Updates...)
	ti.newManager = func(w *World) componentManager {
		return newComponentManager[T, PT](w, ti, updates)
	}

	r.types = append(r.types, ti)
	r.byGoType[goType] = ti
	r.byName[spec.Name] = ti
	return ti.id, nil
}

// MustRegister is Register for package init paths: it panics on error.
func MustRegister[T any, PT ComponentPtr[T]](r *TypeRegistry, spec TypeSpec[T, PT]) TypeID {
	id, err := Register[T, PT](r, spec)
	if err != nil {
		panic(err)
	}
	return id
}

func (r *TypeRegistry) lookupGo(t reflect.Type) (*typeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ti, ok := r.byGoType[t]
	return ti, ok
}

func (r *TypeRegistry) lookupName(name string) (*typeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ti, ok := r.byName[name]
	return ti, ok
}

// TypeByName returns the id registered under name.
func (r *TypeRegistry) TypeByName(name string) (TypeID, bool) {
	ti, ok := r.lookupName(name)
	if !ok {
		return 0, false
	}
	return ti.id, true
}

// Names lists the registered type names, sorted.
func (r *TypeRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for _, ti := range r.types {
		names = append(names, ti.name)
	}
	sort.Strings(names)
	return names
}
