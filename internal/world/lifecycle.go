package world

import (
	"fmt"
	"github.com/hmcore/worldsim/internal/core/ecs"
	"reflect"
	"slices"

	"go.uber.org/zap"
)

// CreateComponent attaches a new T to owner. It is initialized by the init
// batch that is current at the time of the call.
func CreateComponent[T any, PT ComponentPtr[T]](w *World, owner ecs.ID) (PT, error) {
	w.checkWrite()
	ti, ok := w.types.lookupGo(reflect.TypeFor[T]())
	if !ok {
		return nil, fmt.Errorf("create component %s: %w", reflect.TypeFor[T](), ErrTypeNotRegistered)
	}
	c, err := w.createComponent(ti, owner)
	if err != nil {
		return nil, err
	}
	return c.(PT), nil
}

// CreateComponentByName is CreateComponent for a type known only by name.
func (w *World) CreateComponentByName(typeName string, owner ecs.ID) (Component, error) {
	w.checkWrite()
	ti, ok := w.types.lookupName(typeName)
	if !ok {
		return nil, fmt.Errorf("create component %q: %w", typeName, ErrTypeNotRegistered)
	}
	return w.createComponent(ti, owner)
}

func (w *World) createComponent(ti *typeInfo, owner ecs.ID) (Component, error) {
	obj, err := w.liveObject(owner)
	if err != nil {
		return nil, fmt.Errorf("create component %s: owner: %w", ti.name, err)
	}
	c := w.managerFor(ti).create(owner)
	b := c.base()
	obj.components = append(obj.components, b.handle)
	if obj.active {
		b.flags |= flagActive
	}
	batch := w.currentBatch
	batch.toInit = append(batch.toInit, b.handle)
	return c, nil
}

// component resolves h including components queued for destruction.
func (w *World) component(h ComponentHandle) (Component, bool) {
	if h.ID.World() != w.index {
		return nil, false
	}
	m, ok := w.managerByID(h.Type)
	if !ok {
		return nil, false
	}
	return m.lookup(h.ID)
}

func (w *World) liveComponent(h ComponentHandle) (Component, bool) {
	c, ok := w.component(h)
	if !ok || c.base().IsQueuedForDestruction() {
		return nil, false
	}
	return c, true
}

// TryGetComponent resolves a live component of type T. Stale handles,
// handles of another type and handles of another world are not found.
func TryGetComponent[T any, PT ComponentPtr[T]](w *World, h ComponentHandle) (PT, bool) {
	w.checkRead()
	c, ok := w.liveComponent(h)
	if !ok {
		return nil, false
	}
	pt, ok := c.(PT)
	return pt, ok
}

// GetComponent resolves any live component.
func (w *World) GetComponent(h ComponentHandle) (Component, bool) {
	w.checkRead()
	return w.liveComponent(h)
}

// FindComponent returns the first live T attached to owner.
func FindComponent[T any, PT ComponentPtr[T]](w *World, owner ecs.ID) (PT, bool) {
	w.checkRead()
	obj, err := w.liveObject(owner)
	if err != nil {
		return nil, false
	}
	for _, h := range obj.components {
		if c, ok := w.liveComponent(h); ok {
			if pt, ok := c.(PT); ok {
				return pt, true
			}
		}
	}
	return nil, false
}

// DeleteComponent deactivates and deinitializes the component and queues its
// storage for reclamation at the start of the next frame.
func (w *World) DeleteComponent(h ComponentHandle) error {
	w.checkWrite()
	c, ok := w.liveComponent(h)
	if !ok {
		return fmt.Errorf("delete %s: %w", h, ErrNotFound)
	}
	w.deleteComponent(c)
	return nil
}

func (w *World) deleteComponent(c Component) {
	b := c.base()
	if b.IsQueuedForDestruction() {
		w.detachComponent(b)
		return
	}
	b.flags &^= flagEnabled
	w.updateComponentActive(c, false)
	if b.flags.has(flagInitialized) {
		if d, ok := c.(Deinitializer); ok {
			d.Deinitialize()
		}
	}
	b.flags = flagQueuedForDestruction
	w.dropGlobalEventHandler(b.handle)
	w.detachComponent(b)
	if m, ok := w.managerByID(b.handle.Type); ok {
		m.queueDead(b.handle.ID)
	}
}

func (w *World) detachComponent(b *ComponentBase) {
	obj := w.object(b.owner)
	if obj == nil {
		return
	}
	if i := slices.Index(obj.components, b.handle); i >= 0 {
		obj.components = slices.Delete(obj.components, i, i+1)
	}
}

func (w *World) deleteDeadComponents() int {
	n := 0
	for _, m := range w.active {
		n += m.drainDead()
	}
	return n
}

// SetComponentActiveFlag sets the component's own flag. The derived state is
// the flag and the owner's derived state.
func (w *World) SetComponentActiveFlag(h ComponentHandle, enabled bool) error {
	w.checkWrite()
	c, ok := w.liveComponent(h)
	if !ok {
		return fmt.Errorf("set active flag of %s: %w", h, ErrNotFound)
	}
	b := c.base()
	if b.IsEnabled() == enabled {
		return nil
	}
	if enabled {
		b.flags |= flagEnabled
	} else {
		b.flags &^= flagEnabled
	}
	ownerActive := false
	if obj := w.object(b.owner); obj != nil {
		ownerActive = obj.active
	}
	w.updateComponentActive(c, ownerActive)
	return nil
}

// updateComponentActive re-derives the active state. Each change of the
// derived state runs at most one hook.
func (w *World) updateComponentActive(c Component, ownerActive bool) {
	b := c.base()
	active := ownerActive && b.IsEnabled()
	if b.IsActive() == active {
		return
	}
	if active {
		b.flags |= flagActive
		if b.IsInitialized() {
			// activation hooks run from the init batch
			w.currentBatch.toInit = append(w.currentBatch.toInit, b.handle)
		}
		return
	}
	b.flags &^= flagActive
	if b.flags.has(flagActivated) {
		b.flags &^= flagActivated | flagSimulationStarted | flagSimulationStarting
		if d, ok := c.(Deactivator); ok {
			d.OnDeactivated()
		}
	}
}

// ensureInitialized runs Initialize once.
func (w *World) ensureInitialized(c Component) {
	b := c.base()
	if b.IsInitialized() {
		return
	}
	if b.IsInitializing() {
		w.log.Warn("recursive initialize call is ignored", zap.Stringer("component", b.handle))
		return
	}
	b.flags |= flagInitializing
	if i, ok := c.(Initializer); ok {
		i.Initialize()
	}
	b.flags &^= flagInitializing
	if !b.IsQueuedForDestruction() {
		b.flags |= flagInitialized
	}
}

// ensureActivated runs OnActivated if the component is active, initialized
// and not yet activated. Reports whether the component is activated.
func (w *World) ensureActivated(c Component) bool {
	b := c.base()
	if !b.IsActiveAndInitialized() {
		return false
	}
	if b.flags.has(flagActivated) {
		return true
	}
	b.flags |= flagActivated
	if a, ok := c.(Activator); ok {
		a.OnActivated()
	}
	return b.flags.has(flagActivated)
}

// ensureSimulationStarted runs OnSimulationStarted once per activation.
func (w *World) ensureSimulationStarted(c Component) {
	b := c.base()
	if !b.IsActiveAndInitialized() || !b.flags.has(flagActivated) || b.IsSimulationStarted() {
		return
	}
	if b.flags.has(flagSimulationStarting) {
		w.log.Warn("recursive simulation start is ignored", zap.Stringer("component", b.handle))
		return
	}
	b.flags |= flagSimulationStarting
	if s, ok := c.(SimulationStarter); ok {
		s.OnSimulationStarted()
	}
	if b.flags.has(flagSimulationStarting) {
		b.flags &^= flagSimulationStarting
		b.flags |= flagSimulationStarted
	}
}
