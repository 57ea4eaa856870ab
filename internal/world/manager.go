package world

import (
	"github.com/hmcore/worldsim/internal/core/ecs"
	"github.com/hmcore/worldsim/internal/core/system"
)

// componentManager is the type-erased view the World keeps of each
// ComponentManager.
type componentManager interface {
	info() *typeInfo
	create(owner ecs.ID) Component
	// lookup resolves id including components queued for destruction.
	lookup(id ecs.ID) (Component, bool)
	queueDead(id ecs.ID)
	drainDead() int
	deadCount() int
	count() int
	each(fn func(Component))
	updateDescs() []system.UpdateFunctionDesc
}

// ComponentManager owns the block storage of one component type in one World.
type ComponentManager[T any, PT ComponentPtr[T]] struct {
	world   *World
	ti      *typeInfo
	storage *ecs.BlockStorage[T]
	ids     *ecs.IDTable[int] // id -> slot
	dead    []ecs.ID
	updates []UpdateSpec[T, PT]
}

func newComponentManager[T any, PT ComponentPtr[T]](w *World, ti *typeInfo, updates []UpdateSpec[T, PT]) *ComponentManager[T, PT] {
	capacity := ti.blockCapacity
	if capacity <= 0 {
		capacity = w.cfg.BlockCapacity
	}
	return &ComponentManager[T, PT]{
		world:   w,
		ti:      ti,
		storage: ecs.NewBlockStorage[T](capacity),
		ids:     ecs.NewIDTable[int](w.index, capacity),
		updates: updates,
	}
}

func (m *ComponentManager[T, PT]) info() *typeInfo { return m.ti }

// Type returns the registered type id.
func (m *ComponentManager[T, PT]) Type() TypeID { return m.ti.id }

func (m *ComponentManager[T, PT]) create(owner ecs.ID) Component {
	slot, rec := m.storage.Create()
	c := PT(rec)
	id := m.ids.Insert(slot)
	*c.base() = ComponentBase{
		handle: ComponentHandle{Type: m.ti.id, ID: id},
		owner:  owner,
		world:  m.world,
		flags:  flagEnabled,
		slot:   slot,
	}
	return c
}

func (m *ComponentManager[T, PT]) lookup(id ecs.ID) (Component, bool) {
	slot, ok := m.ids.TryGet(id)
	if !ok {
		return nil, false
	}
	return PT(m.storage.At(slot)), true
}

// TryGet resolves a live component. Components queued for destruction are
// not found.
func (m *ComponentManager[T, PT]) TryGet(id ecs.ID) (PT, bool) {
	slot, ok := m.ids.TryGet(id)
	if !ok {
		return nil, false
	}
	c := PT(m.storage.At(slot))
	if c.base().IsQueuedForDestruction() {
		return nil, false
	}
	return c, true
}

func (m *ComponentManager[T, PT]) queueDead(id ecs.ID) {
	m.dead = append(m.dead, id)
}

// drainDead physically removes queued components, patching the slot of each
// record moved into a freed slot.
func (m *ComponentManager[T, PT]) drainDead() int {
	n := len(m.dead)
	for _, id := range m.dead {
		slot, ok := m.ids.Remove(id)
		if !ok {
			continue
		}
		if _, moved := m.storage.Delete(slot); moved {
			b := PT(m.storage.At(slot)).base()
			b.slot = slot
			m.ids.Set(b.handle.ID, slot)
		}
	}
	m.dead = m.dead[:0]
	return n
}

// Count returns the number of stored records, including ones queued for
// destruction that have not been drained yet.
func (m *ComponentManager[T, PT]) Count() int { return m.storage.Len() }

func (m *ComponentManager[T, PT]) deadCount() int { return len(m.dead) }

func (m *ComponentManager[T, PT]) count() int { return m.storage.Len() - len(m.dead) }

// Each visits live components in storage order.
func (m *ComponentManager[T, PT]) Each(fn func(c PT)) {
	m.storage.Each(func(_ int, rec *T) {
		c := PT(rec)
		if !c.base().IsQueuedForDestruction() {
			fn(c)
		}
	})
}

func (m *ComponentManager[T, PT]) each(fn func(Component)) {
	m.Each(func(c PT) { fn(c) })
}

// Range visits live components in slots [first, first+count).
func (m *ComponentManager[T, PT]) Range(first, count int, fn func(c PT)) {
	end := min(first+count, m.storage.Len())
	for slot := first; slot < end; slot++ {
		c := PT(m.storage.At(slot))
		if !c.base().IsQueuedForDestruction() {
			fn(c)
		}
	}
}

func (m *ComponentManager[T, PT]) updateDescs() []system.UpdateFunctionDesc {
	descs := make([]system.UpdateFunctionDesc, 0, len(m.updates))
	for _, u := range m.updates {
		fn, onlySim := u.Func, u.OnlyWhenSimulating
		descs = append(descs, system.UpdateFunctionDesc{
			Name:               u.Name,
			Phase:              u.Phase,
			Priority:           u.Priority,
			Granularity:        u.Granularity,
			BlockCapacity:      m.storage.BlockCapacity(),
			OnlyWhenSimulating: onlySim,
			DependsOn:          u.DependsOn,
			Count:              m.storage.Len,
			Func: func(first, count int) {
				m.Range(first, count, func(c PT) {
					b := c.base()
					if !b.IsActiveAndInitialized() {
						return
					}
					if onlySim && !b.IsSimulationStarted() {
						return
					}
					fn(c)
				})
			},
		})
	}
	return descs
}
