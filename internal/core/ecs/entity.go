package ecs

// ID encodes a 32-bit slot index in the lower bits, a 24-bit generation above
// it and the owning world's index in the top 8 bits. Generation increments on
// remove to invalidate stale refs. The zero ID is never handed out.
type ID uint64

const (
	generationBits = 24
	generationMask = 1<<generationBits - 1

	// MaxWorlds is the number of distinct world indices an ID can carry.
	MaxWorlds = 256
)

func NewID(index, generation uint32, world uint8) ID {
	return ID(uint64(world)<<56 | uint64(generation&generationMask)<<32 | uint64(index))
}

func (id ID) Index() uint32      { return uint32(id) }
func (id ID) Generation() uint32 { return uint32(id>>32) & generationMask }
func (id ID) World() uint8       { return uint8(id >> 56) }
func (id ID) IsZero() bool       { return id == 0 }

func nextGeneration(g uint32) uint32 {
	g = (g + 1) & generationMask
	if g == 0 {
		g = 1
	}
	return g
}

type idEntry[V any] struct {
	value      V
	generation uint32
	alive      bool
}

// IDTable maps generational IDs to values with a free list for index reuse.
// Lookups with a stale generation or a foreign world index miss.
type IDTable[V any] struct {
	entries  []idEntry[V]
	freeList []uint32
	count    int
	world    uint8
}

func NewIDTable[V any](world uint8, capacity int) *IDTable[V] {
	return &IDTable[V]{
		entries:  make([]idEntry[V], 0, capacity),
		freeList: make([]uint32, 0, capacity/4),
		world:    world,
	}
}

// Insert stores v and returns its new ID.
func (t *IDTable[V]) Insert(v V) ID {
	var idx uint32
	if n := len(t.freeList); n > 0 {
		idx = t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
	} else {
		idx = uint32(len(t.entries))
		t.entries = append(t.entries, idEntry[V]{generation: 1})
	}
	e := &t.entries[idx]
	e.value = v
	e.alive = true
	t.count++
	return NewID(idx, e.generation, t.world)
}

func (t *IDTable[V]) entry(id ID) *idEntry[V] {
	if id.IsZero() || id.World() != t.world {
		return nil
	}
	idx := id.Index()
	if int(idx) >= len(t.entries) {
		return nil
	}
	e := &t.entries[idx]
	if !e.alive || e.generation != id.Generation() {
		return nil
	}
	return e
}

func (t *IDTable[V]) Contains(id ID) bool {
	return t.entry(id) != nil
}

func (t *IDTable[V]) TryGet(id ID) (V, bool) {
	if e := t.entry(id); e != nil {
		return e.value, true
	}
	var zero V
	return zero, false
}

// Set replaces the value stored for a live ID.
func (t *IDTable[V]) Set(id ID, v V) bool {
	e := t.entry(id)
	if e == nil {
		return false
	}
	e.value = v
	return true
}

// Remove frees the ID. Its index is reused by a later Insert with a newer
// generation, so the removed ID never resolves again.
func (t *IDTable[V]) Remove(id ID) (V, bool) {
	e := t.entry(id)
	var zero V
	if e == nil {
		return zero, false
	}
	v := e.value
	e.value = zero
	e.alive = false
	e.generation = nextGeneration(e.generation)
	t.freeList = append(t.freeList, id.Index())
	t.count--
	return v, true
}

func (t *IDTable[V]) Count() int { return t.count }

// Each visits live entries in index order.
func (t *IDTable[V]) Each(fn func(ID, V)) {
	for i := range t.entries {
		e := &t.entries[i]
		if e.alive {
			fn(NewID(uint32(i), e.generation, t.world), e.value)
		}
	}
}

func (t *IDTable[V]) Clear() {
	for i := range t.entries {
		e := &t.entries[i]
		if e.alive {
			var zero V
			e.value = zero
			e.alive = false
			e.generation = nextGeneration(e.generation)
			t.freeList = append(t.freeList, uint32(i))
		}
	}
	t.count = 0
}
