package world

import (
	"context"

	"github.com/hmcore/worldsim/internal/core/ecs"
	"github.com/hmcore/worldsim/internal/core/xform"
	"golang.org/x/sync/errgroup"
)

// Forest selects the static or dynamic hierarchy.
type Forest int

const (
	ForestStatic Forest = iota
	ForestDynamic
	numForests
)

// TransformData is the hierarchy record of one game object. It lives in the
// block storage of its forest and level; parent points at the parent's record.
type TransformData struct {
	owner  ecs.ID
	parent *TransformData
	forest Forest
	level  int
	slot   int

	Local    xform.Transform
	Global   xform.Transform
	Velocity xform.Vec3

	LocalBounds  xform.BoundingBox
	GlobalBounds xform.BoundingBox

	lastGlobalPosition xform.Vec3
	spatial            SpatialHandle
}

func (td *TransformData) Owner() ecs.ID { return td.owner }
func (td *TransformData) Level() int    { return td.level }

// updateGlobal recomputes the global transform and bounds from the parent.
func (td *TransformData) updateGlobal() {
	if td.parent == nil {
		td.Global = td.Local
	} else {
		td.Global = xform.Compose(td.parent.Global, td.Local)
	}
	td.GlobalBounds = td.LocalBounds.Transformed(td.Global)
}

func (td *TransformData) updateVelocity(invDt float64) {
	pos := td.Global.Position
	td.Velocity = pos.Sub(td.lastGlobalPosition).Scale(invDt)
	td.lastGlobalPosition = pos
}

// Hierarchy holds two forests of transform records, each split into levels
// by tree depth. Level n only references records of level n-1.
type Hierarchy struct {
	forests       [numForests][]*ecs.BlockStorage[TransformData]
	blockCapacity int
	binSize       int
	parallel      bool
	spatial       *SpatialGrid

	// moved is called whenever a record changes address.
	moved func(td *TransformData)
}

func newHierarchy(blockCapacity, binSize int, parallel bool, spatial *SpatialGrid, moved func(*TransformData)) *Hierarchy {
	if binSize <= 0 {
		binSize = 100
	}
	return &Hierarchy{
		blockCapacity: blockCapacity,
		binSize:       binSize,
		parallel:      parallel,
		spatial:       spatial,
		moved:         moved,
	}
}

func (h *Hierarchy) level(f Forest, level int) *ecs.BlockStorage[TransformData] {
	for len(h.forests[f]) <= level {
		h.forests[f] = append(h.forests[f], ecs.NewBlockStorage[TransformData](h.blockCapacity))
	}
	return h.forests[f][level]
}

// add creates a record for owner. parent must be a record of level-1.
func (h *Hierarchy) add(f Forest, level int, owner ecs.ID, parent *TransformData) *TransformData {
	slot, td := h.level(f, level).Create()
	td.owner = owner
	td.parent = parent
	td.forest = f
	td.level = level
	td.slot = slot
	return td
}

// remove deletes td. Its spatial entry is released.
func (h *Hierarchy) remove(td *TransformData) {
	if td.spatial != 0 && h.spatial != nil {
		h.spatial.Remove(td.spatial)
	}
	h.deleteSlot(td.forest, td.level, td.slot)
}

func (h *Hierarchy) deleteSlot(f Forest, level, slot int) {
	st := h.forests[f][level]
	if _, moved := st.Delete(slot); moved {
		td := st.At(slot)
		td.slot = slot
		h.moved(td)
	}
}

// relocate moves td to another forest or level and returns its new address.
// The caller fixes td.parent for the new level.
func (h *Hierarchy) relocate(td *TransformData, f Forest, level int) *TransformData {
	if td.forest == f && td.level == level {
		return td
	}
	oldForest, oldLevel, oldSlot := td.forest, td.level, td.slot
	slot, n := h.level(f, level).Create()
	*n = *td
	n.forest, n.level, n.slot = f, level, slot
	h.moved(n)
	h.deleteSlot(oldForest, oldLevel, oldSlot)
	return n
}

// Count returns the number of records in forest f.
func (h *Hierarchy) Count(f Forest) int {
	n := 0
	for _, st := range h.forests[f] {
		n += st.Len()
	}
	return n
}

// Levels returns the number of levels in forest f.
func (h *Hierarchy) Levels(f Forest) int { return len(h.forests[f]) }

type levelUpdater func(bin []TransformData, invDt float64, spatial *SpatialGrid)

func updateRoots(bin []TransformData, invDt float64, _ *SpatialGrid) {
	for i := range bin {
		td := &bin[i]
		td.Global = td.Local
		td.updateVelocity(invDt)
		td.GlobalBounds = td.LocalBounds.Transformed(td.Global)
	}
}

func updateWithParent(bin []TransformData, invDt float64, _ *SpatialGrid) {
	for i := range bin {
		td := &bin[i]
		td.Global = xform.Compose(td.parent.Global, td.Local)
		td.updateVelocity(invDt)
		td.GlobalBounds = td.LocalBounds.Transformed(td.Global)
	}
}

func updateRootsSpatial(bin []TransformData, invDt float64, sp *SpatialGrid) {
	updateRoots(bin, invDt, sp)
	updateSpatial(bin, sp)
}

func updateWithParentSpatial(bin []TransformData, invDt float64, sp *SpatialGrid) {
	updateWithParent(bin, invDt, sp)
	updateSpatial(bin, sp)
}

func updateSpatial(bin []TransformData, sp *SpatialGrid) {
	for i := range bin {
		if h := bin[i].spatial; h != 0 {
			sp.Update(h, bin[i].GlobalBounds)
		}
	}
}

func (h *Hierarchy) updater(root bool) levelUpdater {
	switch {
	case root && h.spatial == nil:
		return updateRoots
	case root:
		return updateRootsSpatial
	case h.spatial == nil:
		return updateWithParent
	default:
		return updateWithParentSpatial
	}
}

// propagate recomputes the dynamic forest level by level. A level larger than
// one bin is split into bins that run in parallel; the next level starts only
// after every bin of the current one has finished.
func (h *Hierarchy) propagate(ctx context.Context, invDt float64) error {
	for i, st := range h.forests[ForestDynamic] {
		if st.Len() == 0 {
			continue
		}
		fn := h.updater(i == 0)
		if !h.parallel || st.Len() <= h.binSize {
			for _, b := range st.Blocks() {
				fn(b, invDt, h.spatial)
			}
			continue
		}
		g, _ := errgroup.WithContext(ctx)
		for _, b := range st.Blocks() {
			for off := 0; off < len(b); off += h.binSize {
				bin := b[off:min(off+h.binSize, len(b))]
				g.Go(func() error {
					fn(bin, invDt, h.spatial)
					return nil
				})
			}
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}
