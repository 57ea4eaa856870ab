package world

import (
	"math"
	"slices"
	"sync"

	"github.com/hmcore/worldsim/internal/core/ecs"
	"github.com/hmcore/worldsim/internal/core/xform"
)

// SpatialHandle identifies an entry in the spatial grid. Zero means none.
type SpatialHandle uint32

type cellKey struct {
	cx, cy, cz int32
}

// maxEntryCells bounds the cells one entry may occupy. Larger or non-finite
// boxes live in the oversized bucket, which every query scans.
const maxEntryCells = 4096

type spatialEntry struct {
	owner    ecs.ID
	box      xform.BoundingBox
	min, max cellKey
	huge     bool
}

// SpatialGrid is a regular-grid spatial index over object bounds. Every cell
// overlapped by an entry's box references the entry.
// Update may be called from parallel transform workers.
type SpatialGrid struct {
	mu       sync.Mutex
	cellSize float64
	cells    map[cellKey]map[SpatialHandle]struct{}
	huge     map[SpatialHandle]struct{}
	entries  map[SpatialHandle]*spatialEntry
	next     SpatialHandle
}

func NewSpatialGrid(cellSize float64) *SpatialGrid {
	if cellSize <= 0 {
		cellSize = 32
	}
	return &SpatialGrid{
		cellSize: cellSize,
		cells:    make(map[cellKey]map[SpatialHandle]struct{}),
		huge:     make(map[SpatialHandle]struct{}),
		entries:  make(map[SpatialHandle]*spatialEntry),
	}
}

func (g *SpatialGrid) toCell(v float64) int32 {
	c := math.Floor(v / g.cellSize)
	switch {
	case math.IsNaN(c):
		return 0
	case c < math.MinInt32:
		return math.MinInt32
	case c > math.MaxInt32:
		return math.MaxInt32
	}
	return int32(c)
}

func (g *SpatialGrid) cellRange(b xform.BoundingBox) (cellKey, cellKey) {
	return cellKey{g.toCell(b.Min.X), g.toCell(b.Min.Y), g.toCell(b.Min.Z)},
		cellKey{g.toCell(b.Max.X), g.toCell(b.Max.Y), g.toCell(b.Max.Z)}
}

// cellCount is the number of cells in [lo, hi], as a float so that spans of
// the whole int32 range do not overflow.
func cellCount(lo, hi cellKey) float64 {
	span := func(a, b int32) float64 { return max(0, float64(int64(b)-int64(a)+1)) }
	return span(lo.cx, hi.cx) * span(lo.cy, hi.cy) * span(lo.cz, hi.cz)
}

func finiteBox(b xform.BoundingBox) bool {
	for _, v := range [...]float64{b.Min.X, b.Min.Y, b.Min.Z, b.Max.X, b.Max.Y, b.Max.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// place computes the cell range of e for box.
func (g *SpatialGrid) place(e *spatialEntry, box xform.BoundingBox) {
	e.box = box
	e.min, e.max = g.cellRange(box)
	e.huge = !finiteBox(box) || cellCount(e.min, e.max) > maxEntryCells
}

func (g *SpatialGrid) forCells(lo, hi cellKey, fn func(cellKey)) {
	for x := int64(lo.cx); x <= int64(hi.cx); x++ {
		for y := int64(lo.cy); y <= int64(hi.cy); y++ {
			for z := int64(lo.cz); z <= int64(hi.cz); z++ {
				fn(cellKey{int32(x), int32(y), int32(z)})
			}
		}
	}
}

func (g *SpatialGrid) link(h SpatialHandle, e *spatialEntry) {
	if e.huge {
		g.huge[h] = struct{}{}
		return
	}
	g.forCells(e.min, e.max, func(k cellKey) {
		cell := g.cells[k]
		if cell == nil {
			cell = make(map[SpatialHandle]struct{})
			g.cells[k] = cell
		}
		cell[h] = struct{}{}
	})
}

func (g *SpatialGrid) unlink(h SpatialHandle, e *spatialEntry) {
	if e.huge {
		delete(g.huge, h)
		return
	}
	g.forCells(e.min, e.max, func(k cellKey) {
		if cell := g.cells[k]; cell != nil {
			delete(cell, h)
			if len(cell) == 0 {
				delete(g.cells, k)
			}
		}
	})
}

// Insert places owner's box into the grid.
func (g *SpatialGrid) Insert(owner ecs.ID, box xform.BoundingBox) SpatialHandle {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	h := g.next
	e := &spatialEntry{owner: owner}
	g.place(e, box)
	g.entries[h] = e
	if box.Valid {
		g.link(h, e)
	}
	return h
}

// Update moves an entry when its box changes cells.
func (g *SpatialGrid) Update(h SpatialHandle, box xform.BoundingBox) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.entries[h]
	if e == nil {
		return
	}
	var next spatialEntry
	g.place(&next, box)
	if e.box.Valid == box.Valid && next.min == e.min && next.max == e.max && next.huge == e.huge {
		e.box = box
		return
	}
	if e.box.Valid {
		g.unlink(h, e)
	}
	e.box, e.min, e.max, e.huge = next.box, next.min, next.max, next.huge
	if box.Valid {
		g.link(h, e)
	}
}

// Remove takes an entry out of the grid.
func (g *SpatialGrid) Remove(h SpatialHandle) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.entries[h]
	if e == nil {
		return
	}
	if e.box.Valid {
		g.unlink(h, e)
	}
	delete(g.entries, h)
}

// Query returns the owners whose boxes overlap box, ordered by id.
func (g *SpatialGrid) Query(box xform.BoundingBox) []ecs.ID {
	if !box.Valid {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	var result []ecs.ID
	lo, hi := g.cellRange(box)
	if !finiteBox(box) || cellCount(lo, hi) > float64(max(len(g.entries), maxEntryCells)) {
		for _, e := range g.entries {
			if e.box.Overlaps(box) {
				result = append(result, e.owner)
			}
		}
		slices.Sort(result)
		return result
	}

	seen := make(map[SpatialHandle]struct{})
	visit := func(h SpatialHandle) {
		if _, ok := seen[h]; ok {
			return
		}
		seen[h] = struct{}{}
		if e := g.entries[h]; e.box.Overlaps(box) {
			result = append(result, e.owner)
		}
	}
	g.forCells(lo, hi, func(k cellKey) {
		for h := range g.cells[k] {
			visit(h)
		}
	})
	for h := range g.huge {
		visit(h)
	}
	slices.Sort(result)
	return result
}

func (g *SpatialGrid) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

func (g *SpatialGrid) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	clear(g.cells)
	clear(g.huge)
	clear(g.entries)
}
