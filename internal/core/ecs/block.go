package ecs

import "fmt"

// DefaultBlockCapacity is the number of records per block when a storage is
// created with a non-positive capacity.
const DefaultBlockCapacity = 64

// BlockStorage keeps homogeneous records in fixed-capacity blocks. A block is
// allocated once with its full capacity and never grows, so the address of a
// record only changes when Delete swaps the last record into a freed slot.
//
// Slots are dense: 0..Len()-1. Long-lived references should hold a slot (or an
// ID resolving to one) and resolve to a pointer at the point of use.
type BlockStorage[T any] struct {
	blocks   [][]T
	capacity int
	count    int
}

func NewBlockStorage[T any](blockCapacity int) *BlockStorage[T] {
	if blockCapacity <= 0 {
		blockCapacity = DefaultBlockCapacity
	}
	return &BlockStorage[T]{
		blocks:   make([][]T, 0, 8),
		capacity: blockCapacity,
	}
}

func (s *BlockStorage[T]) BlockCapacity() int { return s.capacity }
func (s *BlockStorage[T]) Len() int           { return s.count }

// Create appends a zeroed record to the last block, allocating a new block if
// the last one is full.
func (s *BlockStorage[T]) Create() (int, *T) {
	n := len(s.blocks)
	if n == 0 || len(s.blocks[n-1]) == s.capacity {
		s.blocks = append(s.blocks, make([]T, 0, s.capacity))
		n++
	}
	b := s.blocks[n-1]
	b = b[:len(b)+1]
	s.blocks[n-1] = b
	slot := s.count
	s.count++
	return slot, &b[len(b)-1]
}

// At returns the record stored at slot.
func (s *BlockStorage[T]) At(slot int) *T {
	if slot < 0 || slot >= s.count {
		panic(fmt.Sprintf("ecs: slot %d out of range [0,%d)", slot, s.count))
	}
	return &s.blocks[slot/s.capacity][slot%s.capacity]
}

// Delete removes the record at slot by copying the last live record over it.
// movedFrom is the former slot of the record that now lives at slot; moved is
// false when slot was already the last record.
func (s *BlockStorage[T]) Delete(slot int) (movedFrom int, moved bool) {
	if slot < 0 || slot >= s.count {
		panic(fmt.Sprintf("ecs: delete of slot %d out of range [0,%d)", slot, s.count))
	}
	last := s.count - 1
	lb, li := last/s.capacity, last%s.capacity
	if slot != last {
		s.blocks[slot/s.capacity][slot%s.capacity] = s.blocks[lb][li]
		moved = true
	}
	var zero T
	s.blocks[lb][li] = zero
	s.blocks[lb] = s.blocks[lb][:li]
	s.count--
	if li == 0 {
		s.blocks[lb] = nil
		s.blocks = s.blocks[:lb]
	}
	return last, moved
}

// Blocks exposes the block slices for block-wise (parallel) traversal. The
// returned slices alias the storage.
func (s *BlockStorage[T]) Blocks() [][]T { return s.blocks }

func (s *BlockStorage[T]) Each(fn func(slot int, v *T)) {
	slot := 0
	for _, b := range s.blocks {
		for i := range b {
			fn(slot, &b[i])
			slot++
		}
	}
}

func (s *BlockStorage[T]) Clear() {
	s.blocks = s.blocks[:0]
	s.count = 0
}
