package ecs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	ID    int
	Value float32
}

func TestIDTable_InsertLookupRemove(t *testing.T) {
	tbl := NewIDTable[string](3, 4)

	a := tbl.Insert("a")
	b := tbl.Insert("b")
	require.False(t, a.IsZero())
	assert.Equal(t, uint8(3), a.World())
	assert.Equal(t, 2, tbl.Count())

	v, ok := tbl.TryGet(b)
	require.True(t, ok)
	assert.Equal(t, "b", v)

	_, ok = tbl.Remove(a)
	require.True(t, ok)
	_, ok = tbl.TryGet(a)
	assert.False(t, ok, "removed id must not resolve")

	c := tbl.Insert("c")
	assert.Equal(t, a.Index(), c.Index(), "freed index is reused")
	assert.NotEqual(t, a.Generation(), c.Generation())
	_, ok = tbl.TryGet(a)
	assert.False(t, ok, "stale generation must not resolve to the new entry")
}

func TestIDTable_ForeignWorldMisses(t *testing.T) {
	t1 := NewIDTable[int](1, 0)
	t2 := NewIDTable[int](2, 0)
	id := t1.Insert(7)
	t2.Insert(9)
	_, ok := t2.TryGet(id)
	assert.False(t, ok)
}

func TestIDTable_GenerationWrapSkipsZero(t *testing.T) {
	assert.Equal(t, uint32(1), nextGeneration(generationMask))
	assert.Equal(t, uint32(2), nextGeneration(1))
}

func TestBlockStorage_CreateSpansBlocks(t *testing.T) {
	s := NewBlockStorage[record](4)
	for i := 0; i < 10; i++ {
		slot, r := s.Create()
		assert.Equal(t, i, slot)
		r.ID = i
	}
	assert.Equal(t, 10, s.Len())
	assert.Len(t, s.Blocks(), 3)
	assert.Equal(t, 9, s.At(9).ID)
}

func TestBlockStorage_DeleteSwapsLast(t *testing.T) {
	s := NewBlockStorage[record](4)
	for i := 0; i < 6; i++ {
		_, r := s.Create()
		r.ID = i
	}

	movedFrom, moved := s.Delete(1)
	require.True(t, moved)
	assert.Equal(t, 5, movedFrom)
	assert.Equal(t, 5, s.At(1).ID)
	assert.Equal(t, 5, s.Len())

	movedFrom, moved = s.Delete(4)
	assert.False(t, moved, "deleting the last record moves nothing")
	assert.Equal(t, 4, movedFrom)
	assert.Len(t, s.Blocks(), 1, "emptied tail block is released")
}

func TestBlockStorage_UnmovedPointersStayValid(t *testing.T) {
	s := NewBlockStorage[record](8)
	ptrs := make([]*record, 0, 40)
	for i := 0; i < 40; i++ {
		_, r := s.Create()
		r.ID = i
		ptrs = append(ptrs, r)
	}

	// Delete a middle record: only the last record moves.
	s.Delete(10)
	for i, p := range ptrs {
		if i == 10 || i == 39 {
			continue
		}
		assert.Same(t, p, s.At(i), "record %d changed address", i)
		assert.Equal(t, i, p.ID)
	}
	assert.Equal(t, 39, s.At(10).ID)

	// Growing further never relocates existing records.
	for i := 0; i < 100; i++ {
		s.Create()
	}
	assert.Same(t, ptrs[3], s.At(3))
}

func TestBlockStorage_Each(t *testing.T) {
	s := NewBlockStorage[record](2)
	for i := 0; i < 5; i++ {
		_, r := s.Create()
		r.ID = i * 10
	}
	var seen []int
	s.Each(func(slot int, r *record) {
		assert.Equal(t, slot*10, r.ID)
		seen = append(seen, slot)
	})
	assert.Equal(t, []int{0, 1, 2, 3, 4}, seen)
}
