package system

import (
	"errors"
	"fmt"
)

// Phase defines where in a World frame an update function runs.
type Phase int

const (
	PhasePreAsync      Phase = iota // 0: single-threaded, before async work
	PhaseAsync                      // 1: batches run in parallel, gate demoted
	PhasePostAsync                  // 2: single-threaded, after async work
	PhasePostTransform              // 3: after transform propagation
	NumPhases
)

func (p Phase) String() string {
	switch p {
	case PhasePreAsync:
		return "PreAsync"
	case PhaseAsync:
		return "Async"
	case PhasePostAsync:
		return "PostAsync"
	case PhasePostTransform:
		return "PostTransform"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

var (
	ErrDuplicateUpdateFunction = errors.New("duplicate update function")
	ErrUnresolvedDependency    = errors.New("unresolved update function dependency")
)

// UpdateFunc processes records [first, first+count) of its owner.
type UpdateFunc func(first, count int)

// UpdateFunctionDesc registers one update callback.
type UpdateFunctionDesc struct {
	Func UpdateFunc
	// Name breaks priority ties and must be unique per phase and priority.
	Name  string
	Phase Phase
	// Priority orders functions within a phase, higher first.
	Priority int
	// Granularity is the batch size for async dispatch. Zero runs the whole
	// range as one batch. It is rounded up to a multiple of BlockCapacity.
	Granularity   int
	BlockCapacity int
	// OnlyWhenSimulating skips the function while the World is not simulating.
	OnlyWhenSimulating bool
	// DependsOn names functions of the same phase that must run first.
	DependsOn []string
	// Count reports the current record count. Nil calls Func once with a
	// zero range.
	Count func() int
}

// roundGranularity rounds g up to a whole number of blocks so a batch never
// ends inside a block.
func roundGranularity(g, block int) int {
	if g <= 0 {
		return 0
	}
	if block <= 1 {
		return g
	}
	return (g + block - 1) / block * block
}
