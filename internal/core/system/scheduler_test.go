package system

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func noop(first, count int) {}

func TestScheduler_SortPriorityThenName(t *testing.T) {
	s := NewScheduler(0, zaptest.NewLogger(t))
	descs := []UpdateFunctionDesc{
		{Func: noop, Name: "b", Priority: 0},
		{Func: noop, Name: "a", Priority: 0},
		{Func: noop, Name: "z", Priority: 10},
		{Func: noop, Name: "m", Priority: -5},
		{Func: noop, Name: "c", Priority: 10},
	}
	for _, d := range descs {
		require.NoError(t, s.Register(d))
	}
	assert.Equal(t, []string{"c", "z", "a", "b", "m"}, s.Order(PhasePreAsync))
}

func TestScheduler_OrderIndependentOfRegistrationOrder(t *testing.T) {
	names := []string{"physics", "ai", "anim", "audio", "camera"}
	var want []string
	for round := 0; round < 5; round++ {
		s := NewScheduler(0, zaptest.NewLogger(t))
		for i := range names {
			n := names[(i+round)%len(names)]
			require.NoError(t, s.Register(UpdateFunctionDesc{Func: noop, Name: n, Phase: PhasePostAsync, Priority: len(n) % 2}))
		}
		got := s.Order(PhasePostAsync)
		if want == nil {
			want = got
		}
		assert.Equal(t, want, got)
	}
}

func TestScheduler_DuplicateNameAndPriorityFails(t *testing.T) {
	s := NewScheduler(0, zaptest.NewLogger(t))
	require.NoError(t, s.Register(UpdateFunctionDesc{Func: noop, Name: "x", Priority: 1}))
	err := s.Register(UpdateFunctionDesc{Func: noop, Name: "x", Priority: 1})
	assert.True(t, errors.Is(err, ErrDuplicateUpdateFunction))

	// Same name in another phase is a different function.
	assert.NoError(t, s.Register(UpdateFunctionDesc{Func: noop, Name: "x", Priority: 1, Phase: PhaseAsync}))
}

func TestScheduler_DependsOnWaitsAndOrders(t *testing.T) {
	s := NewScheduler(0, zaptest.NewLogger(t))
	require.NoError(t, s.Register(UpdateFunctionDesc{Func: noop, Name: "late", Priority: 100, DependsOn: []string{"base"}}))
	assert.Equal(t, 1, s.PendingCount())
	assert.ErrorIs(t, s.ResolvePending(), ErrUnresolvedDependency)

	require.NoError(t, s.Register(UpdateFunctionDesc{Func: noop, Name: "base", Priority: 0}))
	require.NoError(t, s.Register(UpdateFunctionDesc{Func: noop, Name: "first", Priority: 50}))
	require.NoError(t, s.ResolvePending())
	assert.Equal(t, []string{"first", "base", "late"}, s.Order(PhasePreAsync))
}

func TestScheduler_Deregister(t *testing.T) {
	s := NewScheduler(0, zaptest.NewLogger(t))
	require.NoError(t, s.Register(UpdateFunctionDesc{Func: noop, Name: "a"}))
	assert.True(t, s.Deregister(PhasePreAsync, "a"))
	assert.False(t, s.Deregister(PhasePreAsync, "a"))
	assert.Empty(t, s.Order(PhasePreAsync))
}

func TestScheduler_RunInOrderAndSkipsWhenNotSimulating(t *testing.T) {
	s := NewScheduler(0, zaptest.NewLogger(t))
	var got []string
	rec := func(name string) UpdateFunc {
		return func(int, int) { got = append(got, name) }
	}
	require.NoError(t, s.Register(UpdateFunctionDesc{Func: rec("low"), Name: "low", Phase: PhasePostTransform}))
	require.NoError(t, s.Register(UpdateFunctionDesc{Func: rec("high"), Name: "high", Priority: 1, Phase: PhasePostTransform}))
	require.NoError(t, s.Register(UpdateFunctionDesc{Func: rec("sim"), Name: "sim", Priority: 2, Phase: PhasePostTransform, OnlyWhenSimulating: true}))

	require.NoError(t, s.Run(context.Background(), PhasePostTransform, false))
	assert.Equal(t, []string{"high", "low"}, got)

	got = nil
	require.NoError(t, s.Run(context.Background(), PhasePostTransform, true))
	assert.Equal(t, []string{"sim", "high", "low"}, got)
}

func TestScheduler_AsyncBatchesCoverRange(t *testing.T) {
	s := NewScheduler(4, zaptest.NewLogger(t))
	var mu sync.Mutex
	var batches [][2]int
	require.NoError(t, s.Register(UpdateFunctionDesc{
		Name:          "split",
		Phase:         PhaseAsync,
		Granularity:   50,
		BlockCapacity: 64,
		Count:         func() int { return 300 },
		Func: func(first, count int) {
			mu.Lock()
			batches = append(batches, [2]int{first, count})
			mu.Unlock()
		},
	}))
	require.NoError(t, s.Run(context.Background(), PhaseAsync, true))

	sort.Slice(batches, func(i, j int) bool { return batches[i][0] < batches[j][0] })
	assert.Equal(t, [][2]int{{0, 64}, {64, 64}, {128, 64}, {192, 64}, {256, 44}}, batches)
}

func TestScheduler_SyncPhaseRunsWholeRange(t *testing.T) {
	s := NewScheduler(0, zaptest.NewLogger(t))
	var calls [][2]int
	require.NoError(t, s.Register(UpdateFunctionDesc{
		Name: "whole", Granularity: 10, BlockCapacity: 1,
		Count: func() int { return 35 },
		Func:  func(first, count int) { calls = append(calls, [2]int{first, count}) },
	}))
	require.NoError(t, s.Run(context.Background(), PhasePreAsync, true))
	assert.Equal(t, [][2]int{{0, 35}}, calls)
}

func TestScheduler_PanicIsRecovered(t *testing.T) {
	s := NewScheduler(0, zaptest.NewLogger(t))
	ran := false
	require.NoError(t, s.Register(UpdateFunctionDesc{Name: "bad", Priority: 1, Func: func(int, int) { panic("boom") }}))
	require.NoError(t, s.Register(UpdateFunctionDesc{Name: "good", Func: func(int, int) { ran = true }}))

	err := s.Run(context.Background(), PhasePreAsync, true)
	assert.ErrorContains(t, err, "bad")
	assert.True(t, ran, "later functions still run")
}

func TestRoundGranularity(t *testing.T) {
	assert.Equal(t, 0, roundGranularity(0, 64))
	assert.Equal(t, 64, roundGranularity(1, 64))
	assert.Equal(t, 128, roundGranularity(65, 64))
	assert.Equal(t, 7, roundGranularity(7, 0))
}
