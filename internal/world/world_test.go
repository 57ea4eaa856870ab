package world

import (
	"testing"
	"time"

	"github.com/hmcore/worldsim/internal/config"
	"github.com/hmcore/worldsim/internal/core/ecs"
	"github.com/hmcore/worldsim/internal/core/event"
	"github.com/hmcore/worldsim/internal/core/gate"
	"github.com/hmcore/worldsim/internal/core/system"
	"github.com/hmcore/worldsim/internal/core/wire"
	"github.com/hmcore/worldsim/internal/core/xform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	msgPing event.MessageType = iota + 1
	msgChain
	msgOrphan
)

type ping struct{ N int }

func (ping) Type() event.MessageType { return msgPing }

type chain struct{ Depth int }

func (chain) Type() event.MessageType { return msgChain }

type orphan struct{}

func (orphan) Type() event.MessageType { return msgOrphan }

// tracker counts its lifecycle hooks and the messages it receives.
type tracker struct {
	ComponentBase
	Value int

	inits, deinits int
	activations    int
	deactivations  int
	starts         int
	pings          []int
	depths         []int
	unhandled      int
	updates        int
}

func (p *tracker) Initialize()          { p.inits++ }
func (p *tracker) Deinitialize()        { p.deinits++ }
func (p *tracker) OnActivated()         { p.activations++ }
func (p *tracker) OnDeactivated()       { p.deactivations++ }
func (p *tracker) OnSimulationStarted() { p.starts++ }
func (p *tracker) OnUnhandledMessage(event.Message) bool {
	p.unhandled++
	return true
}

func trackerSpec() TypeSpec[tracker, *tracker] {
	return TypeSpec[tracker, *tracker]{
		Name:    "tracker",
		Version: 1,
		Handlers: map[event.MessageType]func(*tracker, event.Message){
			msgPing: func(p *tracker, m event.Message) { p.pings = append(p.pings, m.(ping).N) },
			msgChain: func(p *tracker, m event.Message) {
				d := m.(chain).Depth
				p.depths = append(p.depths, d)
				p.World().SendMessageRecursive(p.Owner(), chain{Depth: d + 1})
			},
		},
		Updates: []UpdateSpec[tracker, *tracker]{{
			Name:        "tracker.update",
			Phase:       system.PhaseAsync,
			Granularity: 4,
			Func:        func(p *tracker) { p.updates++ },
		}},
		Serialize: func(p *tracker, out *wire.Writer) { out.WriteD(uint32(p.Value)) },
		Deserialize: func(p *tracker, r *wire.Reader, _ uint16) error {
			p.Value = int(r.ReadD())
			return r.Err()
		},
	}
}

func newRegistry(t *testing.T) *TypeRegistry {
	t.Helper()
	r := NewTypeRegistry()
	_, err := Register(r, trackerSpec())
	require.NoError(t, err)
	return r
}

type fakeClock struct {
	now  time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

func newTestWorld(t *testing.T, reg *TypeRegistry, edit func(*config.WorldConfig)) *World {
	t.Helper()
	cfg := config.Default().World
	cfg.Name = t.Name()
	cfg.Simulate = true
	cfg.BlockCapacity = 4
	if edit != nil {
		edit(&cfg)
	}
	if reg == nil {
		reg = newRegistry(t)
	}
	w := New(cfg, reg, zaptest.NewLogger(t))
	clk := &fakeClock{now: time.Unix(1_000_000, 0)}
	w.SetClock(clk.Now)
	t.Cleanup(w.Write(w.Owner()))
	return w
}

func mustObject(t *testing.T, w *World, desc ObjectDesc) ecs.ID {
	t.Helper()
	id, err := w.CreateObject(desc)
	require.NoError(t, err)
	return id
}

func mustTracker(t *testing.T, w *World, owner ecs.ID) ComponentHandle {
	t.Helper()
	p, err := CreateComponent[tracker](w, owner)
	require.NoError(t, err)
	return p.Handle()
}

func getTracker(t *testing.T, w *World, h ComponentHandle) *tracker {
	t.Helper()
	p, ok := TryGetComponent[tracker](w, h)
	require.True(t, ok, "component %s not found", h)
	return p
}

func TestWorld_StaleHandlesDoNotResolve(t *testing.T) {
	w := newTestWorld(t, nil, nil)
	id := mustObject(t, w, ObjectDesc{Name: "a"})
	h := mustTracker(t, w, id)

	require.NoError(t, w.DeleteObjectNow(id, false))
	_, ok := w.TryGetObject(id)
	assert.False(t, ok, "deleted object must not resolve before the drain")
	_, ok = TryGetComponent[tracker](w, h)
	assert.False(t, ok, "components of a deleted object must not resolve")

	require.NoError(t, w.Update(time.Millisecond))
	id2 := mustObject(t, w, ObjectDesc{Name: "b"})
	h2 := mustTracker(t, w, id2)
	assert.Equal(t, id.Index(), id2.Index(), "slot is reused")
	_, ok = w.TryGetObject(id)
	assert.False(t, ok)
	_, ok = TryGetComponent[tracker](w, h)
	assert.False(t, ok)
	assert.Equal(t, h2, getTracker(t, w, h2).Handle())

	assert.ErrorIs(t, w.DeleteComponent(h), ErrNotFound)
}

func TestWorld_ForeignHandles(t *testing.T) {
	reg := newRegistry(t)
	w1 := newTestWorld(t, reg, nil)
	id := mustObject(t, w1, ObjectDesc{Name: "a"})
	h := mustTracker(t, w1, id)

	w2 := New(w1.cfg, reg, zaptest.NewLogger(t))
	defer w2.Write(w2.Owner())()
	mustObject(t, w2, ObjectDesc{Name: "b"})

	_, ok := w2.TryGetObject(id)
	assert.False(t, ok)
	_, ok = TryGetComponent[tracker](w2, h)
	assert.False(t, ok)
	_, err := w2.CreateObject(ObjectDesc{Parent: id})
	assert.ErrorIs(t, err, ErrWrongWorld)
}

func TestWorld_AccessRequiresGate(t *testing.T) {
	w := New(config.Default().World, newRegistry(t), zaptest.NewLogger(t))
	defer func() {
		r := recover()
		_, ok := r.(*gate.Violation)
		assert.True(t, ok, "expected a gate violation, got %v", r)
	}()
	w.CreateObject(ObjectDesc{Name: "nope"})
}

// fromOtherGoroutine runs fn on a new goroutine and returns its panic value.
func fromOtherGoroutine(fn func()) any {
	var rec any
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() { rec = recover() }()
		fn()
	}()
	<-done
	return rec
}

func TestWorld_ForeignGoroutineDuringWrite(t *testing.T) {
	w := newTestWorld(t, nil, nil)
	id := mustObject(t, w, ObjectDesc{Name: "a"})

	rec := fromOtherGoroutine(func() { w.CreateObject(ObjectDesc{Name: "intruder"}) })
	assert.IsType(t, &gate.Violation{}, rec)
	rec = fromOtherGoroutine(func() { w.TryGetObject(id) })
	assert.IsType(t, &gate.Violation{}, rec)
	rec = fromOtherGoroutine(func() {
		release := w.Write(gate.NewOwner())
		defer release()
	})
	assert.IsType(t, &gate.Violation{}, rec)
	assert.Equal(t, 1, w.ObjectCount())

	_, ok := w.TryGetObject(id)
	assert.True(t, ok, "the writing goroutine keeps access")
}

func TestWorld_AsyncUpdatesMayOnlyRead(t *testing.T) {
	w := newTestWorld(t, nil, nil)
	id := mustObject(t, w, ObjectDesc{Name: "a"})
	var readOK bool
	var writeRec any
	require.NoError(t, w.RegisterUpdateFunction(system.UpdateFunctionDesc{
		Name:  "async.access",
		Phase: system.PhaseAsync,
		Func: func(int, int) {
			_, readOK = w.TryGetObject(id)
			writeRec = fromOtherGoroutine(func() { w.SetLocalPosition(id, xform.V3(1, 0, 0)) })
		},
	}))
	require.NoError(t, w.Update(time.Millisecond))
	assert.True(t, readOK)
	assert.IsType(t, &gate.Violation{}, writeRec)
}

func TestWorld_ChildGlobalPosition(t *testing.T) {
	for _, dynamic := range []bool{false, true} {
		w := newTestWorld(t, nil, nil)
		parent := mustObject(t, w, ObjectDesc{Name: "parent", Position: xform.V3(1, 0, 0), Dynamic: dynamic})
		child := mustObject(t, w, ObjectDesc{Name: "child", Parent: parent, Position: xform.V3(0, 1, 0)})
		require.NoError(t, w.Update(10*time.Millisecond))

		obj, ok := w.TryGetObject(child)
		require.True(t, ok)
		assert.Equal(t, 1, obj.Level())
		assert.Equal(t, dynamic, obj.IsDynamic(), "children of dynamic parents are dynamic")
		assert.Equal(t, xform.V3(1, 1, 0), obj.GlobalPosition())
		assert.Equal(t, []ecs.ID{child}, w.Children(parent))
	}
}

func TestWorld_DynamicVelocity(t *testing.T) {
	w := newTestWorld(t, nil, nil)
	id := mustObject(t, w, ObjectDesc{Name: "mover", Dynamic: true})
	require.NoError(t, w.Update(100*time.Millisecond))

	require.NoError(t, w.SetLocalPosition(id, xform.V3(2, 0, 0)))
	require.NoError(t, w.Update(100*time.Millisecond))
	obj, _ := w.TryGetObject(id)
	assert.InDelta(t, 20.0, obj.Velocity().X, 1e-9)
}

func TestWorld_ParallelPropagationDeepChains(t *testing.T) {
	const roots, depth = 200, 20
	for _, spatial := range []bool{false, true} {
		w := newTestWorld(t, nil, func(c *config.WorldConfig) {
			c.BlockCapacity = 64
			c.TransformBinSize = 5
			c.ParallelTransforms = true
			c.SpatialIndex = spatial
			c.SpatialCellSize = 4
		})
		unit := xform.Box(xform.V3(0, 0, 0), xform.V3(0.5, 0.5, 0.5))
		rootIDs := make([]ecs.ID, roots)
		leaves := make([]ecs.ID, roots)
		for i := range roots {
			id := mustObject(t, w, ObjectDesc{Position: xform.V3(1, 0, 0), Bounds: unit, Dynamic: true})
			rootIDs[i] = id
			for range depth {
				id = mustObject(t, w, ObjectDesc{Parent: id, Position: xform.V3(1, 0, 0), Bounds: unit})
			}
			leaves[i] = id
		}
		for i, id := range rootIDs {
			require.NoError(t, w.SetLocalPosition(id, xform.V3(2, float64(i), 0)))
		}
		require.NoError(t, w.Update(time.Millisecond))

		for i, id := range leaves {
			leaf, ok := w.TryGetObject(id)
			require.True(t, ok)
			require.Equal(t, depth, leaf.Level())
			assert.InDelta(t, float64(depth+2), leaf.GlobalPosition().X, 1e-9, "chain %d", i)
			assert.InDelta(t, float64(i), leaf.GlobalPosition().Y, 1e-9, "chain %d", i)
		}
		if spatial {
			at := xform.V3(depth+2, 7, 0)
			got := w.QueryBox(xform.Box(at, at.Add(xform.V3(0.1, 0.1, 0.1))))
			assert.Contains(t, got, leaves[7])
		}
	}
}

func TestWorld_SetParentKeepsGlobal(t *testing.T) {
	w := newTestWorld(t, nil, nil)
	a := mustObject(t, w, ObjectDesc{Name: "a", Position: xform.V3(5, 0, 0)})
	b := mustObject(t, w, ObjectDesc{Name: "b", Position: xform.V3(1, 2, 3)})
	c := mustObject(t, w, ObjectDesc{Name: "c", Parent: b, Position: xform.V3(0, 0, 1)})

	require.NoError(t, w.SetParent(b, a, true))
	obj, _ := w.TryGetObject(b)
	assert.Equal(t, 1, obj.Level())
	assert.Equal(t, xform.V3(-4, 2, 3), obj.LocalTransform().Position)
	assert.Equal(t, xform.V3(1, 2, 3), obj.GlobalPosition())

	grandchild, _ := w.TryGetObject(c)
	assert.Equal(t, 2, grandchild.Level(), "subtree levels follow the new parent")
	assert.Equal(t, xform.V3(1, 2, 4), grandchild.GlobalPosition())

	assert.ErrorIs(t, w.SetParent(a, c, false), ErrInvalidParent)
	require.NoError(t, w.SetParent(b, 0, false))
	obj, _ = w.TryGetObject(b)
	assert.Equal(t, 0, obj.Level())
	assert.Empty(t, w.Children(a))
}

func TestWorld_DeleteDuringIteration(t *testing.T) {
	w := newTestWorld(t, nil, nil)
	ids := make([]ecs.ID, 10)
	for i := range ids {
		ids[i] = mustObject(t, w, ObjectDesc{Name: "n"})
	}
	deleted := make(map[ecs.ID]bool)
	var visited []ecs.ID
	w.EachObject(func(obj *GameObject) {
		visited = append(visited, obj.ID())
		for i, id := range ids {
			if id == obj.ID() && i+1 < len(ids) && !deleted[id] {
				require.NoError(t, w.DeleteObjectNow(ids[i+1], false))
				deleted[ids[i+1]] = true
			}
		}
	})
	for _, id := range visited {
		assert.False(t, deleted[id], "deleted object visited")
	}
	assert.Equal(t, 5, w.ObjectCount())

	require.NoError(t, w.Update(0))
	count := 0
	w.EachObject(func(*GameObject) { count++ })
	assert.Equal(t, 5, count)
	for _, id := range ids {
		_, ok := w.TryGetObject(id)
		assert.Equal(t, !deleted[id], ok)
	}
}

func TestWorld_DeleteEmptyParents(t *testing.T) {
	w := newTestWorld(t, nil, nil)
	root := mustObject(t, w, ObjectDesc{Name: "root"})
	mid := mustObject(t, w, ObjectDesc{Name: "mid", Parent: root})
	mustTracker(t, w, root)
	leaf := mustObject(t, w, ObjectDesc{Name: "leaf", Parent: mid})

	require.NoError(t, w.DeleteObjectNow(leaf, true))
	_, ok := w.TryGetObject(mid)
	assert.False(t, ok, "empty parent is deleted")
	_, ok = w.TryGetObject(root)
	assert.True(t, ok, "parent with components stays")
}

func TestWorld_DeleteObjectDelayed(t *testing.T) {
	w := newTestWorld(t, nil, nil)
	id := mustObject(t, w, ObjectDesc{Name: "later"})
	w.DeleteObjectDelayed(id, false)
	_, ok := w.TryGetObject(id)
	assert.True(t, ok)
	require.NoError(t, w.Update(time.Millisecond))
	_, ok = w.TryGetObject(id)
	assert.False(t, ok)
}

func TestWorld_ObjectDeletedEvent(t *testing.T) {
	w := newTestWorld(t, nil, nil)
	var names []string
	event.Subscribe(w.Events(), func(ev ObjectDeleted) { names = append(names, ev.Name) })
	root := mustObject(t, w, ObjectDesc{Name: "root"})
	mustObject(t, w, ObjectDesc{Name: "child", Parent: root})
	require.NoError(t, w.DeleteObjectNow(root, false))
	assert.ElementsMatch(t, []string{"root", "child"}, names)
}

func TestWorld_DeleteFromDeletedSubscriber(t *testing.T) {
	w := newTestWorld(t, nil, nil)
	root := mustObject(t, w, ObjectDesc{Name: "root"})
	child := mustObject(t, w, ObjectDesc{Name: "child", Parent: root})

	calls := 0
	event.Subscribe(w.Events(), func(ev ObjectDeleted) {
		calls++
		require.Less(t, calls, 10, "deletion recursed")
		assert.NoError(t, w.DeleteObjectNow(ev.ID, false))
		assert.NoError(t, w.DeleteObjectNow(root, false))
	})
	require.NoError(t, w.DeleteObjectNow(child, false))
	assert.Equal(t, 2, calls)

	_, ok := w.TryGetObject(child)
	assert.False(t, ok)
	_, ok = w.TryGetObject(root)
	assert.False(t, ok)
}

func TestWorld_LifecycleHooks(t *testing.T) {
	w := newTestWorld(t, nil, nil)
	id := mustObject(t, w, ObjectDesc{Name: "a"})
	h := mustTracker(t, w, id)
	p := getTracker(t, w, h)
	assert.Equal(t, StateNew, p.State())

	require.NoError(t, w.Update(time.Millisecond))
	assert.Equal(t, 1, p.inits)
	assert.Equal(t, 1, p.activations)
	assert.Equal(t, 1, p.starts)
	assert.Equal(t, StateSimulationStarted, p.State())

	require.NoError(t, w.DeleteComponent(h))
	assert.Equal(t, 1, p.deactivations)
	assert.Equal(t, 1, p.deinits)
	assert.True(t, p.IsQueuedForDestruction())
}

func TestWorld_ActiveFlagDerivation(t *testing.T) {
	w := newTestWorld(t, nil, nil)
	parent := mustObject(t, w, ObjectDesc{Name: "parent"})
	child := mustObject(t, w, ObjectDesc{Name: "child", Parent: parent})
	h := mustTracker(t, w, child)
	require.NoError(t, w.Update(time.Millisecond))
	p := getTracker(t, w, h)
	require.Equal(t, 1, p.activations)

	require.NoError(t, w.SetActiveFlag(parent, false))
	childObj, _ := w.TryGetObject(child)
	assert.False(t, childObj.IsActive())
	assert.True(t, childObj.IsEnabled())
	assert.False(t, p.IsActive())
	assert.Equal(t, 1, p.deactivations)

	require.NoError(t, w.SetActiveFlag(parent, false))
	require.NoError(t, w.SetComponentActiveFlag(h, false))
	assert.Equal(t, 1, p.deactivations, "no hook without a change of the derived state")

	require.NoError(t, w.SetActiveFlag(parent, true))
	require.NoError(t, w.Update(time.Millisecond))
	assert.True(t, childObj.IsActive())
	assert.False(t, p.IsActive(), "component flag still off")
	assert.Equal(t, 1, p.activations)

	require.NoError(t, w.SetComponentActiveFlag(h, true))
	require.NoError(t, w.Update(time.Millisecond))
	assert.True(t, p.IsActive())
	assert.Equal(t, 2, p.activations)
	assert.Equal(t, 2, p.starts)
	assert.Equal(t, 1, p.inits, "initialize runs once")
}

func TestWorld_InactiveComponentsDoNotUpdate(t *testing.T) {
	w := newTestWorld(t, nil, nil)
	var hs []ComponentHandle
	for i := 0; i < 10; i++ {
		hs = append(hs, mustTracker(t, w, mustObject(t, w, ObjectDesc{Name: "n"})))
	}
	require.NoError(t, w.Update(time.Millisecond))
	require.NoError(t, w.SetComponentActiveFlag(hs[0], false))
	require.NoError(t, w.Update(time.Millisecond))

	assert.Equal(t, 1, getTracker(t, w, hs[0]).updates)
	for _, h := range hs[1:] {
		assert.Equal(t, 2, getTracker(t, w, h).updates)
	}
	assert.Equal(t, []string{"tracker.update"}, w.UpdateOrder(system.PhaseAsync))
}

func TestWorld_PausedSimulation(t *testing.T) {
	w := newTestWorld(t, nil, func(c *config.WorldConfig) { c.Simulate = false })
	h := mustTracker(t, w, mustObject(t, w, ObjectDesc{Name: "a"}))
	require.NoError(t, w.Update(time.Second))
	p := getTracker(t, w, h)
	assert.Equal(t, 1, p.activations)
	assert.Equal(t, 0, p.starts)
	assert.Equal(t, time.Duration(0), w.DeltaTime())

	w.SetSimulation(true)
	require.NoError(t, w.Update(time.Second))
	assert.Equal(t, 1, p.starts)
}

func TestWorld_MessageDelayUsesWorldTime(t *testing.T) {
	w := newTestWorld(t, nil, nil)
	id := mustObject(t, w, ObjectDesc{Name: "a"})
	h := mustTracker(t, w, id)
	require.NoError(t, w.Update(0))
	p := getTracker(t, w, h)

	w.PostMessage(id, ping{N: 1}, event.QueueNextFrame, 100*time.Millisecond)
	w.PostMessage(id, ping{N: 2}, event.QueueNextFrame, 0)

	require.NoError(t, w.Update(50*time.Millisecond))
	assert.Equal(t, []int{2}, p.pings)

	w.SetSimulation(false)
	require.NoError(t, w.Update(time.Second))
	assert.Equal(t, []int{2}, p.pings, "paused world time does not advance")

	w.SetSimulation(true)
	require.NoError(t, w.Update(50*time.Millisecond))
	assert.Equal(t, []int{2, 1}, p.pings)
}

func TestWorld_ComponentMessages(t *testing.T) {
	w := newTestWorld(t, nil, nil)
	id := mustObject(t, w, ObjectDesc{Name: "a"})
	h := mustTracker(t, w, id)

	assert.False(t, w.SendComponentMessage(h, ping{N: 1}), "uninitialized components get no messages")
	require.NoError(t, w.Update(0))
	p := getTracker(t, w, h)

	assert.True(t, w.SendComponentMessage(h, ping{N: 2}))
	assert.True(t, w.SendComponentMessage(h, orphan{}))
	assert.False(t, w.SendMessage(id, orphan{}), "object messages skip the unhandled fallback")
	assert.Equal(t, []int{2}, p.pings)
	assert.Equal(t, 1, p.unhandled)

	p.PostMessage(ping{N: 3}, event.QueuePostTransform, 0)
	require.NoError(t, w.Update(0))
	assert.Equal(t, []int{2, 3}, p.pings)
}

func TestWorld_RecursiveMessageToSubtree(t *testing.T) {
	w := newTestWorld(t, nil, nil)
	root := mustObject(t, w, ObjectDesc{Name: "root"})
	child := mustObject(t, w, ObjectDesc{Name: "child", Parent: root})
	hr := mustTracker(t, w, root)
	hc := mustTracker(t, w, child)
	require.NoError(t, w.Update(0))

	w.PostMessageRecursive(root, ping{N: 7}, event.QueuePostAsync, 0)
	require.NoError(t, w.Update(0))
	assert.Equal(t, []int{7}, getTracker(t, w, hr).pings)
	assert.Equal(t, []int{7}, getTracker(t, w, hc).pings)
}

func TestWorld_RecursionBound(t *testing.T) {
	w := newTestWorld(t, nil, func(c *config.WorldConfig) { c.MaxMessageRecursion = 1 })
	id := mustObject(t, w, ObjectDesc{Name: "a"})
	h := mustTracker(t, w, id)
	require.NoError(t, w.Update(0))
	p := getTracker(t, w, h)

	assert.True(t, w.SendMessageRecursive(id, chain{}))
	assert.Equal(t, []int{0, 1}, p.depths, "one nested level below a recursive send")

	p.depths = nil
	assert.True(t, w.SendMessage(id, chain{}))
	assert.Equal(t, []int{0}, p.depths, "non-recursive sends allow no nesting")
	assert.GreaterOrEqual(t, w.Stats().MessagesRefused, int64(2))

	p.depths = nil
	assert.True(t, w.SendComponentMessage(h, chain{}))
	assert.Equal(t, []int{0}, p.depths, "component sends allow no nesting by default")

	p.depths = nil
	assert.True(t, w.SendComponentMessageNested(h, chain{}))
	assert.Equal(t, []int{0, 1}, p.depths)

	p.depths = nil
	w.PostComponentMessageNested(h, chain{}, event.QueuePostAsync, 0)
	require.NoError(t, w.Update(0))
	assert.Equal(t, []int{0, 1}, p.depths)
}

func TestWorld_InitBatchProgress(t *testing.T) {
	w := newTestWorld(t, nil, func(c *config.WorldConfig) { c.MaxInitTimePerFrame = 3 * time.Millisecond })
	clk := &fakeClock{now: time.Unix(2_000_000, 0), step: time.Millisecond}
	w.SetClock(clk.Now)

	batch := w.CreateInitBatch("level", false)
	require.NoError(t, w.BeginAddingToInitBatch(batch))
	var hs []ComponentHandle
	for i := 0; i < 10; i++ {
		hs = append(hs, mustTracker(t, w, mustObject(t, w, ObjectDesc{Name: "n"})))
	}
	w.EndAddingToInitBatch()

	require.NoError(t, w.Update(0))
	progress, done, err := w.InitBatchProgress(batch)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Zero(t, progress, "unsubmitted batches do not run")
	assert.False(t, getTracker(t, w, hs[0]).IsInitialized())

	require.NoError(t, w.SubmitInitBatch(batch))
	require.NoError(t, w.Update(0))
	progress, done, _ = w.InitBatchProgress(batch)
	assert.False(t, done)
	assert.Greater(t, progress, 0.0)
	assert.Less(t, progress, 0.5)

	for i := 0; i < 50 && !done; i++ {
		require.NoError(t, w.Update(0))
		progress, done, _ = w.InitBatchProgress(batch)
	}
	require.True(t, done)
	assert.Equal(t, 1.0, progress)
	for _, h := range hs {
		p := getTracker(t, w, h)
		assert.Equal(t, 1, p.inits)
		assert.Equal(t, 1, p.starts)
	}
	require.NoError(t, w.DeleteInitBatch(batch))
}

func TestWorld_InitBatchMisuse(t *testing.T) {
	w := newTestWorld(t, nil, nil)
	batch := w.CreateInitBatch("pending", false)
	require.NoError(t, w.BeginAddingToInitBatch(batch))
	mustTracker(t, w, mustObject(t, w, ObjectDesc{Name: "n"}))
	assert.ErrorIs(t, w.BeginAddingToInitBatch(batch), ErrInitBatchNesting)
	w.EndAddingToInitBatch()

	assert.ErrorIs(t, w.DeleteInitBatch(batch), ErrInitBatchPending)
	assert.ErrorIs(t, w.DeleteInitBatch(w.defaultBatch.id), ErrDefaultInitBatch)

	require.NoError(t, w.CancelInitBatch(batch))
	require.NoError(t, w.DeleteInitBatch(batch))
	assert.Equal(t, 0, w.Stats().Components+w.Stats().InitPending)
}

func TestWorld_DuplicateUpdateFunction(t *testing.T) {
	desc := system.UpdateFunctionDesc{Name: "tick", Phase: system.PhasePreAsync, Func: func(int, int) {}}

	w := newTestWorld(t, nil, nil)
	require.NoError(t, w.RegisterUpdateFunction(desc))
	assert.ErrorIs(t, w.RegisterUpdateFunction(desc), ErrDuplicateUpdateFunction)

	strict := newTestWorld(t, nil, func(c *config.WorldConfig) { c.Strict = true })
	require.NoError(t, strict.RegisterUpdateFunction(desc))
	assert.Panics(t, func() { _ = strict.RegisterUpdateFunction(desc) })
}

func TestWorld_GlobalKeys(t *testing.T) {
	w := newTestWorld(t, nil, nil)
	a := mustObject(t, w, ObjectDesc{Name: "a", GlobalKey: "café"})
	_, err := w.CreateObject(ObjectDesc{Name: "b", GlobalKey: "cafe\u0301"})
	assert.ErrorIs(t, err, ErrGlobalKeyInUse, "keys compare in NFC")

	found, ok := w.FindObjectByGlobalKey("café")
	require.True(t, ok)
	assert.Equal(t, a, found)

	require.NoError(t, w.DeleteObjectNow(a, false))
	_, ok = w.FindObjectByGlobalKey("café")
	assert.False(t, ok)
}

func TestWorld_SnapshotRoundTrip(t *testing.T) {
	reg := newRegistry(t)
	src := newTestWorld(t, reg, nil)
	root := mustObject(t, src, ObjectDesc{Name: "root", GlobalKey: "spawn", Position: xform.V3(1, 0, 0), Dynamic: true, Tags: []string{"spawn", "enemy"}})
	child := mustObject(t, src, ObjectDesc{Name: "child", Parent: root, Position: xform.V3(0, 1, 0), Bounds: xform.Box(xform.V3(-1, -1, -1), xform.V3(1, 1, 1))})
	p, err := CreateComponent[tracker](src, child)
	require.NoError(t, err)
	p.Value = 42
	require.NoError(t, src.Update(0))

	data, err := src.Snapshot()
	require.NoError(t, err)

	dst := newTestWorld(t, reg, nil)
	roots, err := dst.RestoreSnapshot(data)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	require.NoError(t, dst.Update(0))

	rootObj, ok := dst.TryGetObject(roots[0])
	require.True(t, ok)
	assert.Equal(t, "root", rootObj.Name())
	assert.True(t, rootObj.IsDynamic())
	assert.Equal(t, []string{"enemy", "spawn"}, rootObj.Tags())
	found, _ := dst.FindObjectByGlobalKey("spawn")
	assert.Equal(t, roots[0], found)

	children := rootObj.Children()
	require.Len(t, children, 1)
	childObj, _ := dst.TryGetObject(children[0])
	assert.Equal(t, xform.V3(1, 1, 0), childObj.GlobalPosition())
	assert.True(t, childObj.LocalBounds().Valid)

	restored, ok := FindComponent[tracker](dst, children[0])
	require.True(t, ok)
	assert.Equal(t, 42, restored.Value)
	assert.Equal(t, 1, restored.inits)
}

func TestWorld_SnapshotRejectsBadInput(t *testing.T) {
	w := newTestWorld(t, nil, nil)
	mustTracker(t, w, mustObject(t, w, ObjectDesc{Name: "a"}))
	data, err := w.Snapshot()
	require.NoError(t, err)

	newer := append([]byte(nil), data...)
	newer[len(snapshotMagic)] = SnapshotVersion + 1
	_, err = w.RestoreSnapshot(newer)
	assert.ErrorIs(t, err, ErrSnapshotVersion)

	corrupt := append([]byte(nil), data...)
	corrupt[len(snapshotMagic)+3] ^= 0xFF
	_, err = w.RestoreSnapshot(corrupt)
	assert.ErrorIs(t, err, ErrSnapshotMalformed)

	_, err = w.RestoreSnapshot(data[:8])
	assert.ErrorIs(t, err, ErrSnapshotMalformed)
	assert.Equal(t, 1, w.ObjectCount(), "failed restores add nothing")
}

func TestWorld_SpatialQuery(t *testing.T) {
	w := newTestWorld(t, nil, func(c *config.WorldConfig) {
		c.SpatialIndex = true
		c.SpatialCellSize = 4
	})
	unit := xform.Box(xform.V3(-0.5, -0.5, -0.5), xform.V3(0.5, 0.5, 0.5))
	near := mustObject(t, w, ObjectDesc{Name: "near", Bounds: unit})
	far := mustObject(t, w, ObjectDesc{Name: "far", Position: xform.V3(100, 0, 0), Bounds: unit, Dynamic: true})

	query := xform.Box(xform.V3(-2, -2, -2), xform.V3(2, 2, 2))
	assert.Equal(t, []ecs.ID{near}, w.QueryBox(query))

	require.NoError(t, w.SetLocalPosition(far, xform.V3(1, 0, 0)))
	require.NoError(t, w.Update(0))
	assert.ElementsMatch(t, []ecs.ID{near, far}, w.QueryBox(query))

	require.NoError(t, w.DeleteObjectNow(near, false))
	require.NoError(t, w.Update(0))
	assert.Equal(t, []ecs.ID{far}, w.QueryBox(query))
}

func TestWorld_Tags(t *testing.T) {
	w := newTestWorld(t, nil, func(c *config.WorldConfig) {
		c.SpatialIndex = true
		c.SpatialCellSize = 4
	})
	box := xform.Box(xform.V3(0, 0, 0), xform.V3(1, 1, 1))
	a := mustObject(t, w, ObjectDesc{Name: "a", Bounds: box, Tags: []string{"loot", "crate", "loot"}})
	b := mustObject(t, w, ObjectDesc{Name: "b", Bounds: box})

	obj, _ := w.TryGetObject(a)
	assert.Equal(t, []string{"crate", "loot"}, obj.Tags())
	assert.True(t, obj.HasTag("loot"))

	added, err := w.SetTag(b, "loot")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = w.SetTag(b, "loot")
	require.NoError(t, err)
	assert.False(t, added)
	assert.ElementsMatch(t, []ecs.ID{a, b}, w.QueryBoxTagged(box, "loot"))

	removed, err := w.RemoveTag(a, "loot")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, []ecs.ID{b}, w.QueryBoxTagged(box, "loot"))
	assert.Equal(t, []ecs.ID{a}, w.QueryBoxTagged(box, "crate"))

	_, err = w.SetTag(a, "")
	assert.ErrorIs(t, err, ErrEmptyTag)
	_, err = w.CreateObject(ObjectDesc{Tags: []string{""}})
	assert.ErrorIs(t, err, ErrEmptyTag)
}

func TestWorld_Clear(t *testing.T) {
	w := newTestWorld(t, nil, nil)
	root := mustObject(t, w, ObjectDesc{Name: "root"})
	mustTracker(t, w, mustObject(t, w, ObjectDesc{Name: "child", Parent: root}))
	w.PostMessage(root, ping{}, event.QueueNextFrame, time.Hour)
	w.Clear()

	s := w.Stats()
	assert.Zero(t, s.Objects)
	assert.Zero(t, s.Components)
	assert.Zero(t, s.DeadObjects)
	require.NoError(t, w.Update(time.Millisecond))
}
