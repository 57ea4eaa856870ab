// Package world implements the simulation container: game objects, their
// components, transform propagation, the per-frame update sequence and
// message delivery.
package world

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/hmcore/worldsim/internal/config"
	"github.com/hmcore/worldsim/internal/core/ecs"
	"github.com/hmcore/worldsim/internal/core/event"
	"github.com/hmcore/worldsim/internal/core/gate"
	"github.com/hmcore/worldsim/internal/core/system"
	"go.uber.org/zap"
)

var (
	ErrNotFound                = errors.New("not found")
	ErrTypeNotRegistered       = errors.New("component type not registered")
	ErrWrongWorld              = errors.New("handle belongs to another world")
	ErrDuplicateUpdateFunction = system.ErrDuplicateUpdateFunction
	ErrGlobalKeyInUse          = errors.New("global key already in use")
	ErrInvalidParent           = errors.New("invalid parent")
	ErrSnapshotVersion         = errors.New("unsupported snapshot version")
	ErrSnapshotMalformed       = errors.New("malformed snapshot")
	ErrNotEventHandler         = errors.New("component is not an event handler")
	ErrEmptyTag                = errors.New("empty tag")
)

var worldSeq atomic.Uint32

// Stats is a point-in-time summary of a World.
type Stats struct {
	Name              string
	Frame             uint64
	Simulating        bool
	Elapsed           time.Duration
	LastFrame         time.Duration
	Objects           int
	DynamicObjects    int
	Components        int
	DeadObjects       int
	DeadComponents    int
	Levels            int
	InitPending       int
	MessagesDelivered int64
	MessagesRefused   int64
	UpdateErrors      int64
}

// World owns every game object and component of one simulation.
//
// Structural operations require write access (see Write) taken on the calling
// goroutine. A goroutine that only reads must hold read access while no other
// goroutine writes.
type World struct {
	name  string
	index uint8
	cfg   config.WorldConfig
	log   *zap.Logger
	types *TypeRegistry

	gate  gate.Gate
	owner gate.Owner

	objects     *ecs.BlockStorage[GameObject]
	objectIDs   *ecs.IDTable[int] // id -> slot
	deadObjects []ecs.ID
	globalKeys  map[string]ecs.ID

	hierarchy *Hierarchy
	spatial   *SpatialGrid

	managers []componentManager // by TypeID
	active   []componentManager // managers in creation order

	scheduler *system.Scheduler
	router    *event.Router
	bus       *event.Bus

	globalEventHandlers []ComponentHandle

	initBatches  *ecs.IDTable[*initBatch]
	defaultBatch *initBatch
	currentBatch *initBatch

	simulating   bool
	clock        func() time.Time
	epoch        time.Time
	elapsed      time.Duration
	dt           time.Duration
	frame        uint64
	lastFrame    time.Duration
	updateErrors int64
}

// New creates an empty World using the component types of types.
func New(cfg config.WorldConfig, types *TypeRegistry, log *zap.Logger) *World {
	if cfg.BlockCapacity <= 0 {
		cfg.BlockCapacity = ecs.DefaultBlockCapacity
	}
	index := uint8(worldSeq.Add(1))
	w := &World{
		name:       cfg.Name,
		index:      index,
		cfg:        cfg,
		log:        log.Named("world").With(zap.String("world", cfg.Name)),
		types:      types,
		owner:      gate.NewOwner(),
		objects:    ecs.NewBlockStorage[GameObject](cfg.BlockCapacity),
		objectIDs:  ecs.NewIDTable[int](index, 256),
		globalKeys: make(map[string]ecs.ID),
		bus:        event.NewBus(),
		simulating: cfg.Simulate,
		clock:      time.Now,
	}
	if cfg.SpatialIndex {
		w.spatial = NewSpatialGrid(cfg.SpatialCellSize)
	}
	w.hierarchy = newHierarchy(cfg.BlockCapacity, cfg.TransformBinSize, cfg.ParallelTransforms, w.spatial, w.transformMoved)
	w.scheduler = system.NewScheduler(cfg.UpdateWorkers, w.log)
	w.router = event.NewRouter(cfg.MaxMessageRecursion, w.log)
	w.initBatches = ecs.NewIDTable[*initBatch](index, 8)
	w.defaultBatch = w.newInitBatch("Default", true)
	w.defaultBatch.ready = true
	w.currentBatch = w.defaultBatch
	w.epoch = w.clock()
	return w
}

func (w *World) Name() string         { return w.name }
func (w *World) Index() uint8         { return w.index }
func (w *World) Log() *zap.Logger     { return w.log }
func (w *World) Types() *TypeRegistry { return w.types }

// Events is the world's notification bus (ObjectDeleted and friends).
func (w *World) Events() *event.Bus { return w.bus }

// Spatial returns the spatial index, nil when disabled.
func (w *World) Spatial() *SpatialGrid { return w.spatial }

// SetClock replaces the wall clock used for init budgets and message times.
func (w *World) SetClock(fn func() time.Time) {
	w.clock = fn
	w.epoch = fn().Add(-w.elapsed)
}

// Owner is the access token the World uses for its own frame updates. A
// goroutine driving the World should use it when taking write access.
func (w *World) Owner() gate.Owner { return w.owner }

// Write takes write access for o and returns the release.
func (w *World) Write(o gate.Owner) func() { return w.gate.Write(o) }

// Read takes read access for o and returns the release.
func (w *World) Read(o gate.Owner) func() { return w.gate.Read(o) }

func (w *World) checkWrite() { w.gate.CheckWriter() }
func (w *World) checkRead()  { w.gate.CheckReader() }

// fatal reports a programming error. Strict worlds panic; others log and let
// the caller continue with the returned error.
func (w *World) fatal(err error, fields ...zap.Field) error {
	if w.cfg.Strict {
		panic(err)
	}
	w.log.Error("programming error", append(fields, zap.Error(err))...)
	return err
}

// Now is the world time: the clock at creation plus simulated time.
func (w *World) Now() time.Time { return w.epoch.Add(w.elapsed) }

// DeltaTime is the simulated time step of the current frame.
func (w *World) DeltaTime() time.Duration { return w.dt }

func (w *World) Frame() uint64 { return w.frame }

func (w *World) IsSimulating() bool { return w.simulating }

// SetSimulation toggles simulation. Starting it queues every active,
// initialized component for its simulation start.
func (w *World) SetSimulation(on bool) {
	w.checkWrite()
	if w.simulating == on {
		return
	}
	w.simulating = on
	if !on {
		return
	}
	for _, m := range w.active {
		m.each(func(c Component) {
			b := c.base()
			if b.IsActiveAndInitialized() && !b.IsSimulationStarted() {
				w.defaultBatch.toStart = append(w.defaultBatch.toStart, b.handle)
			}
		})
	}
}

// managerFor returns the manager for ti, creating it on first use. A new
// manager's update functions are registered on the next frame.
func (w *World) managerFor(ti *typeInfo) componentManager {
	for int(ti.id) >= len(w.managers) {
		w.managers = append(w.managers, nil)
	}
	if m := w.managers[ti.id]; m != nil {
		return m
	}
	m := ti.newManager(w)
	w.managers[ti.id] = m
	w.active = append(w.active, m)
	for _, d := range m.updateDescs() {
		if err := w.scheduler.Register(d); err != nil {
			if errors.Is(err, system.ErrDuplicateUpdateFunction) {
				w.fatal(err, zap.String("type", ti.name))
				continue
			}
			w.log.Error("register update function", zap.String("type", ti.name), zap.Error(err))
		}
	}
	w.log.Debug("component manager created", zap.String("type", ti.name), zap.Uint16("type_id", uint16(ti.id)))
	return m
}

func (w *World) managerByID(id TypeID) (componentManager, bool) {
	if int(id) < len(w.managers) && w.managers[id] != nil {
		return w.managers[id], true
	}
	return nil, false
}

// Manager returns the manager of T in w, creating it if T is registered.
func Manager[T any, PT ComponentPtr[T]](w *World) (*ComponentManager[T, PT], error) {
	ti, ok := w.types.lookupGo(reflect.TypeFor[T]())
	if !ok {
		return nil, fmt.Errorf("manager %s: %w", reflect.TypeFor[T](), ErrTypeNotRegistered)
	}
	return w.managerFor(ti).(*ComponentManager[T, PT]), nil
}

// RegisterUpdateFunction adds a world-level update function not tied to a
// component type.
func (w *World) RegisterUpdateFunction(desc system.UpdateFunctionDesc) error {
	w.checkWrite()
	if err := w.scheduler.Register(desc); err != nil {
		if errors.Is(err, system.ErrDuplicateUpdateFunction) {
			return w.fatal(err)
		}
		return err
	}
	return nil
}

func (w *World) DeregisterUpdateFunction(p system.Phase, name string) bool {
	w.checkWrite()
	return w.scheduler.Deregister(p, name)
}

// UpdateOrder lists the update functions of phase p in execution order.
func (w *World) UpdateOrder(p system.Phase) []string {
	return w.scheduler.Order(p)
}

// Update runs one frame with time step dt. While not simulating the time
// step is zero.
func (w *World) Update(dt time.Duration) error {
	defer w.gate.Write(w.owner)()
	start := w.clock()
	ctx := context.Background()

	if !w.simulating {
		dt = 0
	}
	w.dt = dt
	w.elapsed += dt
	w.frame++
	now := w.Now()

	var errs []error
	phase := func(p system.Phase) {
		if err := w.scheduler.Run(ctx, p, w.simulating); err != nil {
			w.updateErrors++
			errs = append(errs, fmt.Errorf("%s phase: %w", p, err))
		}
	}

	w.deleteDeadComponents()
	w.deleteDeadObjects()

	// initialize
	w.processInitBatches(start)
	if err := w.scheduler.ResolvePending(); err != nil {
		w.log.Debug("update functions still pending", zap.Error(err))
	}
	w.drainMessages(event.QueueAfterInitialized, now)

	// pre-async
	w.drainMessages(event.QueueNextFrame, now)
	phase(system.PhasePreAsync)

	// async: the frame keeps its read mark but gives up write identity, so
	// update batches may read in parallel and nobody may write.
	restore := w.gate.Demote(w.owner)
	phase(system.PhaseAsync)
	restore()

	// post-async
	w.drainMessages(event.QueuePostAsync, now)
	phase(system.PhasePostAsync)

	var invDt float64
	if dt > 0 {
		invDt = 1 / dt.Seconds()
	}
	if err := w.hierarchy.propagate(ctx, invDt); err != nil {
		errs = append(errs, fmt.Errorf("propagate transforms: %w", err))
	}

	// post-transform
	w.drainMessages(event.QueuePostTransform, now)
	phase(system.PhasePostTransform)

	// Components created during the frame get initialized before it ends.
	w.processInitBatch(w.defaultBatch, time.Time{})
	w.drainMessages(event.QueueAfterInitialized, now)

	w.lastFrame = w.clock().Sub(start)
	return errors.Join(errs...)
}

// Stats summarizes the world. Requires read access.
func (w *World) Stats() Stats {
	w.checkRead()
	s := Stats{
		Name:              w.name,
		Frame:             w.frame,
		Simulating:        w.simulating,
		Elapsed:           w.elapsed,
		LastFrame:         w.lastFrame,
		Objects:           w.objectIDs.Count() - len(w.deadObjects),
		DynamicObjects:    w.hierarchy.Count(ForestDynamic),
		DeadObjects:       len(w.deadObjects),
		Levels:            max(w.hierarchy.Levels(ForestStatic), w.hierarchy.Levels(ForestDynamic)),
		MessagesDelivered: w.router.Delivered(),
		MessagesRefused:   w.router.Refused(),
		UpdateErrors:      w.updateErrors,
	}
	for _, m := range w.active {
		s.Components += m.count()
		s.DeadComponents += m.deadCount()
	}
	w.initBatches.Each(func(_ ecs.ID, b *initBatch) {
		s.InitPending += len(b.toInit) - b.nextInit
	})
	return s
}

// Clear deletes every object and component immediately and resets queues.
// Registered update functions and managers stay.
func (w *World) Clear() {
	w.checkWrite()
	var roots []ecs.ID
	w.EachObject(func(obj *GameObject) {
		if obj.parent.IsZero() {
			roots = append(roots, obj.id)
		}
	})
	for _, id := range roots {
		if obj, err := w.liveObject(id); err == nil {
			w.deleteObject(obj)
		}
	}
	w.deleteDeadComponents()
	w.deleteDeadObjects()
	w.router.Clear()
	w.initBatches.Each(func(_ ecs.ID, b *initBatch) { b.reset() })
}
