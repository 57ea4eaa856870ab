// Package actor manages long-lived actors and the API services they use,
// outside of any World.
package actor

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/hmcore/worldsim/internal/core/ecs"
	"github.com/hmcore/worldsim/internal/core/event"
	"go.uber.org/zap"
)

var (
	ErrNotFound      = errors.New("actor not found")
	ErrServiceExists = errors.New("api service of this type already added")
	ErrServiceInUse  = errors.New("api service already added")
)

// Actor is driven once per Manager.Update after activation.
type Actor interface {
	Activate()
	Update()
}

// Named actors report a name in logs and events.
type Named interface{ Name() string }

// APIService is a shared service actors look up by type.
type APIService interface {
	Activate()
	Update()
}

// ID identifies an actor. Stale ids do not resolve.
type ID = ecs.ID

type State int

const (
	StateNew State = iota
	StateActive
	StateQueuedForDestruction
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "New"
	case StateActive:
		return "Active"
	case StateQueuedForDestruction:
		return "QueuedForDestruction"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// DestructionMode selects whether a destroyed actor is removed at once or at
// the start of the next Update.
type DestructionMode int

const (
	DestroyImmediate DestructionMode = iota
	DestroyDeferred
)

type EventType int

const (
	AfterActorCreation EventType = iota
	AfterActorActivation
	BeforeActorDestruction
)

// Event is published on the manager's bus for actor lifecycle changes.
type Event struct {
	Type  EventType
	ID    ID
	Actor Actor
}

type actorEntry struct {
	id        ID
	actor     Actor
	createdBy any
	state     State
}

type serviceEntry struct {
	svc   APIService
	typ   reflect.Type
	state State
}

// Manager owns actors and API services. It has its own lock; hooks and
// event listeners run without it held, so they may call back into the
// Manager.
type Manager struct {
	mu       sync.Mutex
	actors   []*actorEntry // creation order
	ids      *ecs.IDTable[*actorEntry]
	services []*serviceEntry

	// set while actors are updated: immediate destruction is deferred
	forceQueue bool

	events *event.Bus
	log    *zap.Logger
}

func NewManager(log *zap.Logger) *Manager {
	return &Manager{
		ids:    ecs.NewIDTable[*actorEntry](0, 16),
		events: event.NewBus(),
		log:    log.Named("actor"),
	}
}

// Events is the bus Event values are published on.
func (m *Manager) Events() *event.Bus { return m.events }

func actorName(a Actor) string {
	if n, ok := a.(Named); ok {
		return n.Name()
	}
	return reflect.TypeOf(a).String()
}

// AddActor takes ownership of a. createdBy tags the actor for
// DestroyAllActors and may be nil.
func (m *Manager) AddActor(a Actor, createdBy any) ID {
	m.mu.Lock()
	e := &actorEntry{actor: a, createdBy: createdBy}
	e.id = m.ids.Insert(e)
	m.actors = append(m.actors, e)
	m.mu.Unlock()

	m.log.Debug("actor added", zap.String("actor", actorName(a)))
	event.Publish(m.events, Event{Type: AfterActorCreation, ID: e.id, Actor: a})
	return e.id
}

// Actor resolves id.
func (m *Manager) Actor(id ID) (Actor, State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.ids.TryGet(id)
	if !ok {
		return nil, 0, false
	}
	return e.actor, e.state, true
}

// Actors lists the ids of all actors, including queued ones.
func (m *Manager) Actors() []ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ID, len(m.actors))
	for i, e := range m.actors {
		out[i] = e.id
	}
	return out
}

// DestroyActor queues id for destruction. Immediate removal happens now
// unless actors are being updated, in which case it waits for the next
// Update.
func (m *Manager) DestroyActor(id ID, mode DestructionMode) error {
	m.mu.Lock()
	e, ok := m.ids.TryGet(id)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("destroy actor %d: %w", id.Index(), ErrNotFound)
	}
	e.state = StateQueuedForDestruction
	now := mode == DestroyImmediate && !m.forceQueue
	m.mu.Unlock()

	if now {
		m.remove([]*actorEntry{e})
	}
	return nil
}

// DestroyAllActors destroys every actor created by createdBy, or every actor
// when createdBy is nil.
func (m *Manager) DestroyAllActors(createdBy any, mode DestructionMode) {
	m.mu.Lock()
	var doomed []*actorEntry
	for i := len(m.actors) - 1; i >= 0; i-- {
		e := m.actors[i]
		if createdBy == nil || e.createdBy == createdBy {
			e.state = StateQueuedForDestruction
			doomed = append(doomed, e)
		}
	}
	now := mode == DestroyImmediate && !m.forceQueue
	m.mu.Unlock()

	if now {
		m.remove(doomed)
	}
}

// remove announces and drops entries. Entries already removed are skipped.
func (m *Manager) remove(entries []*actorEntry) {
	for _, e := range entries {
		event.Publish(m.events, Event{Type: BeforeActorDestruction, ID: e.id, Actor: e.actor})
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		if _, ok := m.ids.Remove(e.id); !ok {
			continue
		}
		for i, x := range m.actors {
			if x == e {
				m.actors = append(m.actors[:i], m.actors[i+1:]...)
				break
			}
		}
		m.log.Debug("actor destroyed", zap.String("actor", actorName(e.actor)))
	}
}

// AddAPIService registers s. Only one live service per concrete type is
// allowed.
func (m *Manager) AddAPIService(s APIService) error {
	typ := reflect.TypeOf(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.services {
		if e.svc == s {
			return fmt.Errorf("add api service %s: %w", typ, ErrServiceInUse)
		}
		if e.typ == typ && e.state != StateQueuedForDestruction {
			return fmt.Errorf("add api service %s: %w", typ, ErrServiceExists)
		}
	}
	m.services = append(m.services, &serviceEntry{svc: s, typ: typ})
	return nil
}

// Service returns the first live service assignable to T. T may be an
// interface.
func Service[T any](m *Manager) (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.services {
		if e.state == StateQueuedForDestruction {
			continue
		}
		if t, ok := e.svc.(T); ok {
			return t, true
		}
	}
	var zero T
	return zero, false
}

// DestroyAPIService queues s for destruction, or removes it at once.
func (m *Manager) DestroyAPIService(s APIService, mode DestructionMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.services {
		if e.svc != s {
			continue
		}
		e.state = StateQueuedForDestruction
		if mode == DestroyImmediate {
			m.services = append(m.services[:i], m.services[i+1:]...)
		}
		return
	}
}

func (m *Manager) DestroyAllAPIServices(mode DestructionMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.services {
		e.state = StateQueuedForDestruction
	}
	if mode == DestroyImmediate {
		m.services = m.services[:0]
	}
}

// Update removes queued services and actors, activates new services, updates
// active services, and then activates and updates actors, newest first.
func (m *Manager) Update() {
	m.destroyQueuedServices()
	m.destroyQueuedActors()
	m.activateServices()
	m.updateServices()
	m.updateActors()
}

func (m *Manager) destroyQueuedServices() {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.services[:0]
	for _, e := range m.services {
		if e.state != StateQueuedForDestruction {
			kept = append(kept, e)
		}
	}
	clear(m.services[len(kept):])
	m.services = kept
}

func (m *Manager) destroyQueuedActors() {
	m.mu.Lock()
	if m.forceQueue {
		m.mu.Unlock()
		m.log.Error("destroy queued actors called during actor update")
		return
	}
	var doomed []*actorEntry
	for i := len(m.actors) - 1; i >= 0; i-- {
		if e := m.actors[i]; e.state == StateQueuedForDestruction {
			doomed = append(doomed, e)
		}
	}
	m.mu.Unlock()
	if len(doomed) > 0 {
		m.remove(doomed)
	}
}

func (m *Manager) activateServices() {
	m.mu.Lock()
	var fresh []APIService
	for _, e := range m.services {
		if e.state == StateNew {
			e.state = StateActive
			fresh = append(fresh, e.svc)
		}
	}
	m.mu.Unlock()
	for _, s := range fresh {
		s.Activate()
	}
}

func (m *Manager) updateServices() {
	m.mu.Lock()
	var active []APIService
	for _, e := range m.services {
		if e.state == StateActive {
			active = append(active, e.svc)
		}
	}
	m.mu.Unlock()
	for _, s := range active {
		s.Update()
	}
}

func (m *Manager) state(e *actorEntry) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return e.state
}

func (m *Manager) updateActors() {
	m.mu.Lock()
	m.forceQueue = true
	snapshot := append([]*actorEntry(nil), m.actors...)
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.forceQueue = false
		m.mu.Unlock()
	}()

	for i := len(snapshot) - 1; i >= 0; i-- {
		e := snapshot[i]
		m.mu.Lock()
		activate := e.state == StateNew
		if activate {
			e.state = StateActive
		}
		m.mu.Unlock()
		if activate {
			e.actor.Activate()
			event.Publish(m.events, Event{Type: AfterActorActivation, ID: e.id, Actor: e.actor})
		}
		if m.state(e) == StateActive {
			e.actor.Update()
		}
	}
}

// Shutdown destroys every actor and service.
func (m *Manager) Shutdown() {
	m.DestroyAllActors(nil, DestroyImmediate)
	m.DestroyAllAPIServices(DestroyImmediate)
}
