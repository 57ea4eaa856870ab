package world

import (
	"fmt"
	"time"

	"github.com/hmcore/worldsim/internal/core/ecs"
	"github.com/hmcore/worldsim/internal/core/event"
)

// TypeID identifies a registered component type.
type TypeID uint16

// ComponentHandle addresses one component: its type plus a generation-checked
// id carrying the owning world's index.
type ComponentHandle struct {
	Type TypeID
	ID   ecs.ID
}

func (h ComponentHandle) IsZero() bool { return h.ID.IsZero() }

func (h ComponentHandle) String() string {
	return fmt.Sprintf("component(type=%d idx=%d gen=%d world=%d)", h.Type, h.ID.Index(), h.ID.Generation(), h.ID.World())
}

// ComponentState is the externally visible lifecycle state.
type ComponentState int

const (
	StateNew ComponentState = iota
	StateInitializing
	StateInitialized
	StateActive
	StateSimulationStarting
	StateSimulationStarted
	StateQueuedForDestruction
)

func (s ComponentState) String() string {
	switch s {
	case StateNew:
		return "New"
	case StateInitializing:
		return "Initializing"
	case StateInitialized:
		return "Initialized"
	case StateActive:
		return "Active"
	case StateSimulationStarting:
		return "SimulationStarting"
	case StateSimulationStarted:
		return "SimulationStarted"
	case StateQueuedForDestruction:
		return "QueuedForDestruction"
	default:
		return fmt.Sprintf("ComponentState(%d)", int(s))
	}
}

type stateFlags uint16

const (
	flagEnabled stateFlags = 1 << iota
	flagActive
	flagActivated // OnActivated delivered, OnDeactivated not yet
	flagInitializing
	flagInitialized
	flagSimulationStarting
	flagSimulationStarted
	flagQueuedForDestruction
)

func (f stateFlags) has(x stateFlags) bool { return f&x != 0 }

// ComponentBase is embedded by every component type.
type ComponentBase struct {
	handle ComponentHandle
	owner  ecs.ID
	world  *World
	flags  stateFlags
	slot   int
}

func (c *ComponentBase) base() *ComponentBase { return c }

func (c *ComponentBase) Handle() ComponentHandle { return c.handle }
func (c *ComponentBase) Owner() ecs.ID           { return c.owner }
func (c *ComponentBase) World() *World           { return c.world }

// IsEnabled reports the component's own active flag.
func (c *ComponentBase) IsEnabled() bool { return c.flags.has(flagEnabled) }

// IsActive reports the derived state: enabled and owner active.
func (c *ComponentBase) IsActive() bool       { return c.flags.has(flagActive) }
func (c *ComponentBase) IsInitialized() bool  { return c.flags.has(flagInitialized) }
func (c *ComponentBase) IsInitializing() bool { return c.flags.has(flagInitializing) }
func (c *ComponentBase) IsSimulationStarted() bool {
	return c.flags.has(flagSimulationStarted)
}
func (c *ComponentBase) IsActiveAndInitialized() bool {
	return c.flags&(flagActive|flagInitialized) == flagActive|flagInitialized
}
func (c *ComponentBase) IsActiveAndSimulating() bool {
	return c.IsActiveAndInitialized() && c.flags.has(flagSimulationStarted)
}
func (c *ComponentBase) IsQueuedForDestruction() bool {
	return c.flags.has(flagQueuedForDestruction)
}

// State reports the most advanced lifecycle state reached.
func (c *ComponentBase) State() ComponentState {
	f := c.flags
	switch {
	case f.has(flagQueuedForDestruction):
		return StateQueuedForDestruction
	case f.has(flagSimulationStarted):
		return StateSimulationStarted
	case f.has(flagSimulationStarting):
		return StateSimulationStarting
	case f.has(flagInitialized) && f.has(flagActive):
		return StateActive
	case f.has(flagInitialized):
		return StateInitialized
	case f.has(flagInitializing):
		return StateInitializing
	default:
		return StateNew
	}
}

// PostMessage queues msg for this component.
func (c *ComponentBase) PostMessage(msg event.Message, q event.QueueType, delay time.Duration) {
	c.world.PostComponentMessage(c.handle, msg, q, delay)
}

// Component is implemented by pointers to types embedding ComponentBase.
type Component interface {
	base() *ComponentBase
	Handle() ComponentHandle
}

// Optional lifecycle hooks.
type (
	Initializer interface{ Initialize() }
	// Deinitializer runs when an initialized component is deleted.
	Deinitializer     interface{ Deinitialize() }
	Activator         interface{ OnActivated() }
	Deactivator       interface{ OnDeactivated() }
	SimulationStarter interface{ OnSimulationStarted() }
	// UnhandledMessageHandler receives component-addressed messages the type
	// has no handler for.
	UnhandledMessageHandler interface {
		OnUnhandledMessage(msg event.Message) bool
	}
)
