package world

import (
	"fmt"
	"slices"
	"time"

	"github.com/hmcore/worldsim/internal/core/ecs"
	"github.com/hmcore/worldsim/internal/core/event"
	"go.uber.org/zap"
)

// EventSender is embedded by event messages that want to know who raised
// them. Send such messages by pointer so the sender can be filled in.
type EventSender struct {
	SenderObject    ecs.ID
	SenderComponent ComponentHandle
}

func (e *EventSender) setSender(obj ecs.ID, c ComponentHandle) {
	e.SenderObject, e.SenderComponent = obj, c
}

type senderSetter interface {
	setSender(obj ecs.ID, c ComponentHandle)
}

// EventHandler marks components that receive event messages bubbling up from
// their object's subtree. When it has no handler for a message type the
// search stops at its object unless it passes unhandled events through.
type EventHandler interface {
	PassThroughUnhandledEvents() bool
}

// EventHandlerBase implements EventHandler for embedding.
type EventHandlerBase struct {
	PassThrough bool `yaml:"pass_through_unhandled_events"`
}

func (e *EventHandlerBase) PassThroughUnhandledEvents() bool { return e.PassThrough }

// SetGlobalEventHandler registers h to receive event messages nobody on the
// search path handled. Deleting the component unregisters it.
func (w *World) SetGlobalEventHandler(h ComponentHandle, enable bool) error {
	w.checkWrite()
	c, ok := w.liveComponent(h)
	if !ok {
		return fmt.Errorf("global event handler %s: %w", h, ErrNotFound)
	}
	if _, ok := c.(EventHandler); !ok {
		return fmt.Errorf("global event handler %s: %w", h, ErrNotEventHandler)
	}
	i := slices.Index(w.globalEventHandlers, h)
	switch {
	case enable && i < 0:
		w.globalEventHandlers = append(w.globalEventHandlers, h)
	case !enable && i >= 0:
		w.globalEventHandlers = slices.Delete(w.globalEventHandlers, i, i+1)
	}
	return nil
}

func (w *World) dropGlobalEventHandler(h ComponentHandle) {
	if i := slices.Index(w.globalEventHandlers, h); i >= 0 {
		w.globalEventHandlers = slices.Delete(w.globalEventHandlers, i, i+1)
	}
}

// findEventHandlers walks from start up the parent chain. The first object
// with a component handling msg's type yields every such component on it.
// An EventHandler without pass-through that does not handle the type ends
// the search empty. With nothing found on the chain, the global handlers
// that handle the type are returned.
func (w *World) findEventHandlers(start ecs.ID, t event.MessageType, initialize bool) []ComponentHandle {
	var found []ComponentHandle
	for id := start; !id.IsZero(); {
		obj, err := w.liveObject(id)
		if err != nil {
			break
		}
		next := obj.parent
		keepSearching := true
		for _, h := range slices.Clone(obj.components) {
			c, ok := w.liveComponent(h)
			if !ok {
				continue
			}
			if initialize {
				w.ensureInitialized(c)
			}
			if w.handles(c, t) {
				found = append(found, h)
				keepSearching = false
				continue
			}
			if eh, ok := c.(EventHandler); ok {
				keepSearching = keepSearching && eh.PassThroughUnhandledEvents()
			}
		}
		if !keepSearching {
			return found
		}
		id = next
	}

	for _, h := range w.globalEventHandlers {
		if c, ok := w.liveComponent(h); ok && w.handles(c, t) {
			found = append(found, h)
		}
	}
	return found
}

func (w *World) prepareEvent(msg event.Message, sender ComponentHandle) {
	s, ok := msg.(senderSetter)
	if !ok {
		return
	}
	var owner ecs.ID
	if c, ok := w.liveComponent(sender); ok {
		owner = c.base().owner
	}
	s.setSender(owner, sender)
}

// SendEventMessage delivers msg now to the closest event handlers on the
// chain from receiver up to its root, falling back to the global handlers.
// sender may be zero. Returns whether any handler ran.
func (w *World) SendEventMessage(receiver ecs.ID, msg event.Message, sender ComponentHandle) bool {
	w.checkWrite()
	w.prepareEvent(msg, sender)
	targets := w.findEventHandlers(receiver, msg.Type(), true)
	if len(targets) == 0 {
		w.log.Debug("event message without handler",
			zap.Uint64("receiver", uint64(receiver)),
			zap.Uint32("msg_type", uint32(msg.Type())),
		)
		return false
	}
	handled := false
	for _, h := range targets {
		handled = w.SendComponentMessage(h, msg) || handled
	}
	return handled
}

// PostEventMessage resolves the event handlers now and queues msg for each.
func (w *World) PostEventMessage(receiver ecs.ID, msg event.Message, sender ComponentHandle, q event.QueueType, delay time.Duration) {
	w.checkRead()
	w.prepareEvent(msg, sender)
	for _, h := range w.findEventHandlers(receiver, msg.Type(), false) {
		w.PostComponentMessage(h, msg, q, delay)
	}
}
