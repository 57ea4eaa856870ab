package world

import (
	"slices"
	"time"

	"github.com/hmcore/worldsim/internal/core/ecs"
	"github.com/hmcore/worldsim/internal/core/event"
	"go.uber.org/zap"
)

// Message types handled by the World itself sit at the top of the range.
const (
	MsgTypeDeleteGameObject event.MessageType = 0xFFFF0000 + iota
)

// MsgDeleteGameObject deletes the receiving object when delivered.
type MsgDeleteGameObject struct {
	DeleteEmptyParents bool
}

func (MsgDeleteGameObject) Type() event.MessageType { return MsgTypeDeleteGameObject }

func (w *World) due(delay time.Duration) time.Time {
	if delay <= 0 {
		return time.Time{}
	}
	return w.Now().Add(delay)
}

// PostMessage queues msg for every component of receiver. A positive delay is
// measured in world time, so paused simulation postpones delivery.
func (w *World) PostMessage(receiver ecs.ID, msg event.Message, q event.QueueType, delay time.Duration) {
	w.router.Post(q, msg, event.Meta{Receiver: receiver, Due: w.due(delay)})
}

// PostMessageRecursive queues msg for receiver and its whole subtree.
// Handlers may send nested messages.
func (w *World) PostMessageRecursive(receiver ecs.ID, msg event.Message, q event.QueueType, delay time.Duration) {
	w.router.Post(q, msg, event.Meta{Receiver: receiver, Subtree: true, AllowNested: true, Due: w.due(delay)})
}

func componentMeta(h ComponentHandle, nested bool) event.Meta {
	return event.Meta{
		Receiver:            h.ID,
		ReceiverIsComponent: true,
		ReceiverType:        uint16(h.Type),
		AllowNested:         nested,
	}
}

// PostComponentMessage queues msg for a single component.
func (w *World) PostComponentMessage(h ComponentHandle, msg event.Message, q event.QueueType, delay time.Duration) {
	meta := componentMeta(h, false)
	meta.Due = w.due(delay)
	w.router.Post(q, msg, meta)
}

// PostComponentMessageNested is PostComponentMessage with nested sends
// allowed from the handler.
func (w *World) PostComponentMessageNested(h ComponentHandle, msg event.Message, q event.QueueType, delay time.Duration) {
	meta := componentMeta(h, true)
	meta.Due = w.due(delay)
	w.router.Post(q, msg, meta)
}

// SendMessage delivers msg to the components of receiver now. Returns
// whether any handler ran. Nested sends are refused unless the enclosing
// dispatch allows nesting.
func (w *World) SendMessage(receiver ecs.ID, msg event.Message) bool {
	return w.send(event.Meta{Receiver: receiver}, msg)
}

// SendMessageRecursive delivers msg to receiver and its subtree now.
// Handlers may send nested messages.
func (w *World) SendMessageRecursive(receiver ecs.ID, msg event.Message) bool {
	return w.send(event.Meta{Receiver: receiver, Subtree: true, AllowNested: true}, msg)
}

// SendComponentMessage delivers msg to one component now.
func (w *World) SendComponentMessage(h ComponentHandle, msg event.Message) bool {
	return w.send(componentMeta(h, false), msg)
}

// SendComponentMessageNested is SendComponentMessage with nested sends
// allowed from the handler.
func (w *World) SendComponentMessageNested(h ComponentHandle, msg event.Message) bool {
	return w.send(componentMeta(h, true), msg)
}

func (w *World) send(meta event.Meta, msg event.Message) bool {
	w.checkWrite()
	leave, ok := w.router.Enter(meta.AllowNested)
	if !ok {
		return false
	}
	defer leave()
	return w.deliver(meta, msg)
}

func (w *World) drainMessages(q event.QueueType, now time.Time) int {
	return w.router.Drain(q, now, func(e event.Queued) {
		leave, ok := w.router.Enter(e.Meta.AllowNested)
		if !ok {
			return
		}
		defer leave()
		w.deliver(e.Meta, e.Msg)
	})
}

// deliver routes msg to its receiver. Missing receivers are ignored.
func (w *World) deliver(meta event.Meta, msg event.Message) bool {
	if meta.ReceiverIsComponent {
		c, ok := w.liveComponent(ComponentHandle{Type: TypeID(meta.ReceiverType), ID: meta.Receiver})
		if !ok {
			return false
		}
		return w.dispatchComponent(c, msg, true)
	}
	obj, err := w.liveObject(meta.Receiver)
	if err != nil {
		return false
	}
	return w.dispatchObject(obj, msg, meta.Subtree)
}

func (w *World) dispatchObject(obj *GameObject, msg event.Message, subtree bool) bool {
	if del, ok := msg.(MsgDeleteGameObject); ok {
		return w.DeleteObjectNow(obj.id, del.DeleteEmptyParents) == nil
	}
	id := obj.id
	handled := false
	for _, h := range slices.Clone(obj.components) {
		if c, ok := w.liveComponent(h); ok {
			handled = w.dispatchComponent(c, msg, false) || handled
		}
	}
	if !subtree {
		return handled
	}
	obj = w.object(id)
	if obj == nil || obj.dead {
		return handled
	}
	for _, cid := range slices.Clone(obj.children) {
		if child, err := w.liveObject(cid); err == nil {
			handled = w.dispatchObject(child, msg, true) || handled
		}
	}
	return handled
}

// dispatchComponent calls the handler registered for msg's type. Components
// that are neither active and initialized nor initializing do not receive
// messages.
func (w *World) dispatchComponent(c Component, msg event.Message, targeted bool) bool {
	b := c.base()
	if !b.IsActiveAndInitialized() && !b.IsInitializing() {
		w.log.Debug("message to inactive component dropped",
			zap.Stringer("component", b.handle),
			zap.Uint32("msg_type", uint32(msg.Type())),
		)
		return false
	}
	m, ok := w.managerByID(b.handle.Type)
	if !ok {
		return false
	}
	if h, ok := m.info().handlers[msg.Type()]; ok {
		h(c, msg)
		return true
	}
	if targeted {
		if u, ok := c.(UnhandledMessageHandler); ok {
			return u.OnUnhandledMessage(msg)
		}
	}
	return false
}

// handles reports whether c's type registered a handler for t.
func (w *World) handles(c Component, t event.MessageType) bool {
	m, ok := w.managerByID(c.base().handle.Type)
	if !ok {
		return false
	}
	_, ok = m.info().handlers[t]
	return ok
}
