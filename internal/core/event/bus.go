package event

import (
	"reflect"
	"sync"
)

// Bus delivers typed notifications to subscribers synchronously, in
// subscription order. Used for lifecycle broadcasts that are not addressed to
// a particular object.
type Bus struct {
	mu       sync.RWMutex
	handlers map[reflect.Type][]any
}

func NewBus() *Bus {
	return &Bus{
		handlers: make(map[reflect.Type][]any),
	}
}

// Subscribe registers a typed handler for events of type T.
func Subscribe[T any](b *Bus, fn func(T)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := reflect.TypeFor[T]()
	b.handlers[t] = append(b.handlers[t], fn)
}

// Publish calls every handler subscribed to T. Handlers may subscribe further
// handlers; those are not called for this event.
func Publish[T any](b *Bus, ev T) int {
	b.mu.RLock()
	hs := b.handlers[reflect.TypeFor[T]()]
	b.mu.RUnlock()
	for _, h := range hs {
		h.(func(T))(ev)
	}
	return len(hs)
}
