package event

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hmcore/worldsim/internal/core/ecs"
	"go.uber.org/zap"
)

// MessageType identifies a message kind. Handler tables are keyed by it.
type MessageType uint32

// Message is a plain value carrying its type.
type Message interface {
	Type() MessageType
}

// QueueType selects the frame point at which a posted message is delivered.
type QueueType int

const (
	QueueAfterInitialized QueueType = iota // after init batches, and again at frame end
	QueueNextFrame                         // start of the next frame's update
	QueuePostAsync                         // after the async phase
	QueuePostTransform                     // after transform propagation
	numQueues
)

func (q QueueType) String() string {
	switch q {
	case QueueAfterInitialized:
		return "AfterInitialized"
	case QueueNextFrame:
		return "NextFrame"
	case QueuePostAsync:
		return "PostAsync"
	case QueuePostTransform:
		return "PostTransform"
	default:
		return "Unknown"
	}
}

// Meta addresses a queued message.
type Meta struct {
	Receiver            ecs.ID
	ReceiverIsComponent bool
	ReceiverType        uint16 // component type when ReceiverIsComponent
	// Subtree delivers to the receiver object and all its descendants.
	Subtree bool
	// AllowNested lets handlers of this message send nested messages.
	AllowNested bool
	// Due is the earliest delivery time. Zero means the next drain.
	Due time.Time
}

// Queued is a message waiting in a queue.
type Queued struct {
	Msg  Message
	Meta Meta
	seq  uint64
}

type queue struct {
	immediate []Queued
	spare     []Queued
	timed     []Queued // sorted by (Due, seq)
}

// Router holds the per-queue-type immediate and timed message queues of a
// World and the re-entrancy guard for synchronous dispatch.
//
// Post is safe from any goroutine. Drain and Enter run on the frame owner.
type Router struct {
	mu     sync.Mutex
	queues [numQueues]queue
	seq    uint64

	maxRecursion int
	stack        []bool

	refused   atomic.Int64
	delivered atomic.Int64
	log       *zap.Logger
}

// NewRouter creates a router allowing maxRecursion nested dispatch levels
// below a recursive message. Negative values are treated as zero.
func NewRouter(maxRecursion int, log *zap.Logger) *Router {
	if maxRecursion < 0 {
		maxRecursion = 0
	}
	r := &Router{
		maxRecursion: maxRecursion,
		stack:        make([]bool, 0, 4),
		log:          log,
	}
	for i := range r.queues {
		r.queues[i].immediate = make([]Queued, 0, 32)
	}
	return r
}

func (r *Router) MaxRecursion() int { return r.maxRecursion }

// Post appends msg to queue q. Messages with a zero Due go to the immediate
// queue, the rest to the timed queue.
func (r *Router) Post(q QueueType, msg Message, meta Meta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	e := Queued{Msg: msg, Meta: meta, seq: r.seq}
	qu := &r.queues[q]
	if meta.Due.IsZero() {
		qu.immediate = append(qu.immediate, e)
		return
	}
	// Insert after every entry due at or before e: equal due times keep
	// insertion order.
	i := sort.Search(len(qu.timed), func(i int) bool {
		return qu.timed[i].Meta.Due.After(meta.Due)
	})
	qu.timed = append(qu.timed, Queued{})
	copy(qu.timed[i+1:], qu.timed[i:])
	qu.timed[i] = e
}

// Drain delivers every immediate message of q posted before the call, then
// every timed message due at or before now. Messages posted by fn wait for the
// next drain.
func (r *Router) Drain(q QueueType, now time.Time, fn func(Queued)) int {
	r.mu.Lock()
	qu := &r.queues[q]
	batch := qu.immediate
	qu.immediate = qu.spare[:0]
	n := 0
	for n < len(qu.timed) && !qu.timed[n].Meta.Due.After(now) {
		n++
	}
	var due []Queued
	if n > 0 {
		due = make([]Queued, n)
		copy(due, qu.timed[:n])
		rest := copy(qu.timed, qu.timed[n:])
		clear(qu.timed[rest:])
		qu.timed = qu.timed[:rest]
	}
	r.mu.Unlock()

	for i := range batch {
		fn(batch[i])
	}
	for i := range due {
		fn(due[i])
	}

	clear(batch)
	r.mu.Lock()
	qu.spare = batch[:0]
	r.mu.Unlock()

	total := len(batch) + len(due)
	r.delivered.Add(int64(total))
	return total
}

// Pending reports queued messages of q: immediate plus timed.
func (r *Router) Pending(q QueueType) (immediate, timed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues[q].immediate), len(r.queues[q].timed)
}

// Enter marks the start of a synchronous dispatch. A top-level dispatch is
// always allowed. A nested one is allowed only when the enclosing dispatch
// allows nesting and the nesting stays within the recursion bound. On success
// the returned leave must be called when the dispatch ends.
func (r *Router) Enter(allowNested bool) (leave func(), ok bool) {
	if d := len(r.stack); d > 0 {
		if !r.stack[d-1] || d > r.maxRecursion {
			r.refused.Add(1)
			r.log.Warn("nested message dispatch refused",
				zap.Int("depth", d),
				zap.Bool("outer_allows_nested", r.stack[d-1]),
				zap.Int("max_recursion", r.maxRecursion),
			)
			return nil, false
		}
	}
	r.stack = append(r.stack, allowNested)
	return r.leave, true
}

func (r *Router) leave() {
	r.stack = r.stack[:len(r.stack)-1]
}

// Depth is the current synchronous dispatch nesting.
func (r *Router) Depth() int { return len(r.stack) }

// Refused counts dispatches rejected by the recursion guard.
func (r *Router) Refused() int64 { return r.refused.Load() }

// Delivered counts messages handed out by Drain.
func (r *Router) Delivered() int64 { return r.delivered.Load() }

// Clear drops every queued message.
func (r *Router) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.queues {
		clear(r.queues[i].immediate)
		r.queues[i].immediate = r.queues[i].immediate[:0]
		r.queues[i].timed = nil
	}
}
