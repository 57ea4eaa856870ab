package world

import (
	"errors"
	"fmt"
	"time"

	"github.com/hmcore/worldsim/internal/core/ecs"
	"go.uber.org/zap"
)

var (
	ErrInitBatchPending = errors.New("init batch has pending work")
	ErrInitBatchNesting = errors.New("init batch already being filled")
	ErrDefaultInitBatch = errors.New("default init batch cannot be deleted")
)

// InitBatchID identifies an init batch of one World.
type InitBatchID = ecs.ID

// initBatch collects components to initialize and then to start. A batch
// that must not finish within a frame is processed under the per-frame time
// budget once submitted.
type initBatch struct {
	id         InitBatchID
	name       string
	mustFinish bool
	ready      bool
	done       bool

	toInit    []ComponentHandle
	nextInit  int
	toStart   []ComponentHandle
	nextStart int
}

func (b *initBatch) pending() bool {
	return b.nextInit < len(b.toInit) || b.nextStart < len(b.toStart)
}

// progress is 0..0.5 while initializing and 0.5..1 while starting.
func (b *initBatch) progress() float64 {
	switch {
	case b.done && !b.pending():
		return 1
	case b.nextInit < len(b.toInit):
		return 0.5 * float64(b.nextInit) / float64(len(b.toInit))
	case b.nextStart < len(b.toStart):
		return 0.5 + 0.5*float64(b.nextStart)/float64(len(b.toStart))
	case len(b.toInit) == 0:
		return 0
	default:
		return 1
	}
}

func (b *initBatch) reset() {
	clear(b.toInit)
	clear(b.toStart)
	b.toInit = b.toInit[:0]
	b.toStart = b.toStart[:0]
	b.nextInit, b.nextStart = 0, 0
	b.done = false
}

func (w *World) newInitBatch(name string, mustFinish bool) *initBatch {
	b := &initBatch{name: name, mustFinish: mustFinish}
	b.id = w.initBatches.Insert(b)
	return b
}

func (w *World) initBatch(id InitBatchID) (*initBatch, error) {
	b, ok := w.initBatches.TryGet(id)
	if !ok {
		return nil, fmt.Errorf("init batch %d: %w", id.Index(), ErrNotFound)
	}
	return b, nil
}

// CreateInitBatch creates a batch for components that may initialize over
// several frames. mustFinishWithinFrame disables the per-frame budget.
func (w *World) CreateInitBatch(name string, mustFinishWithinFrame bool) InitBatchID {
	w.checkWrite()
	return w.newInitBatch(name, mustFinishWithinFrame).id
}

// DeleteInitBatch removes a batch. Deleting one with unprocessed components
// is a programming error.
func (w *World) DeleteInitBatch(id InitBatchID) error {
	w.checkWrite()
	b, err := w.initBatch(id)
	if err != nil {
		return err
	}
	if b == w.defaultBatch {
		return w.fatal(ErrDefaultInitBatch)
	}
	if b.pending() {
		return w.fatal(fmt.Errorf("delete init batch %q: %w", b.name, ErrInitBatchPending))
	}
	if w.currentBatch == b {
		w.currentBatch = w.defaultBatch
	}
	w.initBatches.Remove(id)
	return nil
}

// BeginAddingToInitBatch makes id the batch new components are added to,
// until EndAddingToInitBatch.
func (w *World) BeginAddingToInitBatch(id InitBatchID) error {
	w.checkWrite()
	b, err := w.initBatch(id)
	if err != nil {
		return err
	}
	if w.currentBatch != w.defaultBatch {
		return w.fatal(fmt.Errorf("begin adding to %q while filling %q: %w", b.name, w.currentBatch.name, ErrInitBatchNesting))
	}
	if b.done {
		b.reset()
	}
	b.ready = false
	w.currentBatch = b
	return nil
}

func (w *World) EndAddingToInitBatch() {
	w.checkWrite()
	w.currentBatch = w.defaultBatch
}

// SubmitInitBatch lets the frame update start processing id.
func (w *World) SubmitInitBatch(id InitBatchID) error {
	w.checkWrite()
	b, err := w.initBatch(id)
	if err != nil {
		return err
	}
	if w.currentBatch == b {
		w.currentBatch = w.defaultBatch
	}
	b.ready = true
	return nil
}

// InitBatchProgress reports the progress of id in [0, 1] and whether it is
// finished.
func (w *World) InitBatchProgress(id InitBatchID) (float64, bool, error) {
	w.checkRead()
	b, err := w.initBatch(id)
	if err != nil {
		return 0, false, err
	}
	return b.progress(), b.done && !b.pending(), nil
}

// CancelInitBatch deletes the components of id that have not been
// initialized yet and empties the batch.
func (w *World) CancelInitBatch(id InitBatchID) error {
	w.checkWrite()
	b, err := w.initBatch(id)
	if err != nil {
		return err
	}
	for _, h := range b.toInit[b.nextInit:] {
		if c, ok := w.liveComponent(h); ok && !c.base().IsInitialized() {
			w.deleteComponent(c)
		}
	}
	if w.currentBatch == b {
		w.currentBatch = w.defaultBatch
	}
	b.reset()
	b.ready = false
	return nil
}

// processInitBatches runs the default batch to completion and then every
// submitted batch, budgeted ones until the frame's init time is used up.
func (w *World) processInitBatches(start time.Time) {
	w.processInitBatch(w.defaultBatch, time.Time{})
	var deadline time.Time
	if w.cfg.MaxInitTimePerFrame > 0 {
		deadline = start.Add(w.cfg.MaxInitTimePerFrame)
	}
	var batches []*initBatch
	w.initBatches.Each(func(_ ecs.ID, b *initBatch) {
		if b != w.defaultBatch && b.ready && !b.done {
			batches = append(batches, b)
		}
	})
	for _, b := range batches {
		if b.mustFinish {
			w.processInitBatch(b, time.Time{})
			continue
		}
		if !deadline.IsZero() && !w.clock().Before(deadline) {
			continue
		}
		w.processInitBatch(b, deadline)
	}
}

// processInitBatch initializes and then starts the components of b until
// done or deadline passes. A zero deadline means no limit. Reports whether
// the batch finished.
func (w *World) processInitBatch(b *initBatch, deadline time.Time) bool {
	prev := w.currentBatch
	w.currentBatch = b
	defer func() { w.currentBatch = prev }()

	expired := func() bool {
		return !deadline.IsZero() && !w.clock().Before(deadline)
	}

	for b.nextInit < len(b.toInit) {
		h := b.toInit[b.nextInit]
		b.nextInit++
		c, ok := w.liveComponent(h)
		if !ok {
			continue
		}
		if obj := w.object(c.base().owner); obj != nil && !obj.dead {
			obj.transform.updateGlobal()
		}
		w.ensureInitialized(c)
		if w.ensureActivated(c) {
			b.toStart = append(b.toStart, h)
		}
		if expired() {
			return false
		}
	}

	if w.simulating {
		for b.nextStart < len(b.toStart) {
			h := b.toStart[b.nextStart]
			b.nextStart++
			if c, ok := w.liveComponent(h); ok {
				w.ensureSimulationStarted(c)
			}
			if expired() {
				return false
			}
		}
	}

	total := len(b.toInit)
	b.reset()
	if b != w.defaultBatch {
		b.done = true
		w.log.Debug("init batch finished", zap.String("batch", b.name), zap.Int("components", total))
	}
	return true
}
