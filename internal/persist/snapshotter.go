package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/hmcore/worldsim/internal/world"
	"go.uber.org/zap"
)

// Capture serializes w into a record. Requires read access to w.
func Capture(w *world.World) (SnapshotRecord, error) {
	data, err := w.Snapshot()
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("snapshot %s: %w", w.Name(), err)
	}
	return SnapshotRecord{
		World:     w.Name(),
		Frame:     w.Frame(),
		Version:   world.SnapshotVersion,
		Objects:   w.ObjectCount(),
		Data:      data,
		CreatedAt: time.Now(),
	}, nil
}

// Restore loads the latest snapshot of w's name from store into w. Requires
// write access to w. Returns ErrNoSnapshot when nothing is stored.
func Restore(ctx context.Context, store SnapshotStore, w *world.World) (int, error) {
	rec, err := store.Latest(ctx, w.Name())
	if err != nil {
		return 0, err
	}
	roots, err := w.RestoreSnapshot(rec.Data)
	if err != nil {
		return 0, fmt.Errorf("restore %s frame %d: %w", rec.World, rec.Frame, err)
	}
	return len(roots), nil
}

// Snapshotter captures a world every N frames on the frame goroutine and
// hands the bytes to a writer goroutine, so a slow store never stalls the
// frame loop. A capture is dropped while the previous one is still being
// written.
type Snapshotter struct {
	store   SnapshotStore
	every   uint64
	pending chan SnapshotRecord
	log     *zap.Logger
}

func NewSnapshotter(store SnapshotStore, everyFrames int, log *zap.Logger) *Snapshotter {
	if everyFrames < 1 {
		everyFrames = 1
	}
	return &Snapshotter{
		store:   store,
		every:   uint64(everyFrames),
		pending: make(chan SnapshotRecord, 1),
		log:     log.Named("snapshot"),
	}
}

// AfterFrame is called with read access after each frame.
func (s *Snapshotter) AfterFrame(w *world.World) {
	if w.Frame()%s.every != 0 {
		return
	}
	rec, err := Capture(w)
	if err != nil {
		s.log.Error("capture failed", zap.Error(err))
		return
	}
	select {
	case s.pending <- rec:
	default:
		s.log.Warn("snapshot dropped, store busy", zap.Uint64("frame", rec.Frame))
	}
}

// Run writes captured snapshots until ctx is done, then flushes the one
// still queued.
func (s *Snapshotter) Run(ctx context.Context) {
	for {
		select {
		case rec := <-s.pending:
			s.save(ctx, rec)
		case <-ctx.Done():
			select {
			case rec := <-s.pending:
				s.save(context.Background(), rec)
			default:
			}
			return
		}
	}
}

func (s *Snapshotter) save(ctx context.Context, rec SnapshotRecord) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.store.Save(ctx, rec); err != nil {
		s.log.Error("save failed", zap.String("world", rec.World), zap.Uint64("frame", rec.Frame), zap.Error(err))
		return
	}
	s.log.Debug("snapshot saved",
		zap.String("world", rec.World),
		zap.Uint64("frame", rec.Frame),
		zap.Int("bytes", len(rec.Data)),
	)
}
