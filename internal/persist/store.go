package persist

import (
	"context"
	"errors"
	"time"
)

var ErrNoSnapshot = errors.New("no snapshot stored")

// SnapshotRecord is one stored world snapshot. Data is the output of
// World.Snapshot and is opaque here.
type SnapshotRecord struct {
	ID        int64
	World     string
	Frame     uint64
	Version   uint8
	Objects   int
	Data      []byte
	CreatedAt time.Time
}

// SnapshotStore keeps world snapshots. Latest returns ErrNoSnapshot when the
// world has none.
type SnapshotStore interface {
	Save(ctx context.Context, rec SnapshotRecord) error
	Latest(ctx context.Context, world string) (SnapshotRecord, error)
}
