package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// SnapshotRepo stores snapshots in the world_snapshots table.
type SnapshotRepo struct {
	db *DB
}

func NewSnapshotRepo(db *DB) *SnapshotRepo {
	return &SnapshotRepo{db: db}
}

func (r *SnapshotRepo) Save(ctx context.Context, rec SnapshotRecord) error {
	err := r.db.Pool.QueryRow(ctx,
		`INSERT INTO world_snapshots (world, frame, version, objects, data)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		rec.World, int64(rec.Frame), int16(rec.Version), int32(rec.Objects), rec.Data,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("insert snapshot %s: %w", rec.World, err)
	}
	return nil
}

func (r *SnapshotRepo) Latest(ctx context.Context, world string) (SnapshotRecord, error) {
	rec := SnapshotRecord{World: world}
	var frame int64
	var version int16
	var objects int32
	err := r.db.Pool.QueryRow(ctx,
		`SELECT id, frame, version, objects, data, created_at
		 FROM world_snapshots WHERE world = $1
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		world,
	).Scan(&rec.ID, &frame, &version, &objects, &rec.Data, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return SnapshotRecord{}, ErrNoSnapshot
	}
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("load snapshot %s: %w", world, err)
	}
	rec.Frame = uint64(frame)
	rec.Version = uint8(version)
	rec.Objects = int(objects)
	return rec, nil
}

// List returns snapshot headers of world, newest first, without payloads.
func (r *SnapshotRepo) List(ctx context.Context, world string, limit int) ([]SnapshotRecord, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT id, frame, version, objects, created_at
		 FROM world_snapshots WHERE world = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`,
		world, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list snapshots %s: %w", world, err)
	}
	defer rows.Close()

	var out []SnapshotRecord
	for rows.Next() {
		rec := SnapshotRecord{World: world}
		var frame int64
		var version int16
		var objects int32
		if err := rows.Scan(&rec.ID, &frame, &version, &objects, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		rec.Frame = uint64(frame)
		rec.Version = uint8(version)
		rec.Objects = int(objects)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune deletes all but the newest keep snapshots of world in one
// transaction and reports how many rows went.
func (r *SnapshotRepo) Prune(ctx context.Context, world string, keep int) (int64, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("prune begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`DELETE FROM world_snapshots
		 WHERE world = $1 AND id NOT IN (
		     SELECT id FROM world_snapshots WHERE world = $1
		     ORDER BY created_at DESC, id DESC LIMIT $2)`,
		world, keep,
	)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots %s: %w", world, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("prune commit: %w", err)
	}
	return tag.RowsAffected(), nil
}
