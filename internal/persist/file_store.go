package persist

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hmcore/worldsim/internal/core/wire"
)

var fileMagic = []byte("HMSF")

// FileStore keeps the latest snapshot of each world in dir/<world>.snap.
// Files are replaced by rename, so a crash leaves the previous one intact.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(world string) string {
	return filepath.Join(s.dir, filepath.Base(world)+".snap")
}

func (s *FileStore) Save(_ context.Context, rec SnapshotRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	out := wire.NewWriter()
	out.WriteRaw(fileMagic)
	out.WriteQ(rec.Frame)
	out.WriteC(rec.Version)
	out.WriteD(uint32(rec.Objects))
	out.WriteQ(uint64(rec.CreatedAt.UnixNano()))
	out.WriteBytes(rec.Data)

	tmp, err := os.CreateTemp(s.dir, filepath.Base(rec.World)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(out.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(rec.World)); err != nil {
		return fmt.Errorf("replace snapshot file: %w", err)
	}
	return nil
}

func (s *FileStore) Latest(_ context.Context, world string) (SnapshotRecord, error) {
	data, err := os.ReadFile(s.path(world))
	if errors.Is(err, os.ErrNotExist) {
		return SnapshotRecord{}, ErrNoSnapshot
	}
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("read snapshot file: %w", err)
	}
	r := wire.NewReader(data)
	if string(r.ReadRaw(len(fileMagic))) != string(fileMagic) {
		return SnapshotRecord{}, fmt.Errorf("snapshot file %s: bad header", s.path(world))
	}
	rec := SnapshotRecord{World: world}
	rec.Frame = r.ReadQ()
	rec.Version = r.ReadC()
	rec.Objects = int(r.ReadD())
	rec.CreatedAt = time.Unix(0, int64(r.ReadQ()))
	rec.Data = r.ReadBytes()
	if err := r.Err(); err != nil {
		return SnapshotRecord{}, fmt.Errorf("snapshot file %s: %w", s.path(world), err)
	}
	return rec, nil
}
