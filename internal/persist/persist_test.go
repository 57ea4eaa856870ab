package persist

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hmcore/worldsim/internal/config"
	"github.com/hmcore/worldsim/internal/world"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func TestFileStore_SaveLatest(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "snaps"))
	require.NoError(t, err)

	_, err = s.Latest(ctx, "main")
	assert.ErrorIs(t, err, ErrNoSnapshot)

	created := time.Unix(1_700_000_000, 42)
	require.NoError(t, s.Save(ctx, SnapshotRecord{World: "main", Frame: 7, Version: 3, Objects: 2, Data: []byte{1, 2, 3}, CreatedAt: created}))
	require.NoError(t, s.Save(ctx, SnapshotRecord{World: "main", Frame: 9, Version: 3, Objects: 4, Data: []byte{4, 5}, CreatedAt: created}))

	rec, err := s.Latest(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, uint64(9), rec.Frame)
	assert.Equal(t, uint8(3), rec.Version)
	assert.Equal(t, 4, rec.Objects)
	assert.Equal(t, []byte{4, 5}, rec.Data)
	assert.True(t, created.Equal(rec.CreatedAt))

	entries, err := os.ReadDir(s.dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files are cleaned up")
}

func TestFileStore_RejectsGarbage(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.path("main"), []byte("nope"), 0o644))
	_, err = s.Latest(context.Background(), "main")
	assert.Error(t, err)
}

func newWorld(t *testing.T, name string) *world.World {
	t.Helper()
	cfg := config.Default().World
	cfg.Name = name
	return world.New(cfg, world.NewTypeRegistry(), zaptest.NewLogger(t))
}

func TestCaptureRestore(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	src := newWorld(t, "main")
	release := src.Write(src.Owner())
	root, err := src.CreateObject(world.ObjectDesc{Name: "root", GlobalKey: "root"})
	require.NoError(t, err)
	_, err = src.CreateObject(world.ObjectDesc{Name: "child", Parent: root})
	require.NoError(t, err)
	rec, err := Capture(src)
	release()
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Objects)
	require.NoError(t, store.Save(ctx, rec))

	dst := newWorld(t, "main")
	defer dst.Write(dst.Owner())()
	n, err := Restore(ctx, store, dst)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, dst.ObjectCount())
	_, ok := dst.FindObjectByGlobalKey("root")
	assert.True(t, ok)

	other := newWorld(t, "other")
	defer other.Write(other.Owner())()
	_, err = Restore(ctx, store, other)
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestSnapshotter_SavesEveryNFrames(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	s := NewSnapshotter(store, 2, zaptest.NewLogger(t))

	w := newWorld(t, "main")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	for i := 0; i < 4; i++ {
		require.NoError(t, w.Update(time.Millisecond))
		release := w.Read(w.Owner())
		s.AfterFrame(w)
		release()
	}
	cancel()
	<-done

	rec, err := store.Latest(context.Background(), "main")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), rec.Frame%2)
}

func TestNewDB_RefusesDisabledConfig(t *testing.T) {
	db, err := NewDB(context.Background(), config.DatabaseConfig{Enabled: false}, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Nil(t, db)
}

func TestGooseLogger_WritesToZap(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := gooseLogger{log: zap.New(core).Sugar()}

	l.Printf("OK   %s (%v)\n", "00001_world_snapshots.sql", "1ms")
	l.Fatalf("failed to apply %d\n", 2)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "OK   00001_world_snapshots.sql (1ms)", entries[0].Message)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "failed to apply 2", entries[1].Message)
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
}
