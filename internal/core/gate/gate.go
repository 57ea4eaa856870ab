// Package gate implements the single-writer/multi-reader access marker that
// guards a World's internal arrays.
//
// Access is taken with an Owner token. The gate also records the goroutine
// that took write access, so CheckWriter and CheckReader catch callers that
// never acquired anything while another goroutine writes.
package gate

import (
	"fmt"
	"sync/atomic"

	"github.com/petermattis/goid"
)

// Owner identifies the holder of write access.
type Owner uint64

var ownerSeq atomic.Uint64

// NewOwner returns a process-unique owner token. The zero Owner is never issued.
func NewOwner() Owner {
	return Owner(ownerSeq.Add(1))
}

// Violation is the panic value raised on gate misuse.
type Violation struct {
	Op        string
	Caller    Owner
	Goroutine int64
	Writer    Owner
	Reads     int32
}

func (v *Violation) Error() string {
	return fmt.Sprintf("gate: %s by owner %d on goroutine %d violates access (writer=%d, reads=%d)",
		v.Op, v.Caller, v.Goroutine, v.Writer, v.Reads)
}

// Gate is a reentrant access marker. It does not block: acquiring a mode that
// conflicts with the current state is a programming error and panics.
type Gate struct {
	reads   atomic.Int32
	writer  atomic.Uint64
	writerG atomic.Int64 // goroutine holding write access
	depth   int32        // touched only by the writer
}

func (g *Gate) violate(op string, o Owner) {
	panic(&Violation{Op: op, Caller: o, Goroutine: goid.Get(), Writer: Owner(g.writer.Load()), Reads: g.reads.Load()})
}

// AcquireRead marks one reader. Allowed with no writer, or when o is the writer.
func (g *Gate) AcquireRead(o Owner) {
	g.reads.Add(1)
	if w := Owner(g.writer.Load()); w != 0 && w != o {
		g.reads.Add(-1)
		g.violate("acquire read", o)
	}
}

func (g *Gate) ReleaseRead() {
	if g.reads.Add(-1) < 0 {
		g.reads.Add(1)
		g.violate("release read", 0)
	}
}

// AcquireWrite takes write access for o. Nested acquisitions by the same owner
// on the same goroutine only deepen the counter. The first acquisition
// requires no readers and no other writer, and leaves one read mark so the
// writer may also read.
func (g *Gate) AcquireWrite(o Owner) {
	if o == 0 {
		g.violate("acquire write", o)
	}
	if Owner(g.writer.Load()) == o {
		if g.writerG.Load() != goid.Get() {
			g.violate("acquire write", o)
		}
		g.depth++
		return
	}
	if !g.writer.CompareAndSwap(0, uint64(o)) {
		g.violate("acquire write", o)
	}
	if !g.reads.CompareAndSwap(0, 1) {
		g.writer.Store(0)
		g.violate("acquire write", o)
	}
	g.writerG.Store(goid.Get())
	g.depth = 1
}

// ReleaseWrite undoes one AcquireWrite. The last release drops the read mark
// and clears the writer.
func (g *Gate) ReleaseWrite(o Owner) {
	if Owner(g.writer.Load()) != o || g.depth <= 0 {
		g.violate("release write", o)
	}
	g.depth--
	if g.depth == 0 {
		g.writerG.Store(0)
		g.reads.Add(-1)
		g.writer.Store(0)
	}
}

// Read acquires read access and returns its release.
//
//	defer g.Read(o)()
func (g *Gate) Read(o Owner) func() {
	g.AcquireRead(o)
	return g.ReleaseRead
}

// Write acquires write access and returns its release.
func (g *Gate) Write(o Owner) func() {
	g.AcquireWrite(o)
	return func() { g.ReleaseWrite(o) }
}

// Demote clears the writer identity while keeping its read mark, so parallel
// workers may read during an async phase. The returned func restores o as
// writer with its previous depth on the calling goroutine.
func (g *Gate) Demote(o Owner) func() {
	if Owner(g.writer.Load()) != o {
		g.violate("demote", o)
	}
	depth := g.depth
	g.depth = 0
	g.writerG.Store(0)
	g.writer.Store(0)
	return func() {
		if !g.writer.CompareAndSwap(0, uint64(o)) {
			g.violate("restore write", o)
		}
		g.writerG.Store(goid.Get())
		g.depth = depth
	}
}

// CheckWrite panics unless o currently holds write access.
func (g *Gate) CheckWrite(o Owner) {
	if Owner(g.writer.Load()) != o {
		g.violate("write access", o)
	}
}

// CheckRead panics unless some read mark is held and no other owner writes.
func (g *Gate) CheckRead(o Owner) {
	if g.reads.Load() <= 0 {
		g.violate("read access", o)
	}
	if w := Owner(g.writer.Load()); w != 0 && w != o {
		g.violate("read access", o)
	}
}

// CheckWriter panics unless the calling goroutine holds write access.
func (g *Gate) CheckWriter() {
	if g.writer.Load() == 0 || g.writerG.Load() != goid.Get() {
		g.violate("write access", 0)
	}
}

// CheckReader panics unless a read mark is held and no other goroutine holds
// write access.
func (g *Gate) CheckReader() {
	if g.reads.Load() <= 0 {
		g.violate("read access", 0)
	}
	if g.writer.Load() != 0 && g.writerG.Load() != goid.Get() {
		g.violate("read access", 0)
	}
}

// Writer reports the current writer, zero when none.
func (g *Gate) Writer() Owner { return Owner(g.writer.Load()) }

// Reads reports the number of outstanding read marks, including the writer's.
func (g *Gate) Reads() int32 { return g.reads.Load() }
