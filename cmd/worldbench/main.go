// worldbench builds a synthetic world and times its frame loop.
//
// Profiling:
//
//	go run ./cmd/worldbench -profile cpu
//	go tool pprof -http=":8000" cpu.pprof
package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/hmcore/worldsim/internal/component"
	"github.com/hmcore/worldsim/internal/config"
	"github.com/hmcore/worldsim/internal/core/ecs"
	"github.com/hmcore/worldsim/internal/core/xform"
	"github.com/hmcore/worldsim/internal/world"
	"github.com/pkg/profile"
	"go.uber.org/zap"
)

func main() {
	roots := flag.Int("roots", 200, "root objects")
	depth := flag.Int("depth", 4, "hierarchy depth below each root")
	fanout := flag.Int("fanout", 2, "children per object")
	frames := flag.Int("frames", 500, "frames to run")
	mode := flag.String("profile", "", "cpu, mem or empty")
	parallel := flag.Bool("parallel", true, "parallel transform propagation")
	flag.Parse()

	if err := run(*roots, *depth, *fanout, *frames, *mode, *parallel); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(roots, depth, fanout, frames int, mode string, parallel bool) error {
	types := world.NewTypeRegistry()
	if err := component.Register(types); err != nil {
		return fmt.Errorf("register components: %w", err)
	}
	cfg := config.Default().World
	cfg.Name = "bench"
	cfg.Simulate = true
	cfg.ParallelTransforms = parallel
	w := world.New(cfg, types, zap.NewNop())

	release := w.Write(w.Owner())
	for i := 0; i < roots; i++ {
		angle := 2 * math.Pi * float64(i) / float64(roots)
		pos := xform.V3(100*math.Cos(angle), 0, 100*math.Sin(angle))
		if err := build(w, 0, pos, depth, fanout); err != nil {
			release()
			return err
		}
	}
	release()

	// First frame initializes everything.
	if err := w.Update(0); err != nil {
		return fmt.Errorf("warmup frame: %w", err)
	}

	var p interface{ Stop() }
	switch mode {
	case "cpu":
		p = profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook)
	case "mem":
		p = profile.Start(profile.MemProfileAllocs, profile.ProfilePath("."), profile.NoShutdownHook)
	case "":
	default:
		return fmt.Errorf("unknown profile mode %q", mode)
	}

	step := 16 * time.Millisecond
	var worst time.Duration
	start := time.Now()
	for i := 0; i < frames; i++ {
		t := time.Now()
		if err := w.Update(step); err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		worst = max(worst, time.Since(t))
	}
	total := time.Since(start)
	if p != nil {
		p.Stop()
	}

	defer w.Read(w.Owner())()
	s := w.Stats()
	fmt.Printf("objects=%d dynamic=%d components=%d levels=%d\n", s.Objects, s.DynamicObjects, s.Components, s.Levels)
	fmt.Printf("frames=%d avg=%s worst=%s messages=%d\n", frames, total/time.Duration(frames), worst, s.MessagesDelivered)
	return nil
}

// build creates one object with a spinner and a proximity sensor, then its
// subtree.
func build(w *world.World, parent ecs.ID, pos xform.Vec3, depth, fanout int) error {
	id, err := w.CreateObject(world.ObjectDesc{
		Name:     "node",
		Parent:   parent,
		Position: pos,
		Bounds:   xform.Box(xform.V3(-0.5, -0.5, -0.5), xform.V3(0.5, 0.5, 0.5)),
	})
	if err != nil {
		return fmt.Errorf("create object: %w", err)
	}
	sp, err := world.CreateComponent[component.Spinner](w, id)
	if err != nil {
		return err
	}
	sp.Speed = 1
	px, err := world.CreateComponent[component.Proximity](w, id)
	if err != nil {
		return err
	}
	px.Radius = 3
	if depth == 0 {
		return nil
	}
	for i := 0; i < fanout; i++ {
		off := xform.V3(float64(i)*2-float64(fanout-1), 1, 0)
		if err := build(w, id, off, depth-1, fanout); err != nil {
			return err
		}
	}
	return nil
}
