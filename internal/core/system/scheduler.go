package system

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/hmcore/worldsim/internal/core/gate"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type entry struct {
	desc        UpdateFunctionDesc
	granularity int
}

// Scheduler keeps update functions per phase in a deterministic order:
// priority descending, then name ascending, then after their dependencies.
type Scheduler struct {
	phases  [NumPhases][]*entry
	pending []UpdateFunctionDesc
	workers int
	log     *zap.Logger
}

// NewScheduler creates a scheduler running at most workers parallel batches
// per function. workers <= 0 means no limit.
func NewScheduler(workers int, log *zap.Logger) *Scheduler {
	return &Scheduler{
		workers: workers,
		log:     log,
	}
}

func less(a, b *UpdateFunctionDesc) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Name < b.Name
}

// Register adds desc. A function whose dependencies are not registered yet is
// parked until ResolvePending finds them.
func (s *Scheduler) Register(desc UpdateFunctionDesc) error {
	if desc.Func == nil || desc.Name == "" {
		return fmt.Errorf("register update function %q: missing func or name", desc.Name)
	}
	if desc.Phase < 0 || desc.Phase >= NumPhases {
		return fmt.Errorf("register update function %q: invalid phase %d", desc.Name, desc.Phase)
	}
	if s.isDuplicate(&desc) {
		return fmt.Errorf("register update function %q (phase %s, priority %d): %w",
			desc.Name, desc.Phase, desc.Priority, ErrDuplicateUpdateFunction)
	}
	if !s.dependenciesMet(&desc) {
		s.pending = append(s.pending, desc)
		s.log.Debug("update function waits for dependencies",
			zap.String("name", desc.Name),
			zap.Strings("depends_on", desc.DependsOn),
		)
		return nil
	}
	s.insert(desc)
	return nil
}

// isDuplicate reports an existing function with the same phase, priority and
// name: their relative order would be undefined.
func (s *Scheduler) isDuplicate(d *UpdateFunctionDesc) bool {
	for _, e := range s.phases[d.Phase] {
		if e.desc.Name == d.Name && e.desc.Priority == d.Priority {
			return true
		}
	}
	for _, p := range s.pending {
		if p.Phase == d.Phase && p.Name == d.Name && p.Priority == d.Priority {
			return true
		}
	}
	return false
}

func (s *Scheduler) find(p Phase, name string) int {
	for i, e := range s.phases[p] {
		if e.desc.Name == name {
			return i
		}
	}
	return -1
}

func (s *Scheduler) dependenciesMet(d *UpdateFunctionDesc) bool {
	for _, dep := range d.DependsOn {
		if s.find(d.Phase, dep) < 0 {
			return false
		}
	}
	return true
}

func (s *Scheduler) insert(desc UpdateFunctionDesc) {
	list := s.phases[desc.Phase]
	pos, _ := slices.BinarySearchFunc(list, &desc, func(e *entry, d *UpdateFunctionDesc) int {
		if less(&e.desc, d) {
			return -1
		}
		return 1
	})
	for _, dep := range desc.DependsOn {
		if i := s.find(desc.Phase, dep); i >= pos {
			pos = i + 1
		}
	}
	e := &entry{desc: desc, granularity: roundGranularity(desc.Granularity, desc.BlockCapacity)}
	s.phases[desc.Phase] = slices.Insert(list, pos, e)
}

// ResolvePending registers parked functions whose dependencies now exist.
// It returns ErrUnresolvedDependency naming the functions still waiting.
func (s *Scheduler) ResolvePending() error {
	for progress := true; progress && len(s.pending) > 0; {
		progress = false
		rest := s.pending[:0]
		for _, d := range s.pending {
			if s.dependenciesMet(&d) {
				s.insert(d)
				progress = true
				continue
			}
			rest = append(rest, d)
		}
		s.pending = rest
	}
	if len(s.pending) == 0 {
		return nil
	}
	names := make([]string, len(s.pending))
	for i, d := range s.pending {
		names[i] = d.Name
	}
	return fmt.Errorf("%w: %s", ErrUnresolvedDependency, strings.Join(names, ", "))
}

func (s *Scheduler) PendingCount() int { return len(s.pending) }

// Deregister removes the named function from phase p, parked or registered.
func (s *Scheduler) Deregister(p Phase, name string) bool {
	if i := s.find(p, name); i >= 0 {
		s.phases[p] = slices.Delete(s.phases[p], i, i+1)
		return true
	}
	for i, d := range s.pending {
		if d.Phase == p && d.Name == name {
			s.pending = slices.Delete(s.pending, i, i+1)
			return true
		}
	}
	return false
}

// Order returns the names of phase p in execution order.
func (s *Scheduler) Order(p Phase) []string {
	names := make([]string, len(s.phases[p]))
	for i, e := range s.phases[p] {
		names[i] = e.desc.Name
	}
	return names
}

// Run executes phase p. Functions run one after another in sorted order. In
// PhaseAsync each function's range is split into granularity-sized batches
// that run in parallel. Panics are recovered and returned as errors; a
// failing function does not stop the rest of the phase.
func (s *Scheduler) Run(ctx context.Context, p Phase, simulating bool) error {
	var errs []error
	for _, e := range s.phases[p] {
		if e.desc.OnlyWhenSimulating && !simulating {
			continue
		}
		if err := s.runOne(ctx, p, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) runOne(ctx context.Context, p Phase, e *entry) error {
	total := 0
	if e.desc.Count != nil {
		total = e.desc.Count()
		if total == 0 {
			return nil
		}
	}
	if p != PhaseAsync || e.granularity == 0 || total <= e.granularity {
		return s.safeCall(e, 0, total)
	}

	g, _ := errgroup.WithContext(ctx)
	if s.workers > 0 {
		g.SetLimit(s.workers)
	}
	for first := 0; first < total; first += e.granularity {
		first, count := first, min(e.granularity, total-first)
		g.Go(func() error { return s.safeCall(e, first, count) })
	}
	return g.Wait()
}

// safeCall executes one batch with panic recovery so a faulty update function
// cannot take down the frame loop.
func (s *Scheduler) safeCall(e *entry, first, count int) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			if v, ok := rec.(*gate.Violation); ok {
				panic(v)
			}
			s.log.Error("update function panic recovered",
				zap.String("name", e.desc.Name),
				zap.Int("first", first),
				zap.Int("count", count),
				zap.Any("panic", rec),
			)
			err = fmt.Errorf("update function %s panic: %v", e.desc.Name, rec)
		}
	}()
	e.desc.Func(first, count)
	return nil
}
