package actor

import (
	"time"

	"github.com/hmcore/worldsim/internal/world"
	"go.uber.org/zap"
)

// WorldActor runs one World frame with a fixed step per Update.
type WorldActor struct {
	world  *world.World
	step   time.Duration
	errors int
	log    *zap.Logger

	// AfterFrame, when set, is called after every frame with read access
	// still available to the world's owner.
	AfterFrame func(w *world.World)
}

func NewWorldActor(w *world.World, step time.Duration, log *zap.Logger) *WorldActor {
	return &WorldActor{
		world: w,
		step:  step,
		log:   log.Named("world_actor").With(zap.String("world", w.Name())),
	}
}

func (a *WorldActor) Name() string        { return "world:" + a.world.Name() }
func (a *WorldActor) World() *world.World { return a.world }

// Errors counts frames that reported an error.
func (a *WorldActor) Errors() int { return a.errors }

func (a *WorldActor) Activate() {
	a.log.Info("world actor active", zap.Duration("step", a.step))
}

func (a *WorldActor) Update() {
	if err := a.world.Update(a.step); err != nil {
		a.errors++
		a.log.Error("world frame", zap.Uint64("frame", a.world.Frame()), zap.Error(err))
	}
	if a.AfterFrame != nil {
		defer a.world.Read(a.world.Owner())()
		a.AfterFrame(a.world)
	}
}
