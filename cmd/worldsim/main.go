package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hmcore/worldsim/internal/actor"
	"github.com/hmcore/worldsim/internal/component"
	"github.com/hmcore/worldsim/internal/config"
	"github.com/hmcore/worldsim/internal/data"
	obsnet "github.com/hmcore/worldsim/internal/net"
	"github.com/hmcore/worldsim/internal/persist"
	"github.com/hmcore/worldsim/internal/scripting"
	"github.com/hmcore/worldsim/internal/world"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// ── Startup display helpers ────────────────────────────────────────

func printBanner(worldName string) {
	fmt.Println()
	fmt.Println("\033[36;1m  ┌───────────────────────────────────────────┐\033[0m")
	fmt.Println("\033[36;1m  │\033[0m              worldsim  v0.1.0             \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  └───────────────────────────────────────────┘\033[0m")
	fmt.Println()
	fmt.Printf("  \033[1mworld:\033[0m %s\n\n", worldName)
}

func printSection(title string) {
	lineLen := 46 - len(title) - 1
	if lineLen < 3 {
		lineLen = 3
	}
	fmt.Printf("  \033[33m── %s %s\033[0m\n", title, strings.Repeat("─", lineLen))
}

func printStat(label string, count int) {
	numStr := fmt.Sprintf("%d", count)
	dotsLen := 42 - len(label) - len(numStr)
	if dotsLen < 3 {
		dotsLen = 3
	}
	fmt.Printf("  %s \033[90m%s\033[0m \033[32m%s\033[0m\n", label, strings.Repeat("·", dotsLen), numStr)
}

func printOK(msg string) {
	fmt.Printf("  \033[32m✓\033[0m %s\n", msg)
}

func printReady(msg string) {
	fmt.Printf("  \033[32m▶\033[0m %s\n", msg)
}

// ── Main loop ──────────────────────────────────────────────────────

func run() error {
	// 1. Load config
	cfg := config.Default()
	cfgPath := "config/worldsim.toml"
	if p := os.Getenv("WORLDSIM_CONFIG"); p != "" {
		cfgPath = p
	}
	if _, err := os.Stat(cfgPath); err == nil {
		if cfg, err = config.Load(cfgPath); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}

	// 2. Init logger
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	printBanner(cfg.World.Name)

	// 3. Snapshot store: postgres when enabled, files otherwise
	printSection("storage")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var store persist.SnapshotStore
	if cfg.Snapshot.Store == "postgres" {
		if !cfg.Database.Enabled {
			return errors.New("snapshot.store is postgres but database is disabled")
		}
		db, err := persist.NewDB(ctx, cfg.Database, log)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer db.Close()
		printOK("PostgreSQL connected")

		version, err := db.Migrate(ctx)
		if err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		printOK(fmt.Sprintf("snapshot schema at version %d", version))
		store = persist.NewSnapshotRepo(db)
	} else {
		fs, err := persist.NewFileStore(cfg.Snapshot.Path)
		if err != nil {
			return fmt.Errorf("snapshot store: %w", err)
		}
		printOK("file store " + cfg.Snapshot.Path)
		store = fs
	}
	fmt.Println()

	// 4. Component types
	printSection("components")
	engine, err := scripting.NewEngine(cfg.Scripting.Dir, log)
	if err != nil {
		return fmt.Errorf("scripting: %w", err)
	}
	defer engine.Close()
	printStat("lua scripts", len(engine.Scripts()))

	types := world.NewTypeRegistry()
	if err := component.Register(types); err != nil {
		return fmt.Errorf("register components: %w", err)
	}
	if err := scripting.Register(types, engine); err != nil {
		return fmt.Errorf("register script component: %w", err)
	}
	printStat("component types", len(types.Names()))
	fmt.Println()

	// 5. World contents: the latest snapshot, else the scene
	printSection("world")
	w := world.New(cfg.World, types, log)
	objects, err := populate(ctx, w, store, cfg.Scene.Path, log)
	if err != nil {
		return err
	}
	printStat("objects", objects)
	fmt.Println()

	// 6. Actors: the world runs as one actor of the manager
	actors := actor.NewManager(log)
	defer actors.Shutdown()
	worldActor := actor.NewWorldActor(w, cfg.Frame.TickRate, log)
	actors.AddActor(worldActor, nil)

	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()

	var afterFrame []func(*world.World)
	if cfg.Snapshot.IntervalTicks > 0 {
		snaps := persist.NewSnapshotter(store, cfg.Snapshot.IntervalTicks, log)
		done := make(chan struct{})
		go func() {
			snaps.Run(loopCtx)
			close(done)
		}()
		defer func() {
			stopLoop()
			<-done
		}()
		afterFrame = append(afterFrame, snaps.AfterFrame)
	}

	// 7. Observer server
	printSection("ready")
	if cfg.Observer.Enabled {
		srv, err := obsnet.NewServer(cfg.Observer, log)
		if err != nil {
			return fmt.Errorf("observer server: %w", err)
		}
		go srv.AcceptLoop()
		go func() {
			if err := srv.ServeWebsocket(); err != nil {
				log.Error("websocket observer", zap.Error(err))
			}
		}()
		defer srv.Shutdown(context.Background())
		obs := obsnet.NewObserver(srv)
		defer obs.Close()
		afterFrame = append(afterFrame, obs.AfterFrame)
		printReady(fmt.Sprintf("observer on %s", srv.Addr()))
		if cfg.Observer.WebsocketAddress != "" {
			printReady(fmt.Sprintf("websocket observer on %s/observe", cfg.Observer.WebsocketAddress))
		}
	}
	worldActor.AfterFrame = func(w *world.World) {
		for _, fn := range afterFrame {
			fn(w)
		}
	}

	// 8. Frame loop
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(cfg.Frame.TickRate)
	defer ticker.Stop()

	printReady(fmt.Sprintf("frame loop running (tick: %s)", cfg.Frame.TickRate))
	fmt.Println()

	for {
		select {
		case <-ticker.C:
			actors.Update()
		case sig := <-shutdownCh:
			log.Info("shutdown signal", zap.String("signal", sig.String()))
			stopLoop()
			saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := saveSnapshot(saveCtx, store, w)
			cancel()
			if err != nil {
				log.Error("final snapshot", zap.Error(err))
			}
			log.Info("stopped", zap.Uint64("frames", w.Frame()), zap.Int("frame_errors", worldActor.Errors()))
			return nil
		}
	}
}

// populate restores the latest stored snapshot of w, or instantiates the
// scene at scenePath when none exists.
func populate(ctx context.Context, w *world.World, store persist.SnapshotStore, scenePath string, log *zap.Logger) (int, error) {
	defer w.Write(w.Owner())()

	roots, err := persist.Restore(ctx, store, w)
	switch {
	case err == nil:
		printOK(fmt.Sprintf("snapshot restored (%d roots)", roots))
		return w.ObjectCount(), nil
	case !errors.Is(err, persist.ErrNoSnapshot):
		return 0, fmt.Errorf("restore snapshot: %w", err)
	}

	if scenePath == "" {
		return 0, nil
	}
	scene, err := data.LoadScene(scenePath)
	if err != nil {
		return 0, fmt.Errorf("scene: %w", err)
	}
	if _, err := scene.Instantiate(w, 0); err != nil {
		return 0, fmt.Errorf("instantiate scene %s: %w", scene.Name, err)
	}
	log.Info("scene loaded", zap.String("scene", scene.Name), zap.String("path", scenePath))
	printOK("scene " + scene.Name)
	return w.ObjectCount(), nil
}

func saveSnapshot(ctx context.Context, store persist.SnapshotStore, w *world.World) error {
	release := w.Read(w.Owner())
	rec, err := persist.Capture(w)
	release()
	if err != nil {
		return err
	}
	return store.Save(ctx, rec)
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
