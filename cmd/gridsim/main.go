package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/l1jgo/gridtree/internal/config"
	"github.com/l1jgo/gridtree/internal/core/ecs"
	"github.com/l1jgo/gridtree/internal/core/event"
	coresys "github.com/l1jgo/gridtree/internal/core/system"
	"github.com/l1jgo/gridtree/internal/data"
	"github.com/l1jgo/gridtree/internal/gridtree"
	"github.com/l1jgo/gridtree/internal/scripting"
	"github.com/l1jgo/gridtree/internal/system"
	"github.com/l1jgo/gridtree/internal/world"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// ── Startup display helpers ────────────────────────────────────────

func printBanner(name, runID string) {
	fmt.Println()
	fmt.Println("\033[36;1m  ┌───────────────────────────────────────────┐\033[0m")
	fmt.Println("\033[36;1m  │\033[0m          gridsim  ·  grid tree demo       \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  └───────────────────────────────────────────┘\033[0m")
	fmt.Println()
	fmt.Printf("  \033[1mSimulation:\033[0m %s \033[90m(run %s)\033[0m\n\n", name, runID)
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

func printReady(msg string) {
	fmt.Printf("  \033[32m▶\033[0m %s\n", msg)
}

// ── Main simulation loop ──────────────────────────────────────────

func run() error {
	// 1. Load config
	cfgPath := "config/gridsim.toml"
	if p := os.Getenv("GRIDSIM_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Init logger
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	runID := uuid.NewString()
	log = log.With(zap.String("run", runID))
	printBanner(cfg.Simulation.Name, runID)

	// 3. Load grid prototypes
	printSection("Data")
	gridTable, err := data.LoadGridTable(cfg.Data.GridList)
	if err != nil {
		return fmt.Errorf("load grid table: %w", err)
	}
	printStat("Grid prototypes", gridTable.Count())
	fmt.Println()

	// 4. World, grid index, coordinator. The coordinator must be listening
	// before the scenario creates its first map.
	ecsWorld := ecs.NewWorld()
	bus := event.NewBus()
	worldState := world.NewState(ecsWorld, bus)

	index := gridtree.NewIndex[*world.Grid](log.Named("gridtree"))
	gridSys := system.NewGridTreeSystem(worldState, index, log.Named("gridtree"))
	gridSys.Startup()
	defer gridSys.Close()

	// 5. Scenario
	engine, err := scripting.NewEngine(cfg.Data.ScriptsDir, worldState, gridTable, log.Named("scenario"))
	if err != nil {
		return fmt.Errorf("scripting: %w", err)
	}
	defer engine.Close()

	// 6. Systems
	runner := coresys.NewRunner()
	runner.Register(system.NewScriptSystem(engine, log))
	var broadphase *system.BroadphaseSystem
	if cfg.Broadphase.Enabled {
		broadphase = system.NewBroadphaseSystem(index, cfg.Broadphase.LogPairs, log.Named("broadphase"))
		runner.Register(broadphase)
	}
	runner.Register(system.NewCleanupSystem(ecsWorld, log))

	// 7. Loop
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(cfg.Simulation.TickRate)
	defer ticker.Stop()

	printSection("Running")
	printReady(fmt.Sprintf("tick %s", cfg.Simulation.TickRate))
	if cfg.Simulation.MaxTicks > 0 {
		printReady(fmt.Sprintf("stopping after %d ticks", cfg.Simulation.MaxTicks))
	}
	fmt.Println()

	for {
		select {
		case <-ticker.C:
			runner.Tick(cfg.Simulation.TickRate)
			if broadphase != nil && len(broadphase.Pairs()) > 0 {
				log.Debug("contact candidates", zap.Int("pairs", len(broadphase.Pairs())))
			}
			if cfg.Simulation.MaxTicks > 0 && runner.Ticks() >= uint64(cfg.Simulation.MaxTicks) {
				logSummary(log, runner, worldState, index)
				return nil
			}
		case sig := <-shutdownCh:
			log.Info("shutdown signal", zap.String("signal", sig.String()))
			logSummary(log, runner, worldState, index)
			return nil
		}
	}
}

func logSummary(log *zap.Logger, runner *coresys.Runner, ws *world.State, index *gridtree.Index[*world.Grid]) {
	for _, m := range index.Partitions() {
		log.Info("map",
			zap.Int32("map", int32(m)),
			zap.Int("grids", index.Len(m)),
			zap.Int("tree_height", index.Height(m)),
		)
	}
	log.Info("simulation stopped",
		zap.Uint64("ticks", runner.Ticks()),
		zap.Int("maps", ws.MapCount()),
		zap.Int("grids", ws.GridCount()),
	)
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
