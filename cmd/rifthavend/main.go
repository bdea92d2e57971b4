package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rifthaven/server/internal/component"
	"github.com/rifthaven/server/internal/config"
	"github.com/rifthaven/server/internal/core/ecs"
	coresys "github.com/rifthaven/server/internal/core/system"
	gonet "github.com/rifthaven/server/internal/net"
	"github.com/rifthaven/server/internal/persist"
	"github.com/rifthaven/server/internal/replica"
	"github.com/rifthaven/server/internal/schema"
	"github.com/rifthaven/server/internal/scripting"
	"github.com/rifthaven/server/internal/system"
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

func printBanner(serverName string) {
	fmt.Println()
	fmt.Println("\033[36;1m  ┌───────────────────────────────────────────┐\033[0m")
	fmt.Println("\033[36;1m  │\033[0m           rifthavend  v0.1.0              \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  │\033[0m     差異同步 · Go 遊戲伺服器核心          \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  └───────────────────────────────────────────┘\033[0m")
	fmt.Println()
	fmt.Printf("  \033[1m伺服器:\033[0m %s\n\n", serverName)
}

func printSection(title string) {
	displayWidth := 0
	for _, r := range title {
		if r > 0x7F {
			displayWidth += 2
		} else {
			displayWidth++
		}
	}
	lineLen := 46 - displayWidth - 1
	if lineLen < 3 {
		lineLen = 3
	}
	fmt.Printf("  \033[33m── %s %s\033[0m\n", title, strings.Repeat("─", lineLen))
}

func printStat(label string, count int) {
	numStr := fmt.Sprintf("%d", count)
	displayWidth := 0
	for _, r := range label {
		if r > 0x7F {
			displayWidth += 2
		} else {
			displayWidth++
		}
	}
	dotsLen := 42 - displayWidth - len(numStr)
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

// ── Main server logic ─────────────────────────────────────────────

func run() error {
	// 1. Load config
	cfg, err := config.Load("config/server.toml")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Init logger
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	printBanner(cfg.Server.Name)

	// 3. Connect to PostgreSQL and run migrations
	printSection("資料庫")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := persist.NewDB(ctx, cfg.Database, log)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()
	printOK("PostgreSQL 連線成功")

	if err := persist.RunMigrations(ctx, db.Pool); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	printOK("資料庫遷移完成")
	fmt.Println()

	snapRepo := persist.NewSnapshotRepo(db)

	// 4. Load component schemas
	printSection("資料載入")

	set, err := schema.Load(cfg.Server.SchemaDir)
	if err != nil {
		return fmt.Errorf("load schemas: %w", err)
	}
	printStat("元件類型", set.Len())

	// 5. Build the world: modified registry + one tracked store per type
	reg := replica.NewModified(cfg.Replication.RegistryCapacity)
	world := ecs.NewWorld()
	for _, comp := range set.Components() {
		store, err := ecs.NewTrackedStore(comp, reg)
		if err != nil {
			return fmt.Errorf("register %s: %w", comp.Name, err)
		}
		world.AddTracked(store)
	}
	refs := ecs.NewPtrComponentStore[component.SessionRef]()
	world.Registry().Register(refs)

	// 5a. Restore persisted snapshots
	restored, err := restoreSnapshots(ctx, world, set, snapRepo, log)
	if err != nil {
		return fmt.Errorf("restore snapshots: %w", err)
	}
	printStat("快照還原", restored)

	// 5b. Lua logic modules
	luaEngine, err := scripting.NewEngine(cfg.Server.ScriptDir, log)
	if err != nil {
		return fmt.Errorf("lua engine: %w", err)
	}
	defer luaEngine.Close()
	printStat("腳本系統", len(luaEngine.Systems()))
	fmt.Println()

	// 6. Network server + gateway
	framePerSec := 0
	if cfg.RateLimit.Enabled {
		framePerSec = cfg.RateLimit.FramesPerSecond
	}
	netServer, err := gonet.NewServer(
		cfg.Network.BindAddress,
		cfg.Network.InQueueSize,
		cfg.Network.OutQueueSize,
		framePerSec,
		log,
	)
	if err != nil {
		return fmt.Errorf("net server: %w", err)
	}
	go netServer.AcceptLoop()

	gateway := gonet.NewGateway(log)

	// 7. Systems, in phase order
	runner := coresys.NewRunner()
	handshakeSys := system.NewHandshakeSystem(netServer, gateway, world, refs, log)
	commitSys := system.NewCommitSystem(world, gateway, cfg.Replication.CommitCadence, log)
	persistSys := system.NewPersistenceSystem(world, snapRepo, cfg.Replication.PersistInterval, log)
	runner.Register(handshakeSys)
	runner.Register(system.NewInputSystem(netServer, gateway, world, handshakeSys, cfg.Network.MaxFramesPerTick, log))
	runner.Register(system.NewLogicSystem(world, set, luaEngine, log))
	runner.Register(commitSys)
	runner.Register(system.NewOutputSystem(gateway))
	runner.Register(persistSys)
	runner.Register(system.NewCleanupSystem(world))

	// 8. Game loop
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(cfg.Network.TickRate)
	defer ticker.Stop()

	printSection("伺服器就緒")
	printReady(fmt.Sprintf("監聽位址 %s", netServer.Addr().String()))
	printReady(fmt.Sprintf("遊戲迴圈啟動 (tick: %s)", cfg.Network.TickRate))
	fmt.Println()

	for {
		select {
		case <-ticker.C:
			runner.Tick(cfg.Network.TickRate)
		case sig := <-shutdownCh:
			log.Info("收到關閉信號", zap.String("signal", sig.String()))
			commitSys.CommitAll()
			gateway.FlushAll()
			persistSys.SaveAll()
			netServer.Shutdown()
			log.Info("伺服器已停止")
			return nil
		}
	}
}

// restoreSnapshots repopulates the world from the snapshot table. Stored
// entity ids are reseated onto fresh entities; snapshots of unknown
// component types are skipped with a warning (schema may have dropped them).
func restoreSnapshots(ctx context.Context, world *ecs.World, set *schema.Set, repo *persist.SnapshotRepo, log *zap.Logger) (int, error) {
	rows, err := repo.LoadAll(ctx)
	if err != nil {
		return 0, err
	}
	entities := make(map[uint32]ecs.EntityID)
	count := 0
	for _, row := range rows {
		comp := set.ByID(row.TypeID)
		if comp == nil {
			log.Warn("快照指向未知元件型別",
				zap.String("component", row.Component),
				zap.Uint32("type", row.TypeID),
			)
			continue
		}
		store := world.Tracked(row.TypeID)
		v := replica.New(&comp.Message)
		if err := replica.Merge(v, row.Data); err != nil {
			log.Error("快照解碼失敗",
				zap.String("component", row.Component),
				zap.Uint32("entity", row.Entity),
				zap.Error(err),
			)
			continue
		}
		id, ok := entities[row.Entity]
		if !ok {
			id = world.CreateEntity()
			entities[row.Entity] = id
		}
		store.Attach(id, v)
		count++
	}
	return count, nil
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
