// Package main provides the lobby daemon: it seeds an in-memory matchmaking
// backend from YAML fixtures and runs the session lifecycle stack against it,
// exposing Prometheus metrics for observation.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/cory-johannsen/lobby/internal/config"
	"github.com/cory-johannsen/lobby/internal/lobby/async"
	"github.com/cory-johannsen/lobby/internal/lobby/backend"
	"github.com/cory-johannsen/lobby/internal/lobby/conn"
	"github.com/cory-johannsen/lobby/internal/lobby/match"
	"github.com/cory-johannsen/lobby/internal/lobby/session"
	"github.com/cory-johannsen/lobby/internal/observability"
	"github.com/cory-johannsen/lobby/internal/scripting"
	"github.com/cory-johannsen/lobby/internal/server"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	fixtureDir := flag.String("fixtures", "", "room catalog YAML directory; overrides backend.fixture_dir")
	probeUser := flag.String("probe-user", "probe", "user ID for the startup search probe; empty disables it")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(reg)

	// Backend: in-memory, seeded from fixtures.
	world := backend.WorldInfo{WorldID: cfg.Backend.WorldID, LobbyID: cfg.Backend.LobbyID}
	client := backend.NewMemory(world, cfg.Backend.SimulatedLatency)

	dir := cfg.Backend.FixtureDir
	if *fixtureDir != "" {
		dir = *fixtureDir
	}
	if dir != "" {
		seedStart := time.Now()
		catalogs, err := backend.LoadCatalogsFromDir(dir)
		if err != nil {
			logger.Fatal("loading room catalogs", zap.String("dir", dir), zap.Error(err))
		}
		rooms := 0
		for _, cat := range catalogs {
			seeded, err := client.SeedCatalog(cat)
			if err != nil {
				logger.Fatal("seeding room catalog", zap.Error(err))
			}
			rooms += len(seeded)
		}
		logger.Info("room catalogs seeded",
			zap.Int("catalogs", len(catalogs)),
			zap.Int("rooms", rooms),
			zap.Duration("elapsed", time.Since(seedStart)),
		)
	}

	// Async substrate and the lobby stack on top of it.
	queue := async.NewQueue(cfg.Queue.Workers, logger, metrics)
	contexts := conn.NewRegistry(client, queue, logger, cfg.Connection)

	registry := session.NewRegistry()
	hub := session.NewNotificationHub()
	hub.Register(session.NewLoggingListener(logger))
	controller := session.NewController(registry, contexts, queue, client, hub, nil, logger, metrics)

	var policy match.Policy
	if cfg.Matchmaking.PolicyScript != "" {
		p, err := match.NewScriptPolicyFromFile(cfg.Matchmaking.PolicyScript, scripting.DefaultInstructionLimit, logger)
		if err != nil {
			logger.Fatal("loading selection policy script",
				zap.String("path", cfg.Matchmaking.PolicyScript),
				zap.Error(err),
			)
		}
		policy = p
		logger.Info("selection policy script loaded", zap.String("path", cfg.Matchmaking.PolicyScript))
	}

	coordinator, err := match.NewCoordinator(queue, contexts, controller, client, hub, policy, nil, logger, metrics, cfg.Matchmaking)
	if err != nil {
		logger.Fatal("creating matchmaking coordinator", zap.Error(err))
	}

	// Wire lifecycle
	lifecycle := server.NewLifecycle(logger)

	lifecycle.Add("queue", &server.FuncService{
		StartFn: func() error {
			queue.Start()
			return nil
		},
		StopFn: func() {
			queue.Shutdown()
		},
	})

	// Registered before the pump so it stops after the pump goroutine has
	// exited; the drain loop below is then the only caller of Pump.
	lifecycle.Add("contexts", &server.FuncService{
		StartFn: func() error { return nil },
		StopFn: func() {
			contexts.DestroyAll()
			deadline := time.Now().Add(500 * time.Millisecond)
			for queue.Pump() == 0 && time.Now().Before(deadline) {
				time.Sleep(10 * time.Millisecond)
			}
		},
	})

	pump := server.NewPumpService(queue, nil, cfg.Queue.PumpInterval, logger)
	if *probeUser != "" {
		// Startup probe: bring up a context, wait for world discovery, run one
		// search, and log the results. Runs on the pump goroutine, where all
		// coordinator and controller calls belong.
		kicked := false
		searched := false
		pump.SetTickHook(func() {
			if !kicked {
				contexts.GetOrCreate(*probeUser)
				kicked = true
				return
			}
			if searched {
				return
			}
			if _, ok := contexts.CachedWorld(); !ok {
				return
			}
			searched = true
			coordinator.FindSessions(*probeUser, match.Query{}, func(success bool) {
				if !success {
					logger.Warn("startup probe search failed")
					return
				}
				for _, r := range coordinator.Results() {
					logger.Info("probe found session",
						zap.String("name", r.Room.Attributes["name"]),
						zap.Stringer("room", r.Room.Address),
						zap.Int("open_public_slots", r.Room.OpenPublicSlots),
						zap.Duration("ping", r.Ping),
					)
				}
			})
		})
	}
	lifecycle.Add("pump", pump)

	lifecycle.Add("metrics", server.NewMetricsServer(cfg.Metrics.Addr(), reg, logger))

	logger.Info("lobby daemon initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("world", world.WorldID),
		zap.String("lobby", world.LobbyID),
		zap.String("metrics_addr", cfg.Metrics.Addr()),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("daemon error", zap.Error(err))
	}
}
