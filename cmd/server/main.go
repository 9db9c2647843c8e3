package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"
	"golang.org/x/sync/errgroup"

	"voxelsync.dev/internal/catalogs"
	"voxelsync.dev/internal/config"
	persistlog "voxelsync.dev/internal/persistence/log"
	"voxelsync.dev/internal/persistence/worlddb"
	"voxelsync.dev/internal/protocol"
	"voxelsync.dev/internal/transport/ws"
	"voxelsync.dev/internal/voxel"
	"voxelsync.dev/internal/world"
	"voxelsync.dev/internal/world/chunk"
	"voxelsync.dev/internal/world/manager"
	"voxelsync.dev/internal/world/models"
	"voxelsync.dev/internal/world/terrain/gen"
	"voxelsync.dev/internal/world/terrain/store"
)

func main() {
	var (
		configPath = flag.String("config", "./configs/server.yaml", "server config path")
		configDir  = flag.String("configs", "./configs", "catalog directory (blocks.json, models.json, items.json, assets/)")
		addr       = flag.String("addr", "", "http listen address (overrides config)")
		dataDir    = flag.String("data", "", "runtime data directory (overrides config)")
		seed       = flag.Int64("seed", 0, "world seed (overrides config; only valid for a fresh world)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Listen = *addr
		case "data":
			cfg.DataDir = *dataDir
		case "seed":
			cfg.Seed = *seed
		}
	})

	cats, err := catalogs.Load(*configDir)
	if err != nil {
		logger.Fatalf("load catalogs: %v", err)
	}
	layout, err := cfg.Layout()
	if err != nil {
		logger.Fatalf("chunk_edge: %v", err)
	}
	biomes, err := cfg.BiomeCatalog(cats.Blocks)
	if err != nil {
		logger.Fatalf("biomes: %v", err)
	}
	g, err := gen.NewGenerator(layout, cfg.Seed, cfg.TerrainSettings(), biomes)
	if err != nil {
		logger.Fatalf("generator: %v", err)
	}
	policy, err := world.ParseOverflowPolicy(cfg.OverflowPolicy)
	if err != nil {
		logger.Fatalf("overflow_policy: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatalf("data dir: %v", err)
	}
	db, err := worlddb.OpenSQLite(filepath.Join(cfg.DataDir, "world.sqlite"), layout.Volume())
	if err != nil {
		logger.Fatalf("open world db: %v", err)
	}
	defer db.Close()

	ctx, cancel := signalContext()
	defer cancel()

	props, err := ensureProperties(ctx, db, cfg, g)
	if err != nil {
		logger.Fatalf("world properties: %v", err)
	}
	logger.Printf("world seed=%d chunk_edge=%d spawn=%s assets=%s", props.Seed, props.ChunkEdge, props.Spawn, cats.AssetsHashHex())

	auditLog := persistlog.NewAuditLogger(cfg.DataDir)
	defer auditLog.Close()

	st := store.New(layout, chunk.Air)
	mgr := manager.New(manager.Deps{
		Store:     st,
		DB:        db,
		Generator: g,
		Logger:    logger,
		IdleTicks: cfg.EvictIdleTicks,
	})
	defer mgr.Close()
	mgr.Preload(spawnArea(layout, props.Spawn))

	var playerAsset protocol.OptionalID
	if id, ok := cats.Models.Index["player"]; ok {
		playerAsset = protocol.Some(id)
	}
	w, err := world.New(world.Config{
		TickRateHz:       cfg.TickRateHz,
		MaxBatch:         cfg.MaxBatch,
		OverflowPolicy:   policy,
		Spawn:            props.Spawn,
		PlayerAsset:      playerAsset,
		BlockCount:       len(cats.Blocks.Palette),
		MaxRequestChunks: cfg.MaxRequestChunks,
		MaxSubscriptions: cfg.MaxSubscriptions,
	}, world.Deps{
		Store:        st,
		Manager:      mgr,
		Models:       models.NewRegistry(layout),
		ServerConfig: cats.ServerConfig(),
		Audit:        auditLog,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatalf("world: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", metricsHandler(w, db))
	mux.HandleFunc("/v1/ws", ws.NewServer(w, ws.Options{
		IdentifyGrace:   cfg.IdentifyGrace(),
		OutboxSize:      cfg.OutboxSize,
		RatePerSec:      cfg.InboundRatePerSec,
		Burst:           cfg.InboundBurst,
		MaxMessageBytes: cfg.MaxMessageBytes,
	}, logger).Handler())

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		return mgr.Persister().Run(ctx)
	})
	eg.Go(func() error {
		if id, ok := cats.Models.Index["marker"]; ok {
			sp := props.Spawn
			_, err := w.SpawnModel(ctx, models.Model{
				Position: mgl64.Vec3{float64(sp.X) + 0.5, float64(sp.Y), float64(sp.Z) + 0.5},
				Rotation: mgl32.QuatIdent(),
				Scale:    mgl32.Vec3{1, 1, 1},
				Asset:    id,
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		return srv.Shutdown(ctx2)
	})
	eg.Go(func() error {
		logger.Printf("listening on %s", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Printf("server stopped: %v", err)
	}

	// Edits from the last partial tick are dirty but not yet queued.
	for _, c := range st.Dirty() {
		mgr.Persister().Enqueue(c)
	}
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer flushCancel()
	if err := mgr.Persister().Flush(flushCtx); err != nil {
		logger.Printf("final flush: %v", err)
	}
	logger.Printf("shutdown complete")
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

// spawnArea is the 3x3 column of chunks around spawn, one chunk above and
// below.
func spawnArea(layout voxel.Layout, spawn voxel.Vec3i) []voxel.Vec3i {
	center := layout.ChunkOf(spawn)
	e := layout.Edge()
	var out []voxel.Vec3i
	for dx := -1; dx <= 1; dx++ {
		for dy := -1; dy <= 1; dy++ {
			for dz := -1; dz <= 1; dz++ {
				out = append(out, center.Add(voxel.Vec3i{X: dx * e, Y: dy * e, Z: dz * e}))
			}
		}
	}
	return out
}
