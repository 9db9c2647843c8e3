package main

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"voxelsync.dev/internal/catalogs"
	"voxelsync.dev/internal/config"
	"voxelsync.dev/internal/persistence/worlddb"
	"voxelsync.dev/internal/protocol"
	"voxelsync.dev/internal/voxel"
	"voxelsync.dev/internal/world"
	"voxelsync.dev/internal/world/chunk"
	"voxelsync.dev/internal/world/manager"
	"voxelsync.dev/internal/world/models"
	"voxelsync.dev/internal/world/terrain/gen"
	"voxelsync.dev/internal/world/terrain/store"
)

func testGenerator(t *testing.T, cfg config.Config) *gen.Generator {
	t.Helper()
	cats, err := catalogs.Load("../../configs")
	if err != nil {
		t.Fatalf("catalogs.Load: %v", err)
	}
	biomes, err := cfg.BiomeCatalog(cats.Blocks)
	if err != nil {
		t.Fatalf("BiomeCatalog: %v", err)
	}
	layout, _ := cfg.Layout()
	g, err := gen.NewGenerator(layout, cfg.Seed, cfg.TerrainSettings(), biomes)
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	return g
}

func TestEnsurePropertiesCreatesSpawnAboveSurface(t *testing.T) {
	cfg := config.Defaults()
	g := testGenerator(t, cfg)
	db := worlddb.NewMemory()

	props, err := ensureProperties(context.Background(), db, cfg, g)
	if err != nil {
		t.Fatalf("ensureProperties: %v", err)
	}
	if props.Spawn.Y <= g.SurfaceHeight(0, 0) || props.Spawn.Y <= cfg.Terrain.SeaLevel {
		t.Fatalf("spawn %s not above surface %d", props.Spawn, g.SurfaceHeight(0, 0))
	}
	saved, ok, err := db.LoadWorldProperties(context.Background())
	if err != nil || !ok || saved != props {
		t.Fatalf("saved = %#v, %v, %v", saved, ok, err)
	}

	again, err := ensureProperties(context.Background(), db, cfg, g)
	if err != nil || again != props {
		t.Fatalf("reload = %#v, %v", again, err)
	}
}

func TestEnsurePropertiesRejectsChangedSeedOrEdge(t *testing.T) {
	cfg := config.Defaults()
	db := worlddb.NewMemory()
	if _, err := ensureProperties(context.Background(), db, cfg, testGenerator(t, cfg)); err != nil {
		t.Fatalf("ensureProperties: %v", err)
	}

	reseeded := cfg
	reseeded.Seed++
	if _, err := ensureProperties(context.Background(), db, reseeded, testGenerator(t, reseeded)); err == nil {
		t.Fatalf("seed change accepted")
	}

	resized := cfg
	resized.ChunkEdge = 32
	if _, err := ensureProperties(context.Background(), db, resized, testGenerator(t, resized)); err == nil {
		t.Fatalf("chunk_edge change accepted")
	}
}

func TestSpawnArea(t *testing.T) {
	layout := voxel.MustLayout(16)
	area := spawnArea(layout, voxel.Vec3i{X: 3, Y: 20, Z: -1})
	if len(area) != 27 {
		t.Fatalf("len = %d", len(area))
	}
	if area[0] != (voxel.Vec3i{X: -16, Y: 0, Z: -32}) || area[26] != (voxel.Vec3i{X: 16, Y: 32, Z: 0}) {
		t.Fatalf("area = %v .. %v", area[0], area[26])
	}
}

func TestMetricsExposition(t *testing.T) {
	layout := voxel.MustLayout(16)
	st := store.New(layout, chunk.Air)
	db := worlddb.NewMemory()
	mgr := manager.New(manager.Deps{Store: st, DB: db, Generator: testGenerator(t, config.Defaults())})
	t.Cleanup(mgr.Close)
	w, err := world.New(world.Config{TickRateHz: 20}, world.Deps{
		Store:        st,
		Manager:      mgr,
		Models:       models.NewRegistry(layout),
		ServerConfig: protocol.ServerConfig{},
	})
	if err != nil {
		t.Fatalf("world.New: %v", err)
	}

	rec := httptest.NewRecorder()
	metricsHandler(w, db)(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Result().Body)
	for _, want := range []string{
		"voxelsync_world_tick 0",
		`voxelsync_chunks{state="loaded"} 0`,
		`voxelsync_db_ops_total{op="save"} 0`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}
