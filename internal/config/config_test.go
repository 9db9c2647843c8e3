package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"voxelsync.dev/internal/catalogs"
	"voxelsync.dev/internal/world/terrain/gen"
)

func TestDefaultsValidate(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	body := "seed: 7\nchunk_edge: 32\noverflow_policy: drop_oldest\nworld_min_y: -64\nworld_max_y: 256\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Seed != 7 || cfg.ChunkEdge != 32 || cfg.OverflowPolicy != OverflowDropOldest {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.TickRateHz != Defaults().TickRateHz {
		t.Fatalf("tick rate should keep default, got %d", cfg.TickRateHz)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ChunkEdge != 16 {
		t.Fatalf("edge=%d", cfg.ChunkEdge)
	}
}

func TestValidateRejectsNonPowerOfTwoEdge(t *testing.T) {
	cfg := Defaults()
	cfg.ChunkEdge = 12
	if err := cfg.Validate(); !errors.Is(err, ErrEdgeNotPowerOfTwo) {
		t.Fatalf("err=%v, want ErrEdgeNotPowerOfTwo", err)
	}
}

func TestValidateRejectsBadPolicyAndBounds(t *testing.T) {
	cfg := Defaults()
	cfg.OverflowPolicy = "block"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for unknown overflow policy")
	}
	cfg = Defaults()
	cfg.WorldMaxY = cfg.WorldMinY
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for empty vertical range")
	}
}

func TestValidateRequestLimits(t *testing.T) {
	cfg := Defaults()
	cfg.MaxSubscriptions = cfg.MaxRequestChunks - 1
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for subscriptions below the request cap")
	}
	cfg = Defaults()
	cfg.ChunkEdge = 64
	cfg.WorldMinY, cfg.WorldMaxY = -64, 256
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error: 512 chunks of edge 64 exceed one response")
	}
	cfg.MaxRequestChunks = 64
	if err := cfg.Validate(); err != nil {
		t.Fatalf("64 chunks of edge 64: %v", err)
	}
}

func TestShippedConfigAndCatalogsBuildGenerator(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "server.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cats, err := catalogs.Load(filepath.Join("..", "..", "configs"))
	if err != nil {
		t.Fatalf("catalogs: %v", err)
	}
	biomes, err := cfg.BiomeCatalog(cats.Blocks)
	if err != nil {
		t.Fatalf("BiomeCatalog: %v", err)
	}
	if len(biomes.Biomes) != 1 || len(biomes.Biomes[0].Features) != 1 {
		t.Fatalf("unexpected biomes: %+v", biomes)
	}
	if biomes.Biomes[0].Features[0].Feature.Kind != gen.FeatureTree {
		t.Fatalf("feature kind=%v", biomes.Biomes[0].Features[0].Feature.Kind)
	}
	layout, err := cfg.Layout()
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	if _, err := gen.NewGenerator(layout, cfg.Seed, cfg.TerrainSettings(), biomes); err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
}

func TestBiomeCatalogUnknownBlock(t *testing.T) {
	cats, err := catalogs.Load(filepath.Join("..", "..", "configs"))
	if err != nil {
		t.Fatalf("catalogs: %v", err)
	}
	cfg := Defaults()
	cfg.Biomes[0].Top = "moss"
	if _, err := cfg.BiomeCatalog(cats.Blocks); err == nil {
		t.Fatalf("expected error for unknown block name")
	}
	cfg = Defaults()
	cfg.Biomes[0].Features[0].Kind = "boulder"
	if _, err := cfg.BiomeCatalog(cats.Blocks); err == nil {
		t.Fatalf("expected error for unknown feature kind")
	}
}
