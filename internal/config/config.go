package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"voxelsync.dev/internal/catalogs"
	"voxelsync.dev/internal/protocol"
	"voxelsync.dev/internal/voxel"
	"voxelsync.dev/internal/world/chunk"
	"voxelsync.dev/internal/world/terrain/gen"
)

// ErrEdgeNotPowerOfTwo is re-exported so callers can check config errors
// without importing voxel.
var ErrEdgeNotPowerOfTwo = voxel.ErrEdgeNotPowerOfTwo

const (
	OverflowDisconnect = "disconnect"
	OverflowDropOldest = "drop_oldest"
)

type Config struct {
	Listen  string `yaml:"listen"`
	DataDir string `yaml:"data_dir"`

	Seed      int64 `yaml:"seed"`
	ChunkEdge int   `yaml:"chunk_edge"`

	TickRateHz      int    `yaml:"tick_rate_hz"`
	IdentifyGraceMs int    `yaml:"identify_grace_ms"`
	OutboxSize      int    `yaml:"outbox_size"`
	OverflowPolicy  string `yaml:"overflow_policy"`

	InboundRatePerSec float64 `yaml:"inbound_rate_per_sec"`
	InboundBurst      int     `yaml:"inbound_burst"`
	MaxBatch          int     `yaml:"max_batch"`
	MaxMessageBytes   int64   `yaml:"max_message_bytes"`

	// MaxRequestChunks caps the coordinates of one ChunkRequest and
	// MaxSubscriptions the chunks one connection may hold.
	MaxRequestChunks int `yaml:"max_request_chunks"`
	MaxSubscriptions int `yaml:"max_subscriptions"`

	EvictIdleTicks uint64 `yaml:"evict_idle_ticks"`

	WorldMinY int `yaml:"world_min_y"`
	WorldMaxY int `yaml:"world_max_y"`

	Terrain Terrain     `yaml:"terrain"`
	Biomes  []BiomeSpec `yaml:"biomes"`
	// BiomeRegionSize only matters with more than one biome.
	BiomeRegionSize int `yaml:"biome_region_size"`
}

type Terrain struct {
	SeaLevel       int  `yaml:"sea_level"`
	BaseHeight     int  `yaml:"base_height"`
	Amplitude      int  `yaml:"amplitude"`
	FrequencyShift uint `yaml:"frequency_shift"`
	Octaves        int  `yaml:"octaves"`
}

// BiomeSpec names blocks from the block catalog.
type BiomeSpec struct {
	Name             string        `yaml:"name"`
	Top              string        `yaml:"top"`
	TopThickness     int           `yaml:"top_thickness"`
	Mid              string        `yaml:"mid"`
	MidThickness     int           `yaml:"mid_thickness"`
	Bottom           string        `yaml:"bottom"`
	SurfaceLiquid    string        `yaml:"surface_liquid"`
	SubsurfaceLiquid string        `yaml:"subsurface_liquid"`
	Sand             string        `yaml:"sand"`
	Features         []FeatureSpec `yaml:"features"`
}

type FeatureSpec struct {
	Kind     string  `yaml:"kind"`
	PerChunk float64 `yaml:"per_chunk"`

	// tree
	Trunk     string `yaml:"trunk"`
	Leaves    string `yaml:"leaves"`
	MinHeight int    `yaml:"min_height"`
	MaxHeight int    `yaml:"max_height"`
}

func Defaults() Config {
	return Config{
		Listen:            ":8080",
		DataDir:           "./data",
		Seed:              42,
		ChunkEdge:         16,
		TickRateHz:        20,
		IdentifyGraceMs:   5000,
		OutboxSize:        256,
		OverflowPolicy:    OverflowDisconnect,
		InboundRatePerSec: 50,
		InboundBurst:      100,
		MaxBatch:          1024,
		MaxMessageBytes:   64 * 1024,
		MaxRequestChunks:  512,
		MaxSubscriptions:  4096,
		EvictIdleTicks:    600,
		WorldMinY:         -64,
		WorldMaxY:         256,
		Terrain: Terrain{
			SeaLevel:       0,
			BaseHeight:     4,
			Amplitude:      12,
			FrequencyShift: 6,
			Octaves:        4,
		},
		Biomes: []BiomeSpec{{
			Name:             "plains",
			Top:              "grass",
			TopThickness:     1,
			Mid:              "dirt",
			MidThickness:     3,
			Bottom:           "stone",
			SurfaceLiquid:    "water",
			SubsurfaceLiquid: "water",
			Sand:             "sand",
			Features: []FeatureSpec{{
				Kind:      "tree",
				PerChunk:  3,
				Trunk:     "log",
				Leaves:    "leaves",
				MinHeight: 5,
				MaxHeight: 6,
			}},
		}},
		BiomeRegionSize: 256,
	}
}

// Load reads path over Defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, cfg.Validate()
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if _, err := voxel.NewLayout(c.ChunkEdge); err != nil {
		return fmt.Errorf("chunk_edge: %w", err)
	}
	if c.TickRateHz <= 0 {
		return fmt.Errorf("tick_rate_hz must be positive, got %d", c.TickRateHz)
	}
	if c.OutboxSize <= 0 {
		return fmt.Errorf("outbox_size must be positive, got %d", c.OutboxSize)
	}
	switch c.OverflowPolicy {
	case OverflowDisconnect, OverflowDropOldest:
	default:
		return fmt.Errorf("overflow_policy: unknown %q", c.OverflowPolicy)
	}
	if c.MaxBatch <= 0 {
		return fmt.Errorf("max_batch must be positive, got %d", c.MaxBatch)
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("max_message_bytes must be positive, got %d", c.MaxMessageBytes)
	}
	if c.MaxRequestChunks <= 0 || c.MaxSubscriptions < c.MaxRequestChunks {
		return fmt.Errorf("max_request_chunks (%d) must be positive and at most max_subscriptions (%d)", c.MaxRequestChunks, c.MaxSubscriptions)
	}
	if volume := c.ChunkEdge * c.ChunkEdge * c.ChunkEdge; c.MaxRequestChunks > protocol.MaxMessageBlocks/volume {
		return fmt.Errorf("max_request_chunks %d exceeds %d chunks of edge %d per response", c.MaxRequestChunks, protocol.MaxMessageBlocks/volume, c.ChunkEdge)
	}
	if c.InboundRatePerSec <= 0 || c.InboundBurst <= 0 {
		return errors.New("inbound_rate_per_sec and inbound_burst must be positive")
	}
	if c.WorldMaxY <= c.WorldMinY {
		return fmt.Errorf("world_max_y (%d) must exceed world_min_y (%d)", c.WorldMaxY, c.WorldMinY)
	}
	if c.WorldMinY%c.ChunkEdge != 0 || c.WorldMaxY%c.ChunkEdge != 0 {
		return fmt.Errorf("world_min_y/world_max_y must be multiples of chunk_edge %d", c.ChunkEdge)
	}
	if c.Terrain.Amplitude < 0 || c.Terrain.Octaves <= 0 {
		return errors.New("terrain: amplitude must be >= 0 and octaves > 0")
	}
	if len(c.Biomes) == 0 {
		return errors.New("biomes: at least one biome is required")
	}
	for _, b := range c.Biomes {
		for _, f := range b.Features {
			if f.PerChunk < 0 {
				return fmt.Errorf("biome %s: negative per_chunk", b.Name)
			}
			if strings.ToLower(f.Kind) == "tree" && (f.MinHeight <= 0 || f.MaxHeight < f.MinHeight) {
				return fmt.Errorf("biome %s: tree heights [%d, %d] invalid", b.Name, f.MinHeight, f.MaxHeight)
			}
		}
	}
	return nil
}

func (c Config) Layout() (voxel.Layout, error) { return voxel.NewLayout(c.ChunkEdge) }

func (c Config) TickInterval() time.Duration { return time.Second / time.Duration(c.TickRateHz) }

func (c Config) IdentifyGrace() time.Duration {
	return time.Duration(c.IdentifyGraceMs) * time.Millisecond
}

func (c Config) TerrainSettings() gen.Settings {
	return gen.Settings{
		SeaLevel:       c.Terrain.SeaLevel,
		BaseHeight:     c.Terrain.BaseHeight,
		Amplitude:      c.Terrain.Amplitude,
		FrequencyShift: c.Terrain.FrequencyShift,
		Octaves:        c.Terrain.Octaves,
		MinY:           c.WorldMinY,
		MaxY:           c.WorldMaxY,
	}
}

// BiomeCatalog resolves every block name against the block catalog, failing
// on the first unknown name.
func (c Config) BiomeCatalog(blocks catalogs.BlockCatalog) (gen.BiomeCatalog, error) {
	out := gen.BiomeCatalog{RegionSize: c.BiomeRegionSize}
	for _, spec := range c.Biomes {
		names := []string{spec.Top, spec.Mid, spec.Bottom, spec.SurfaceLiquid, spec.SubsurfaceLiquid, spec.Sand}
		ids, err := blocks.ResolveBlocks(names...)
		if err != nil {
			return gen.BiomeCatalog{}, fmt.Errorf("biome %s: %w", spec.Name, err)
		}
		b := gen.Biome{
			Name:             spec.Name,
			TopBlock:         ids[0],
			TopThickness:     spec.TopThickness,
			MidBlock:         ids[1],
			MidThickness:     spec.MidThickness,
			BottomBlock:      ids[2],
			SurfaceLiquid:    ids[3],
			SubsurfaceLiquid: ids[4],
			Sand:             ids[5],
			Air:              chunk.Air,
		}
		for _, fs := range spec.Features {
			f, err := buildFeature(blocks, fs)
			if err != nil {
				return gen.BiomeCatalog{}, fmt.Errorf("biome %s: %w", spec.Name, err)
			}
			b.Features = append(b.Features, gen.FeaturePlacer{PerChunk: fs.PerChunk, Feature: f})
		}
		out.Biomes = append(out.Biomes, b)
	}
	return out, nil
}

func buildFeature(blocks catalogs.BlockCatalog, fs FeatureSpec) (gen.Feature, error) {
	switch strings.ToLower(strings.TrimSpace(fs.Kind)) {
	case "tree":
		ids, err := blocks.ResolveBlocks(fs.Trunk, fs.Leaves)
		if err != nil {
			return gen.Feature{}, err
		}
		return gen.Feature{Kind: gen.FeatureTree, Tree: gen.Tree{
			Trunk:     ids[0],
			Leaves:    ids[1],
			MinHeight: fs.MinHeight,
			MaxHeight: fs.MaxHeight,
		}}, nil
	default:
		return gen.Feature{}, fmt.Errorf("unknown feature kind %q", fs.Kind)
	}
}
