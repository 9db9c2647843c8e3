package main

import (
	"context"
	"fmt"

	"voxelsync.dev/internal/config"
	"voxelsync.dev/internal/persistence/worlddb"
	"voxelsync.dev/internal/voxel"
	"voxelsync.dev/internal/world/terrain/gen"
)

// ensureProperties loads the persisted world properties, creating them on
// first start. Seed and chunk edge cannot change for an existing world.
func ensureProperties(ctx context.Context, db worlddb.Database, cfg config.Config, g *gen.Generator) (worlddb.Properties, error) {
	props, ok, err := db.LoadWorldProperties(ctx)
	if err != nil {
		return worlddb.Properties{}, err
	}
	if ok {
		if props.Seed != cfg.Seed {
			return props, fmt.Errorf("seed %d does not match world seed %d", cfg.Seed, props.Seed)
		}
		if props.ChunkEdge != cfg.ChunkEdge {
			return props, fmt.Errorf("chunk_edge %d does not match world chunk_edge %d", cfg.ChunkEdge, props.ChunkEdge)
		}
		return props, nil
	}

	y := g.SurfaceHeight(0, 0) + 1
	if y < cfg.Terrain.SeaLevel+1 {
		y = cfg.Terrain.SeaLevel + 1
	}
	props = worlddb.Properties{
		Spawn:     voxel.Vec3i{X: 0, Y: y, Z: 0},
		Seed:      cfg.Seed,
		ChunkEdge: cfg.ChunkEdge,
	}
	if err := db.SaveWorldProperties(ctx, props); err != nil {
		return props, err
	}
	return props, nil
}
