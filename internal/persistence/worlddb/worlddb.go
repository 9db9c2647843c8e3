package worlddb

import (
	"context"

	"voxelsync.dev/internal/voxel"
	"voxelsync.dev/internal/world/chunk"
)

// PropertiesKey is the singleton key world properties are stored under.
const PropertiesKey = "world"

// Properties are fixed when a world is created; only Spawn may change later.
type Properties struct {
	Spawn     voxel.Vec3i `json:"spawn"`
	Seed      int64       `json:"seed"`
	ChunkEdge int         `json:"chunk_edge"`
}

// Database is the persistent source of truth for chunks and world properties.
// Implementations are safe for concurrent use.
type Database interface {
	// LoadChunk reports ok=false when the coordinate was never saved.
	LoadChunk(ctx context.Context, coord voxel.Vec3i) (rec chunk.Record, ok bool, err error)
	SaveChunk(ctx context.Context, rec chunk.Record) error
	LoadWorldProperties(ctx context.Context) (Properties, bool, error)
	SaveWorldProperties(ctx context.Context, p Properties) error
	Close() error
}

type Stats struct {
	Loads  uint64
	Saves  uint64
	Chunks int
}
