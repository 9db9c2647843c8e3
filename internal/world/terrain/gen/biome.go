package gen

import (
	"voxelsync.dev/internal/voxel"
	"voxelsync.dev/internal/world/chunk"
)

// Biome is a static set of layering rules.
type Biome struct {
	Name string

	TopBlock     chunk.BlockID
	TopThickness int
	MidBlock     chunk.BlockID
	MidThickness int
	BottomBlock  chunk.BlockID

	// SurfaceLiquid fills sea level itself, SubsurfaceLiquid everything
	// between the terrain and sea level.
	SurfaceLiquid    chunk.BlockID
	SubsurfaceLiquid chunk.BlockID
	Air              chunk.BlockID
	Sand             chunk.BlockID

	Features []FeaturePlacer
}

// BiomeCatalog selects a biome for a world column. With a single biome it is
// global; with more, biomes are assigned per square region by hash.
type BiomeCatalog struct {
	Biomes     []Biome
	RegionSize int
}

func (c BiomeCatalog) At(seed int64, x, z int) *Biome {
	if len(c.Biomes) == 1 {
		return &c.Biomes[0]
	}
	size := c.RegionSize
	if size <= 0 {
		size = 256
	}
	rx := floorDiv(x, size)
	rz := floorDiv(z, size)
	h := voxel.Hash2(seed^0x5b10e, rx, rz)
	return &c.Biomes[h%uint64(len(c.Biomes))]
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b < 0 {
		q--
	}
	return q
}
