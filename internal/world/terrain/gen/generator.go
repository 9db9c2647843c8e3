package gen

import (
	"errors"
	"fmt"

	"voxelsync.dev/internal/voxel"
	"voxelsync.dev/internal/world/chunk"
)

// ErrOutOfBounds is returned for chunks outside the vertical world limits.
var ErrOutOfBounds = errors.New("chunk outside vertical world bounds")

const featureSalt = 0xfea7_0000

type Settings struct {
	SeaLevel       int
	BaseHeight     int
	Amplitude      int
	FrequencyShift uint
	Octaves        int

	// MinY is inclusive, MaxY exclusive.
	MinY int
	MaxY int
}

// Generator produces chunks as a pure function of (seed, coord). It holds no
// mutable state and is safe for concurrent use.
type Generator struct {
	layout   voxel.Layout
	seed     int64
	settings Settings
	biomes   BiomeCatalog

	reachH  int
	reachUp int
}

func NewGenerator(layout voxel.Layout, seed int64, settings Settings, biomes BiomeCatalog) (*Generator, error) {
	if len(biomes.Biomes) == 0 {
		return nil, errors.New("gen: no biomes")
	}
	if settings.MaxY <= settings.MinY {
		return nil, fmt.Errorf("gen: empty vertical range [%d, %d)", settings.MinY, settings.MaxY)
	}
	g := &Generator{layout: layout, seed: seed, settings: settings, biomes: biomes}
	for _, b := range biomes.Biomes {
		for _, p := range b.Features {
			h, up := p.Feature.Reach()
			g.reachH = max(g.reachH, h)
			g.reachUp = max(g.reachUp, up)
		}
	}
	return g, nil
}

func (g *Generator) Seed() int64          { return g.seed }
func (g *Generator) Layout() voxel.Layout { return g.layout }
func (g *Generator) Settings() Settings   { return g.settings }

// SurfaceHeight is the y of the topmost terrain block in column (x, z).
func (g *Generator) SurfaceHeight(x, z int) int {
	n := fbm(g.seed, x, z, g.settings.FrequencyShift, g.settings.Octaves)
	return g.settings.BaseHeight + int(int64(g.settings.Amplitude)*n>>16)
}

// InBounds reports whether the chunk at coord lies within the vertical limits.
func (g *Generator) InBounds(coord voxel.Vec3i) bool {
	return coord.Y >= g.settings.MinY && coord.Y < g.settings.MaxY
}

// Generate builds the chunk at the chunk-grid coordinate coord.
func (g *Generator) Generate(coord voxel.Vec3i) (*chunk.Chunk, error) {
	if !g.layout.IsChunkCoord(coord) {
		return nil, fmt.Errorf("gen: %s is not a chunk coordinate", coord)
	}
	if !g.InBounds(coord) {
		return nil, fmt.Errorf("gen: %s: %w", coord, ErrOutOfBounds)
	}
	edge := g.layout.Edge()
	air := g.biomes.Biomes[0].Air
	c := chunk.New(coord, g.layout.Volume(), air)

	for lx := 0; lx < edge; lx++ {
		for lz := 0; lz < edge; lz++ {
			wx, wz := coord.X+lx, coord.Z+lz
			b := g.biomes.At(g.seed, wx, wz)
			h := g.SurfaceHeight(wx, wz)
			for ly := 0; ly < edge; ly++ {
				id := g.columnBlock(b, h, coord.Y+ly)
				c.Blocks[g.layout.Pack(lx, ly, lz)] = id
			}
		}
	}
	g.placeFeatures(c)
	return c, nil
}

func (g *Generator) columnBlock(b *Biome, surface, y int) chunk.BlockID {
	sea := g.settings.SeaLevel
	if y > surface {
		switch {
		case y == sea:
			return b.SurfaceLiquid
		case y < sea:
			return b.SubsurfaceLiquid
		default:
			return b.Air
		}
	}
	depth := surface - y
	shore := surface <= sea
	switch {
	case depth < b.TopThickness:
		if shore {
			return b.Sand
		}
		return b.TopBlock
	case depth < b.TopThickness+b.MidThickness:
		if shore {
			return b.Sand
		}
		return b.MidBlock
	default:
		return b.BottomBlock
	}
}

// placeFeatures evaluates every column whose features can reach into c, in
// ascending (x, z) order, and writes the part of each overlay inside c.
// Column streams depend only on world position, so a feature straddling a
// boundary is drawn identically by each chunk it touches.
func (g *Generator) placeFeatures(c *chunk.Chunk) {
	if g.reachH == 0 && g.reachUp == 0 {
		return
	}
	edge := g.layout.Edge()
	columns := g.layout.Columns()
	lo, hi := c.Coord, c.Coord.Add(voxel.Vec3i{X: edge, Y: edge, Z: edge})

	for wx := lo.X - g.reachH; wx < hi.X+g.reachH; wx++ {
		for wz := lo.Z - g.reachH; wz < hi.Z+g.reachH; wz++ {
			b := g.biomes.At(g.seed, wx, wz)
			if len(b.Features) == 0 {
				continue
			}
			h := g.SurfaceHeight(wx, wz)
			if h <= g.settings.SeaLevel {
				continue
			}
			if h+g.reachUp < lo.Y || h >= hi.Y {
				continue
			}
			root := voxel.Vec3i{X: wx, Y: h, Z: wz}
			for k, p := range b.Features {
				rng := voxel.ColumnRand(g.seed, featureSalt+uint64(k), wx, wz)
				overlay, ok := p.Place(root, rng, columns)
				if !ok {
					continue
				}
				g.apply(c, b.Air, overlay)
			}
		}
	}
}

// apply writes overlay blocks that fall inside c onto air only.
func (g *Generator) apply(c *chunk.Chunk, air chunk.BlockID, overlay Overlay) {
	edge := g.layout.Edge()
	for p, id := range overlay {
		d := p.Sub(c.Coord)
		if d.X < 0 || d.Y < 0 || d.Z < 0 || d.X >= edge || d.Y >= edge || d.Z >= edge {
			continue
		}
		i := g.layout.Pack(d.X, d.Y, d.Z)
		if c.Blocks[i] == air {
			c.Blocks[i] = id
		}
	}
}
