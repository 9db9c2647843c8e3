package gen

import (
	"math/rand/v2"

	"voxelsync.dev/internal/voxel"
	"voxelsync.dev/internal/world/chunk"
)

// Overlay is a feature's output: world position to block.
type Overlay map[voxel.Vec3i]chunk.BlockID

// put keeps the first write for a position.
func (o Overlay) put(p voxel.Vec3i, b chunk.BlockID) {
	if _, ok := o[p]; !ok {
		o[p] = b
	}
}

type FeatureKind uint8

const (
	FeatureTree FeatureKind = iota + 1
)

func (k FeatureKind) String() string {
	switch k {
	case FeatureTree:
		return "tree"
	default:
		return "unknown"
	}
}

// Feature is a tagged variant over the closed set of feature kinds.
type Feature struct {
	Kind FeatureKind
	Tree Tree
}

// Generate builds the overlay rooted at the surface block root.
func (f Feature) Generate(root voxel.Vec3i, rng *rand.Rand) Overlay {
	switch f.Kind {
	case FeatureTree:
		return f.Tree.generate(root, rng)
	default:
		return nil
	}
}

// Reach bounds the overlay relative to its root: horizontally in x/z and
// upward in y. Overlays never extend below the root.
func (f Feature) Reach() (horizontal, up int) {
	switch f.Kind {
	case FeatureTree:
		return 2, f.Tree.maxHeight() + 1
	default:
		return 0, 0
	}
}

type Tree struct {
	Trunk     chunk.BlockID
	Leaves    chunk.BlockID
	MinHeight int
	MaxHeight int
}

func (t Tree) maxHeight() int {
	if t.MaxHeight < t.MinHeight {
		return t.MinHeight
	}
	return t.MaxHeight
}

func (t Tree) generate(root voxel.Vec3i, rng *rand.Rand) Overlay {
	height := t.MinHeight
	if span := t.maxHeight() - t.MinHeight; span > 0 {
		height += rng.IntN(span + 1)
	}
	out := make(Overlay, height+64)

	for y := 1; y <= height; y++ {
		out.put(voxel.Vec3i{X: root.X, Y: root.Y + y, Z: root.Z}, t.Trunk)
	}
	t.leafLayer(out, root, rng, height-2, height-1, 2)
	t.leafLayer(out, root, rng, height, height+1, 1)
	return out
}

// leafLayer fills a square of radius r for dy in [from, to], dropping about
// half of the corner blocks.
func (t Tree) leafLayer(out Overlay, root voxel.Vec3i, rng *rand.Rand, from, to, r int) {
	for dy := from; dy <= to; dy++ {
		for dx := -r; dx <= r; dx++ {
			for dz := -r; dz <= r; dz++ {
				corner := (dx == r || dx == -r) && (dz == r || dz == -r)
				if corner && rng.IntN(2) == 0 {
					continue
				}
				out.put(voxel.Vec3i{X: root.X + dx, Y: root.Y + dy, Z: root.Z + dz}, t.Leaves)
			}
		}
	}
}

// FeaturePlacer places its feature in a column with probability
// PerChunk / columnsPerChunk.
type FeaturePlacer struct {
	PerChunk float64
	Feature  Feature
}

func (p FeaturePlacer) Probability(columnsPerChunk int) float64 {
	if columnsPerChunk <= 0 {
		return 0
	}
	prob := p.PerChunk / float64(columnsPerChunk)
	if prob > 1 {
		return 1
	}
	return prob
}

// Place runs the Bernoulli trial on rng and, on success, generates the
// feature from the same stream.
func (p FeaturePlacer) Place(root voxel.Vec3i, rng *rand.Rand, columnsPerChunk int) (Overlay, bool) {
	if rng.Float64() >= p.Probability(columnsPerChunk) {
		return nil, false
	}
	return p.Feature.Generate(root, rng), true
}
