package voxel

import (
	"errors"
	"fmt"
	"math/bits"
)

var ErrEdgeNotPowerOfTwo = errors.New("chunk edge must be a power of two")

// BlockIndex addresses a block inside a chunk. Layout: x<<(2*shift) | y<<shift | z.
type BlockIndex uint32

// Layout maps world block coordinates onto chunks of a fixed power-of-two edge.
// Negative coordinates round toward negative infinity through two's complement masking.
type Layout struct {
	edge  int
	shift uint
	mask  int
}

func NewLayout(edge int) (Layout, error) {
	if edge <= 0 || edge&(edge-1) != 0 {
		return Layout{}, fmt.Errorf("%w: %d", ErrEdgeNotPowerOfTwo, edge)
	}
	return Layout{
		edge:  edge,
		shift: uint(bits.TrailingZeros(uint(edge))),
		mask:  edge - 1,
	}, nil
}

// MustLayout is NewLayout for edges validated at startup.
func MustLayout(edge int) Layout {
	l, err := NewLayout(edge)
	if err != nil {
		panic(err)
	}
	return l
}

func (l Layout) Edge() int   { return l.edge }
func (l Layout) Shift() uint { return l.shift }

// Volume is edge³, the number of blocks per chunk.
func (l Layout) Volume() int { return l.edge * l.edge * l.edge }

// Columns is edge², the number of surface columns per chunk.
func (l Layout) Columns() int { return l.edge * l.edge }

// ChunkOf returns the coordinate of the chunk owning p.
func (l Layout) ChunkOf(p Vec3i) Vec3i {
	return Vec3i{p.X &^ l.mask, p.Y &^ l.mask, p.Z &^ l.mask}
}

// IndexOf packs p's offset inside its chunk.
func (l Layout) IndexOf(p Vec3i) BlockIndex {
	return l.Pack(p.X&l.mask, p.Y&l.mask, p.Z&l.mask)
}

// Pack packs local offsets, each in [0, edge).
func (l Layout) Pack(x, y, z int) BlockIndex {
	return BlockIndex(x<<(2*l.shift) | y<<l.shift | z)
}

// LocalOf is the exact inverse of Pack.
func (l Layout) LocalOf(i BlockIndex) Vec3i {
	v := int(i)
	return Vec3i{
		X: v >> (2 * l.shift) & l.mask,
		Y: v >> l.shift & l.mask,
		Z: v & l.mask,
	}
}

// Split returns the owning chunk and the in-chunk index of p.
func (l Layout) Split(p Vec3i) (Vec3i, BlockIndex) {
	return l.ChunkOf(p), l.IndexOf(p)
}

// WorldOf rebuilds a world position from a chunk coordinate and an index.
func (l Layout) WorldOf(chunk Vec3i, i BlockIndex) Vec3i {
	return chunk.Add(l.LocalOf(i))
}

// IsChunkCoord reports whether c lies on the chunk grid.
func (l Layout) IsChunkCoord(c Vec3i) bool {
	return c.X&l.mask == 0 && c.Y&l.mask == 0 && c.Z&l.mask == 0
}
