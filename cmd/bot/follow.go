package main

import (
	"math"
	"sort"

	"github.com/go-gl/mathgl/mgl64"

	"voxelsync.dev/internal/protocol"
	"voxelsync.dev/internal/voxel"
)

type sender interface {
	Send(m protocol.Message) error
}

type bot struct {
	conn   sender
	layout voxel.Layout
	radius int
	center voxel.Vec3i
	held   map[voxel.Vec3i]bool
	forget func([]voxel.Vec3i)
}

// wanted is the horizontal square of chunks within radius of center.
func (b *bot) wanted(center voxel.Vec3i) map[voxel.Vec3i]bool {
	e := b.layout.Edge()
	out := make(map[voxel.Vec3i]bool)
	for dx := -b.radius; dx <= b.radius; dx++ {
		for dz := -b.radius; dz <= b.radius; dz++ {
			out[center.Add(voxel.Vec3i{X: dx * e, Z: dz * e})] = true
		}
	}
	return out
}

// follow keeps the held chunk set centered on pos, requesting new chunks
// and unsubscribing from the ones left behind.
func (b *bot) follow(pos mgl64.Vec3) error {
	p := voxel.Vec3i{X: int(math.Floor(pos[0])), Y: int(math.Floor(pos[1])), Z: int(math.Floor(pos[2]))}
	center := b.layout.ChunkOf(p)
	if center == b.center && len(b.held) > 0 {
		return nil
	}
	b.center = center
	want := b.wanted(center)

	var add, drop []voxel.Vec3i
	for c := range want {
		if !b.held[c] {
			add = append(add, c)
		}
	}
	for c := range b.held {
		if !want[c] {
			drop = append(drop, c)
		}
	}
	sort.Slice(add, func(i, j int) bool { return add[i].Less(add[j]) })
	sort.Slice(drop, func(i, j int) bool { return drop[i].Less(drop[j]) })

	if len(drop) > 0 {
		if err := b.conn.Send(protocol.UnsubscribeFromChunks{Chunks: drop}); err != nil {
			return err
		}
		for _, c := range drop {
			delete(b.held, c)
		}
		if b.forget != nil {
			b.forget(drop)
		}
	}
	if len(add) > 0 {
		if err := b.conn.Send(protocol.ChunkRequest{Chunks: add}); err != nil {
			return err
		}
		for _, c := range add {
			b.held[c] = true
		}
	}
	return nil
}
