package models

import (
	"fmt"
	"math"
	"sort"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"

	"voxelsync.dev/internal/protocol"
	"voxelsync.dev/internal/voxel"
)

// Model is a dynamic entity shown to clients that hold its chunk.
type Model struct {
	ID              uint32
	ParentID        protocol.OptionalID
	Position        mgl64.Vec3
	Rotation        mgl32.Quat
	Scale           mgl32.Vec3
	Asset           uint32
	IdleAnimation   protocol.OptionalID
	MovingAnimation protocol.OptionalID
}

type entry struct {
	m Model
	// Bumped on every change so views can tell what to resend. A bumped
	// rev replaces the whole model.
	rev          uint64
	assetRev     uint64
	transformRev uint64
}

func (e *entry) state() known {
	return known{rev: e.rev, assetRev: e.assetRev, transformRev: e.transformRev}
}

// Registry owns all models. It is not safe for concurrent use; the world
// loop is its only caller.
type Registry struct {
	layout voxel.Layout
	nextID uint32
	models map[uint32]*entry
}

func NewRegistry(layout voxel.Layout) *Registry {
	return &Registry{layout: layout, nextID: 1, models: make(map[uint32]*entry)}
}

// Spawn assigns a fresh id to m and registers it.
func (r *Registry) Spawn(m Model) uint32 {
	for r.models[r.nextID] != nil || r.nextID == 0 {
		r.nextID++
	}
	m.ID = r.nextID
	r.nextID++
	r.models[m.ID] = &entry{m: m, rev: 1, assetRev: 1, transformRev: 1}
	return m.ID
}

// Upsert replaces the model with m.ID, or creates it. Views that know the
// model receive a fresh NewModel.
func (r *Registry) Upsert(m Model) {
	e, ok := r.models[m.ID]
	if !ok {
		r.models[m.ID] = &entry{m: m, rev: 1, assetRev: 1, transformRev: 1}
		return
	}
	e.m = m
	e.rev++
}

func (r *Registry) Move(id uint32, pos mgl64.Vec3, rot mgl32.Quat, scale mgl32.Vec3) error {
	e, ok := r.models[id]
	if !ok {
		return fmt.Errorf("model %d: not found", id)
	}
	e.m.Position, e.m.Rotation, e.m.Scale = pos, rot, scale
	e.transformRev++
	return nil
}

func (r *Registry) SetAsset(id, asset uint32, idle, moving protocol.OptionalID) error {
	e, ok := r.models[id]
	if !ok {
		return fmt.Errorf("model %d: not found", id)
	}
	e.m.Asset, e.m.IdleAnimation, e.m.MovingAnimation = asset, idle, moving
	e.assetRev++
	return nil
}

func (r *Registry) Remove(id uint32) bool {
	if _, ok := r.models[id]; !ok {
		return false
	}
	delete(r.models, id)
	return true
}

func (r *Registry) Get(id uint32) (Model, bool) {
	e, ok := r.models[id]
	if !ok {
		return Model{}, false
	}
	return e.m, true
}

func (r *Registry) Len() int { return len(r.models) }

// ChunkOf returns the chunk containing the model's position.
func (r *Registry) ChunkOf(m Model) voxel.Vec3i {
	p := voxel.Vec3i{
		X: int(math.Floor(m.Position[0])),
		Y: int(math.Floor(m.Position[1])),
		Z: int(math.Floor(m.Position[2])),
	}
	return r.layout.ChunkOf(p)
}

func (r *Registry) sortedIDs() []uint32 {
	ids := make([]uint32, 0, len(r.models))
	for id := range r.models {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

type known struct {
	rev          uint64
	assetRev     uint64
	transformRev uint64
}

// View is what one connection has been told about models.
type View struct {
	known map[uint32]known
}

func NewView() *View { return &View{known: make(map[uint32]known)} }

func (v *View) Knows(id uint32) bool {
	_, ok := v.known[id]
	return ok
}

// Sync returns the messages that bring v up to date. A model is visible when
// visible reports true for its chunk. New models are ordered so a parent is
// announced before its children whenever both are visible.
func (r *Registry) Sync(v *View, visible func(chunk voxel.Vec3i) bool) []protocol.Message {
	var out []protocol.Message

	for id := range v.known {
		if _, ok := r.models[id]; !ok {
			delete(v.known, id)
			out = append(out, protocol.DeleteModel{ID: id})
		}
	}
	// Deletions of removed models in id order.
	sort.Slice(out, func(i, j int) bool {
		return out[i].(protocol.DeleteModel).ID < out[j].(protocol.DeleteModel).ID
	})

	var fresh []*entry
	for _, id := range r.sortedIDs() {
		e := r.models[id]
		vis := visible(r.ChunkOf(e.m))
		k, seen := v.known[id]
		switch {
		case vis && (!seen || k.rev != e.rev):
			fresh = append(fresh, e)
		case !vis && seen:
			delete(v.known, id)
			out = append(out, protocol.DeleteModel{ID: id})
		case vis && seen:
			if k.assetRev != e.assetRev {
				out = append(out, protocol.ModelUpdateAsset{
					ID:              id,
					Asset:           e.m.Asset,
					IdleAnimation:   e.m.IdleAnimation,
					MovingAnimation: e.m.MovingAnimation,
				})
			}
			if k.transformRev != e.transformRev {
				out = append(out, protocol.ModelUpdateTransform{
					ID:       id,
					Position: e.m.Position,
					Rotation: e.m.Rotation,
					Scale:    e.m.Scale,
				})
			}
			v.known[id] = e.state()
		}
	}

	for len(fresh) > 0 {
		var rest []*entry
		progressed := false
		for _, e := range fresh {
			p := e.m.ParentID
			if p.Set && !v.Knows(p.Value) && pending(fresh, p.Value) {
				rest = append(rest, e)
				continue
			}
			out = append(out, newModel(e.m))
			v.known[e.m.ID] = e.state()
			progressed = true
		}
		if !progressed {
			// Parent cycle; announce the remainder in id order.
			for _, e := range rest {
				out = append(out, newModel(e.m))
				v.known[e.m.ID] = e.state()
			}
			break
		}
		fresh = rest
	}
	return out
}

func pending(fresh []*entry, id uint32) bool {
	for _, e := range fresh {
		if e.m.ID == id {
			return true
		}
	}
	return false
}

func newModel(m Model) protocol.NewModel {
	return protocol.NewModel{
		ID:              m.ID,
		ParentID:        m.ParentID,
		Position:        m.Position,
		Rotation:        m.Rotation,
		Scale:           m.Scale,
		Asset:           m.Asset,
		IdleAnimation:   m.IdleAnimation,
		MovingAnimation: m.MovingAnimation,
	}
}
