// Package origin keeps rendered transforms close to a floating render origin
// so single-precision positions stay accurate far from the world origin.
package origin

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"
)

// Rebaser moves the render origin to the chunk containing the player. Each
// tracked entity keeps its double-precision world position; the rendered
// translation is always world minus origin.
type Rebaser struct {
	edge     float64
	origin   mgl64.Vec3
	world    map[uint32]mgl64.Vec3
	rendered map[uint32]mgl32.Vec3
	shifts   int
}

func NewRebaser(edge int) *Rebaser {
	return &Rebaser{
		edge:     float64(edge),
		world:    make(map[uint32]mgl64.Vec3),
		rendered: make(map[uint32]mgl32.Vec3),
	}
}

func (r *Rebaser) Origin() mgl64.Vec3 { return r.origin }

// Shifts counts origin moves.
func (r *Rebaser) Shifts() int { return r.shifts }

// Track sets the world position of id.
func (r *Rebaser) Track(id uint32, worldPos mgl64.Vec3) {
	r.world[id] = worldPos
	r.rendered[id] = toRender(worldPos.Sub(r.origin))
}

func (r *Rebaser) Untrack(id uint32) {
	delete(r.world, id)
	delete(r.rendered, id)
}

// Rendered returns the origin-relative translation of id.
func (r *Rebaser) Rendered(id uint32) (mgl32.Vec3, bool) {
	v, ok := r.rendered[id]
	return v, ok
}

// WorldOf reconstructs a world position from a rendered translation.
func (r *Rebaser) WorldOf(rendered mgl32.Vec3) mgl64.Vec3 {
	return r.origin.Add(mgl64.Vec3{float64(rendered[0]), float64(rendered[1]), float64(rendered[2])})
}

// Update snaps the origin to the chunk containing player. When the origin
// moves it returns the delta and re-expresses every tracked transform
// against the new origin.
func (r *Rebaser) Update(player mgl64.Vec3) (mgl64.Vec3, bool) {
	next := mgl64.Vec3{r.snap(player[0]), r.snap(player[1]), r.snap(player[2])}
	if next == r.origin {
		return mgl64.Vec3{}, false
	}
	delta := next.Sub(r.origin)
	r.origin = next
	r.shifts++
	for id, w := range r.world {
		r.rendered[id] = toRender(w.Sub(r.origin))
	}
	return delta, true
}

func (r *Rebaser) snap(v float64) float64 {
	return math.Floor(v/r.edge) * r.edge
}

func toRender(v mgl64.Vec3) mgl32.Vec3 {
	return mgl32.Vec3{float32(v[0]), float32(v[1]), float32(v[2])}
}
