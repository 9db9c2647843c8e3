package origin

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
)

func TestNoShiftInsideChunk(t *testing.T) {
	r := NewRebaser(16)
	if _, moved := r.Update(mgl64.Vec3{1, 2, 15.9}); moved {
		t.Fatalf("origin moved inside the first chunk")
	}
	if r.Origin() != (mgl64.Vec3{}) {
		t.Fatalf("origin = %v", r.Origin())
	}
}

func TestShiftOnChunkCrossing(t *testing.T) {
	r := NewRebaser(16)
	r.Track(1, mgl64.Vec3{20, 5, -3})
	delta, moved := r.Update(mgl64.Vec3{17, 0, -1})
	if !moved {
		t.Fatalf("expected a shift")
	}
	if delta != (mgl64.Vec3{16, 0, -16}) {
		t.Fatalf("delta = %v", delta)
	}
	got, _ := r.Rendered(1)
	if got[0] != 4 || got[1] != 5 || got[2] != 13 {
		t.Fatalf("rendered = %v", got)
	}
}

func TestInvariantFarFromOrigin(t *testing.T) {
	r := NewRebaser(32)
	world := mgl64.Vec3{1e7 + 0.25, 64.5, -3e6 - 0.75}
	r.Track(7, world)
	r.Update(world)

	got, ok := r.Rendered(7)
	if !ok {
		t.Fatalf("entity not tracked")
	}
	back := r.WorldOf(got)
	for i := 0; i < 3; i++ {
		if math.Abs(back[i]-world[i]) > 1e-6 {
			t.Fatalf("origin + rendered = %v, want %v", back, world)
		}
	}
	if got[0] != 0.25 {
		t.Fatalf("rendered x = %v, want 0.25", got[0])
	}
}

func TestTrackAfterShift(t *testing.T) {
	r := NewRebaser(16)
	r.Update(mgl64.Vec3{100, 0, 0})
	r.Track(2, mgl64.Vec3{100, 1, 1})
	got, _ := r.Rendered(2)
	if got[0] != 4 {
		t.Fatalf("rendered = %v", got)
	}
	r.Untrack(2)
	if _, ok := r.Rendered(2); ok {
		t.Fatalf("untracked entity still rendered")
	}
}
