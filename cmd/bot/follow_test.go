package main

import (
	"testing"

	"github.com/go-gl/mathgl/mgl64"

	"voxelsync.dev/internal/protocol"
	"voxelsync.dev/internal/voxel"
)

type recorder struct{ sent []protocol.Message }

func (r *recorder) Send(m protocol.Message) error {
	r.sent = append(r.sent, m)
	return nil
}

func TestFollowRequestsAndDropsChunks(t *testing.T) {
	rec := &recorder{}
	var forgotten []voxel.Vec3i
	b := &bot{
		conn:   rec,
		layout: voxel.MustLayout(16),
		radius: 1,
		held:   map[voxel.Vec3i]bool{},
		forget: func(cs []voxel.Vec3i) { forgotten = append(forgotten, cs...) },
	}

	if err := b.follow(mgl64.Vec3{1, 8, 1}); err != nil {
		t.Fatalf("follow: %v", err)
	}
	if len(rec.sent) != 1 || len(rec.sent[0].(protocol.ChunkRequest).Chunks) != 9 {
		t.Fatalf("initial sends = %#v", rec.sent)
	}

	if err := b.follow(mgl64.Vec3{15, 8, 1}); err != nil {
		t.Fatalf("follow: %v", err)
	}
	if len(rec.sent) != 1 {
		t.Fatalf("moved inside a chunk but sent %d messages", len(rec.sent)-1)
	}

	if err := b.follow(mgl64.Vec3{17, 8, 1}); err != nil {
		t.Fatalf("follow: %v", err)
	}
	if len(rec.sent) != 3 {
		t.Fatalf("sends = %d, want unsubscribe and request", len(rec.sent))
	}
	unsub := rec.sent[1].(protocol.UnsubscribeFromChunks)
	req := rec.sent[2].(protocol.ChunkRequest)
	if len(unsub.Chunks) != 3 || len(req.Chunks) != 3 {
		t.Fatalf("unsubscribe %v, request %v", unsub.Chunks, req.Chunks)
	}
	for _, c := range unsub.Chunks {
		if c.X != -16 {
			t.Fatalf("dropped %v, want the x=-16 column", c)
		}
	}
	for _, c := range req.Chunks {
		if c.X != 32 {
			t.Fatalf("requested %v, want the x=32 column", c)
		}
	}
	if len(forgotten) != 3 || len(b.held) != 9 {
		t.Fatalf("forgotten %d, held %d", len(forgotten), len(b.held))
	}
}
