package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"

	"voxelsync.dev/internal/client"
	"voxelsync.dev/internal/protocol"
	"voxelsync.dev/internal/voxel"
	"voxelsync.dev/internal/world/chunk"
)

func main() {
	var (
		url    = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name   = flag.String("name", "bot", "player name")
		edge   = flag.Int("edge", 16, "server chunk edge")
		radius = flag.Int("radius", 1, "chunks to hold around the bot in each direction")
		y      = flag.Int("y", 8, "height the bot walks at")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	layout, err := voxel.NewLayout(*edge)
	if err != nil {
		logger.Fatalf("edge: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	s := client.NewSession(layout, client.Assets{})
	conn, err := client.Dial(ctx, *url, *name, s)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	logger.Printf("connected as %s", *name)

	go func() {
		for {
			m, err := conn.Next(time.Minute)
			if err != nil {
				var de *client.DisconnectError
				if errors.As(err, &de) {
					logger.Printf("server disconnected: %s (%s)", de.Reason, de.Message)
				} else {
					logger.Printf("read: %v", err)
				}
				cancel()
				return
			}
			if up, ok := m.(protocol.BlockUpdates); ok {
				logger.Printf("%d block updates in %s", len(up.Blocks), up.Chunk)
			}
		}
	}()

	b := &bot{conn: conn, layout: layout, radius: *radius, held: map[voxel.Vec3i]bool{}, forget: s.Forget}
	pos := mgl64.Vec3{0.5, float64(*y), 0.5}
	if err := b.follow(pos); err != nil {
		logger.Fatalf("request chunks: %v", err)
	}

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	dir := mgl64.Vec3{1, 0, 0}
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			_ = conn.Disconnect(protocol.ReasonShutdown, "bot stopping")
			return
		case <-ticker.C:
		}

		if n%40 == 0 {
			dir = mgl64.Vec3{float64(r.Intn(3) - 1), 0, float64(r.Intn(3) - 1)}
		}
		pos = pos.Add(dir)
		if err := b.follow(pos); err != nil {
			logger.Printf("follow: %v", err)
			return
		}
		yaw := float32(math.Atan2(dir[0], dir[2]))
		if err := conn.Send(protocol.PlayerPosition{Position: pos, Rotation: mgl32.QuatRotate(yaw, mgl32.Vec3{0, 1, 0})}); err != nil {
			logger.Printf("position: %v", err)
			return
		}
		if s.MoveTo(pos) {
			logger.Printf("origin rebased to %v (chunks=%d models=%d)", s.Origin(), s.Chunks(), s.Models())
		}

		if n%20 == 10 {
			at := voxel.Vec3i{X: int(pos[0]), Y: *y - 1, Z: int(pos[2])}
			if s.HasChunk(layout.ChunkOf(at)) {
				block := chunk.BlockID(s.Updates()%2 + 1)
				if err := conn.Send(protocol.BlockEditRequest{Pos: at, Block: block}); err != nil {
					logger.Printf("edit: %v", err)
				}
			}
		}
	}
}
