package protocol

import (
	"encoding/binary"
	"errors"
	"reflect"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"

	"voxelsync.dev/internal/voxel"
	"voxelsync.dev/internal/world/chunk"
)

func TestEncodeDecodeCatalog(t *testing.T) {
	c := chunk.New(voxel.Vec3i{X: -16, Y: 0, Z: 32}, 4096, 1)
	c.Set(7, 2, chunk.NewState(chunk.North, true, false))

	msgs := []Message{
		ClientIdentification{ProtocolVersion: Version, Name: "alice"},
		ServerConfig{
			AssetsHash: []byte{1, 2, 3},
			Blocks:     []string{"air", "stone"},
			Models:     map[string]uint32{"player": 0},
			Items:      map[string]uint32{"dirt": 0, "stone": 1},
		},
		Disconnect{Reason: ReasonNotSubscribed, Message: "chunk (0,0,0)"},
		ChunkRequest{Chunks: []voxel.Vec3i{{X: 0, Y: 0, Z: 0}, {X: -16, Y: 16, Z: 32}}},
		ChunkResponse{Chunks: []chunk.Record{c.Record()}},
		UnsubscribeFromChunks{Chunks: []voxel.Vec3i{{X: 0, Y: -16, Z: 0}}},
		BlockUpdates{Chunk: voxel.Vec3i{X: 16}, Blocks: []BlockUpdate{{Index: 5, Block: 3, State: 1}}},
		BlockEditRequest{Pos: voxel.Vec3i{X: -1, Y: 2, Z: -3}, Block: 4},
		NewModel{
			ID:            9,
			ParentID:      Some(2),
			Position:      mgl64.Vec3{1e9 + 0.5, -3, 4},
			Rotation:      mgl32.QuatIdent(),
			Scale:         mgl32.Vec3{1, 1, 1},
			Asset:         1,
			IdleAnimation: Some(0),
		},
		DeleteModel{ID: 9},
		ModelUpdateAsset{ID: 9, Asset: 2, MovingAnimation: Some(3)},
		ModelUpdateTransform{ID: 9, Position: mgl64.Vec3{0, 1, 2}, Rotation: mgl32.QuatIdent(), Scale: mgl32.Vec3{2, 2, 2}},
		PlayerPosition{Position: mgl64.Vec3{-1e7, 64.25, 3}, Rotation: mgl32.QuatRotate(1, mgl32.Vec3{0, 1, 0})},
	}
	for _, m := range msgs {
		raw, err := Encode(m)
		if err != nil {
			t.Fatalf("Encode %s: %v", m.Type(), err)
		}
		if Type(raw[0]) != m.Type() {
			t.Fatalf("tag %d for %s", raw[0], m.Type())
		}
		got, err := Decode(raw)
		if err != nil {
			t.Fatalf("Decode %s: %v", m.Type(), err)
		}
		if !reflect.DeepEqual(got, m) {
			t.Fatalf("%s round trip:\n got %+v\nwant %+v", m.Type(), got, m)
		}
	}
}

func TestUniformChunkEncodesCompactly(t *testing.T) {
	c := chunk.New(voxel.Vec3i{}, 4096, chunk.Air)
	raw, err := Encode(ChunkResponse{Chunks: []chunk.Record{c.Record()}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(raw) > 16 {
		t.Fatalf("uniform chunk encoded to %d bytes", len(raw))
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, err := Decode(nil); !errors.Is(err, ErrTruncated) {
		t.Fatalf("empty: %v", err)
	}
	if _, err := Decode([]byte{0xEE}); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("unknown tag: %v", err)
	}

	raw, _ := Encode(ClientIdentification{ProtocolVersion: Version, Name: "bob"})
	if _, err := Decode(raw[:len(raw)-1]); !errors.Is(err, ErrTruncated) {
		t.Fatalf("truncated: %v", err)
	}
	if _, err := Decode(append(raw, 0)); err == nil {
		t.Fatalf("expected error for trailing byte")
	}

	// A list length far beyond the limit must not allocate.
	huge := []byte{byte(TypeChunkRequest), 0xff, 0xff, 0xff, 0xff, 0x0f}
	if _, err := Decode(huge); err == nil {
		t.Fatalf("expected error for oversized list")
	}
}

func TestClientToServer(t *testing.T) {
	if !ClientToServer(TypeChunkRequest) || !ClientToServer(TypeBlockEditRequest) || !ClientToServer(TypePlayerPosition) {
		t.Fatalf("client requests rejected")
	}
	if ClientToServer(TypeBlockUpdates) || ClientToServer(TypeNewModel) {
		t.Fatalf("server-only message accepted from client")
	}
}

// bigRecords builds a ChunkResponse of n records, each one run of volume air.
func bigRecords(n, volume int) []byte {
	raw := []byte{byte(TypeChunkResponse)}
	raw = binary.AppendUvarint(raw, uint64(n))
	for i := 0; i < n; i++ {
		raw = append(raw, 0, 0, 0)
		raw = binary.AppendUvarint(raw, uint64(volume))
		raw = append(raw, 1, 0)
		raw = binary.AppendUvarint(raw, uint64(volume))
		raw = append(raw, 0)
	}
	return raw
}

func TestDecodeBoundsChunkBlocks(t *testing.T) {
	if _, err := DecodeVolume(bigRecords(1, 4096), 4096); err != nil {
		t.Fatalf("matching volume: %v", err)
	}
	if _, err := DecodeVolume(bigRecords(1, 1<<18), 4096); err == nil {
		t.Fatalf("record larger than the chunk volume accepted")
	}
	if _, err := DecodeVolume(bigRecords(1, 512), 4096); err == nil {
		t.Fatalf("record smaller than the chunk volume accepted")
	}
	n := MaxMessageBlocks/(1<<18) + 1
	if _, err := Decode(bigRecords(n, 1<<18)); err == nil {
		t.Fatalf("%d maximal records accepted", n)
	}
}
