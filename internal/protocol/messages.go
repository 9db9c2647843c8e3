package protocol

import (
	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"

	"voxelsync.dev/internal/voxel"
	"voxelsync.dev/internal/world/chunk"
)

// OptionalID is an id that may be absent.
type OptionalID struct {
	Value uint32
	Set   bool
}

func Some(v uint32) OptionalID { return OptionalID{Value: v, Set: true} }

// ClientIdentification must be the first message on a connection.
type ClientIdentification struct {
	ProtocolVersion uint32
	Name            string
}

// ServerConfig carries the asset hash and name→id manifests. Blocks are
// listed in id order.
type ServerConfig struct {
	AssetsHash []byte
	Blocks     []string
	Models     map[string]uint32
	Items      map[string]uint32
}

// Disconnect is terminal in both directions.
type Disconnect struct {
	Reason  string
	Message string
}

type ChunkRequest struct {
	Chunks []voxel.Vec3i
}

// ChunkResponse holds the resolved chunks in request order.
type ChunkResponse struct {
	Chunks []chunk.Record
}

type UnsubscribeFromChunks struct {
	Chunks []voxel.Vec3i
}

type BlockUpdate struct {
	Index voxel.BlockIndex
	Block chunk.BlockID
	State chunk.State
}

// BlockUpdates lists the final value of every block changed in one chunk
// during a tick.
type BlockUpdates struct {
	Chunk  voxel.Vec3i
	Blocks []BlockUpdate
}

type BlockEditRequest struct {
	Pos   voxel.Vec3i
	Block chunk.BlockID
	State chunk.State
}

// NewModel creates or replaces the model with ID.
type NewModel struct {
	ID              uint32
	ParentID        OptionalID
	Position        mgl64.Vec3
	Rotation        mgl32.Quat
	Scale           mgl32.Vec3
	Asset           uint32
	IdleAnimation   OptionalID
	MovingAnimation OptionalID
}

type DeleteModel struct {
	ID uint32
}

type ModelUpdateAsset struct {
	ID              uint32
	Asset           uint32
	IdleAnimation   OptionalID
	MovingAnimation OptionalID
}

type ModelUpdateTransform struct {
	ID       uint32
	Position mgl64.Vec3
	Rotation mgl32.Quat
	Scale    mgl32.Vec3
}

// PlayerPosition reports where the client's player is and where it faces.
type PlayerPosition struct {
	Position mgl64.Vec3
	Rotation mgl32.Quat
}

func (ClientIdentification) Type() Type  { return TypeClientIdentification }
func (ServerConfig) Type() Type          { return TypeServerConfig }
func (Disconnect) Type() Type            { return TypeDisconnect }
func (ChunkRequest) Type() Type          { return TypeChunkRequest }
func (ChunkResponse) Type() Type         { return TypeChunkResponse }
func (UnsubscribeFromChunks) Type() Type { return TypeUnsubscribeFromChunks }
func (BlockUpdates) Type() Type          { return TypeBlockUpdates }
func (BlockEditRequest) Type() Type      { return TypeBlockEditRequest }
func (NewModel) Type() Type              { return TypeNewModel }
func (DeleteModel) Type() Type           { return TypeDeleteModel }
func (ModelUpdateAsset) Type() Type      { return TypeModelUpdateAsset }
func (ModelUpdateTransform) Type() Type  { return TypeModelUpdateTransform }
func (PlayerPosition) Type() Type        { return TypePlayerPosition }
